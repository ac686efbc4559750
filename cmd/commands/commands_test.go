package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/oplog"
	"github.com/dohr-michael/huddle/internal/secrets"
	"github.com/dohr-michael/huddle/internal/storage"
)

// setupHome points HUDDLE_PATH at a temp dir and seeds one document in the
// default file store.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HUDDLE_PATH", home)

	log := oplog.New(storage.NewFileStore(filepath.Join(home, "documents")))
	ctx := context.Background()
	ops := []document.Operation{
		{ID: "op1", Kind: document.OpInsertRow, Participant: "ana", RowID: "r1", List: document.ListTodo},
		{ID: "op2", Kind: document.OpInsertRow, Participant: "ana", RowID: "r2", List: document.ListBlocker, Content: "ship it"},
	}
	for _, op := range ops {
		if _, err := log.Submit(ctx, "standup", op); err != nil {
			t.Fatalf("seed %s: %v", op.ID, err)
		}
	}
	return home
}

func run(t *testing.T, home string, args ...string) error {
	t.Helper()
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer devnull.Close()
	stdout := os.Stdout
	os.Stdout = devnull
	defer func() { os.Stdout = stdout }()

	argv := append([]string{"huddle", "--config", filepath.Join(home, "config.jsonc")}, args...)
	return NewRootCommand().Run(context.Background(), argv)
}

func TestReplayConverges(t *testing.T) {
	home := setupHome(t)
	if err := run(t, home, "replay", "standup"); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestCompactForcesSingleDocument(t *testing.T) {
	home := setupHome(t)
	if err := run(t, home, "compact", "standup"); err != nil {
		t.Fatalf("compact: %v", err)
	}

	log := oplog.New(storage.NewFileStore(filepath.Join(home, "documents")))
	v, err := log.SnapshotVersion(context.Background(), "standup")
	if err != nil {
		t.Fatalf("SnapshotVersion: %v", err)
	}
	if v != 2 {
		t.Fatalf("snapshot version = %d, want 2", v)
	}
}

func TestSnapshotRequiresDocument(t *testing.T) {
	home := setupHome(t)
	if err := run(t, home, "snapshot"); err == nil {
		t.Fatal("expected error without a document id")
	}
	if err := run(t, home, "snapshot", "standup"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestSecretKeygenThenSet(t *testing.T) {
	home := setupHome(t)
	if err := run(t, home, "secret", "keygen"); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if _, err := os.Stat(secrets.KeyPath()); err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if err := run(t, home, "secret", "set", "HUDDLE_TASKS_TOKEN", "s3cret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, ".env"))
	if err != nil {
		t.Fatalf("read .env: %v", err)
	}
	if !secrets.IsEncrypted(strings.TrimSpace(strings.TrimPrefix(string(data), "HUDDLE_TASKS_TOKEN="))) {
		t.Fatalf(".env = %q", data)
	}
}
