package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/oplog"
	"github.com/dohr-michael/huddle/internal/storage"
)

func fill(t *testing.T, l *oplog.Log, documentID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		op := document.Operation{
			ID: fmt.Sprintf("op-%d", i), Kind: document.OpInsertRow, Participant: "ana",
			RowID: fmt.Sprintf("r%d", i), List: document.ListTodo, Content: "note",
		}
		if _, err := l.Submit(context.Background(), documentID, op); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
}

func TestRunOnceHonoursThreshold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := oplog.New(store)
	fill(t, l, "busy", 12)
	fill(t, l, "quiet", 3)

	bus := events.NewBus(16)
	defer bus.Close()
	c, err := NewCompactor(Config{Log: l, Bus: bus, MinOperations: 10})
	if err != nil {
		t.Fatalf("NewCompactor: %v", err)
	}

	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(res.Written) != 1 || res.Written[0] != "busy" || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if v, _ := l.SnapshotVersion(ctx, "busy"); v != 12 {
		t.Fatalf("snapshot version = %d, want 12", v)
	}

	// Nothing new since the snapshot.
	res, err = c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(res.Written) != 0 || res.Skipped != 2 {
		t.Fatalf("second pass = %+v", res)
	}
	if c.LastRun().IsZero() {
		t.Fatal("LastRun not recorded")
	}
}

func TestCompactDocumentForce(t *testing.T) {
	ctx := context.Background()
	l := oplog.New(storage.NewMemoryStore())
	fill(t, l, "quiet", 2)

	c, _ := NewCompactor(Config{Log: l})
	written, err := c.CompactDocument(ctx, "quiet", true)
	if err != nil || !written {
		t.Fatalf("forced compaction: written=%v err=%v", written, err)
	}
	if v, _ := l.SnapshotVersion(ctx, "quiet"); v != 2 {
		t.Fatalf("snapshot version = %d", v)
	}
}

type brokenLog struct{ Log }

func (brokenLog) Documents(context.Context) ([]string, error) {
	return nil, errors.New("store offline")
}

func TestRunOnceStoreDown(t *testing.T) {
	c, _ := NewCompactor(Config{Log: brokenLog{}})
	if _, err := c.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewCompactorValidates(t *testing.T) {
	if _, err := NewCompactor(Config{}); err == nil {
		t.Fatal("expected error without a log")
	}
	l := oplog.New(storage.NewMemoryStore())
	if _, err := NewCompactor(Config{Log: l, Schedule: "every tuesday"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartStopWithoutSchedule(t *testing.T) {
	c, _ := NewCompactor(Config{Log: oplog.New(storage.NewMemoryStore())})
	c.Start()
	done := make(chan struct{})
	go func() { c.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}
