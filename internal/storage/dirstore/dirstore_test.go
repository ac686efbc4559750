package dirstore

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

type testMeta struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteReadJSON(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	id := "abc123"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	want := testMeta{Name: "hello", Value: 42}
	if err := ds.WriteJSON(id, "meta.json", want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got testMeta
	if err := ds.ReadJSON(id, "meta.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Errorf("ReadJSON = %+v, want %+v", got, want)
	}
	if _, err := os.Stat(ds.FilePath(id, "meta.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("tmp file left behind: %v", err)
	}
}

func TestReadJSONNotFound(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "widget")

	var out testMeta
	err := ds.ReadJSON("nonexistent", "meta.json", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEscapesIDs(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "document")

	for _, id := range []string{"team/retro", "standup", "a b"} {
		if err := ds.EnsureDir(id); err != nil {
			t.Fatalf("EnsureDir %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "not_a_dir.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ids, err := ds.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a b", "standup", "team/retro"}
	if !slices.Equal(ids, want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
}

func TestListNonExistent(t *testing.T) {
	ds := NewDirStore(filepath.Join(t.TempDir(), "nope"), "item")

	ids, err := ds.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if ids != nil {
		t.Errorf("expected nil, got %v", ids)
	}
}

type testLine struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

func TestAppendAndLoadJSONL(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	id := "entity1"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	lines := []testLine{{ID: 1, Text: "first"}, {ID: 2, Text: "second"}, {ID: 3, Text: "third"}}
	for _, l := range lines {
		if err := ds.AppendJSONL(id, "data.jsonl", l); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if !slices.Equal(got, lines) {
		t.Fatalf("LoadJSONL = %v, want %v", got, lines)
	}
}

func TestScanJSONLTornTail(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	content := "{\"id\":1,\"text\":\"ok\"}\n{\"id\":2,\"te"
	if err := os.WriteFile(ds.FilePath(id, "data.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil {
		t.Fatalf("torn tail should be ignored: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestScanJSONLCorruptMiddle(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	content := "{\"id\":1}\ngarbage\n{\"id\":3}\n"
	if err := os.WriteFile(ds.FilePath(id, "data.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadJSONL[testLine](ds, id, "data.jsonl"); err == nil {
		t.Fatal("expected error for corruption before the last line")
	}
}

func TestLoadJSONLEmpty(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")

	got, err := LoadJSONL[testLine](ds, "nonexistent", "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestEntityLockIsPerID(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")

	a := ds.Entity("a")
	if a != ds.Entity("a") {
		t.Fatal("same id must return the same lock")
	}
	a.Lock()
	defer a.Unlock()

	b := ds.Entity("b")
	if !b.TryLock() {
		t.Fatal("lock of another entity must be free")
	}
	b.Unlock()
}
