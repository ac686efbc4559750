package document

import (
	"errors"
	"slices"
	"testing"
)

func insert(id, participant string, list ListKind, after, content string) Operation {
	return Operation{
		ID:          "op-" + id,
		Kind:        OpInsertRow,
		Participant: participant,
		RowID:       id,
		List:        list,
		After:       after,
		Content:     content,
	}
}

func applyAll(t *testing.T, d *Document, ops ...Operation) {
	t.Helper()
	for _, op := range ops {
		if err := d.Apply(Record{Version: d.Version + 1, Op: op}); err != nil {
			t.Fatalf("Apply(%s %s): %v", op.Kind, op.RowID, err)
		}
	}
}

func TestApply_InsertOrdering(t *testing.T) {
	d := New("standup")
	applyAll(t, d,
		insert("a", "ana", ListTodo, "", "write notes"),
		insert("b", "ana", ListTodo, "a", "review PR"),
		insert("c", "ana", ListTodo, "", "first"),
		insert("d", "ana", ListTodo, "a", "right after a"),
	)

	got := d.List("ana", ListTodo)
	want := []string{"c", "a", "d", "b"}
	if !slices.Equal(got, want) {
		t.Fatalf("todo list: got %v, want %v", got, want)
	}
	if d.Version != 4 {
		t.Fatalf("version: got %d, want 4", d.Version)
	}
	if r, _ := d.Row("d"); r.RowVersion != 4 || r.Text == nil || r.Text.OpID != "op-d" {
		t.Fatalf("row d stamp: %+v", r)
	}
}

func TestApply_InsertWithOwner(t *testing.T) {
	d := New("standup")
	op := insert("a", "lead", ListBlocker, "", "waiting on infra")
	op.Owner = "sam"
	applyAll(t, d, op)

	if got := d.List("sam", ListBlocker); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("sam blockers: %v", got)
	}
	if got := d.List("lead", ListBlocker); len(got) != 0 {
		t.Fatalf("lead should have no rows, got %v", got)
	}
}

func TestApply_DeleteTombstones(t *testing.T) {
	d := New("standup")
	applyAll(t, d,
		insert("a", "ana", ListTodo, "", "one"),
		Operation{ID: "op-del", Kind: OpDeleteRow, Participant: "ana", RowID: "a", BaseRowVersion: 1},
	)

	r, ok := d.Row("a")
	if !ok {
		t.Fatal("tombstone missing")
	}
	if !r.Deleted || r.RowVersion != 2 {
		t.Fatalf("tombstone: %+v", r)
	}
	if got := d.List("ana", ListTodo); len(got) != 0 {
		t.Fatalf("deleted row still listed: %v", got)
	}

	err := d.Apply(Record{Version: 3, Op: insert("a", "ana", ListTodo, "", "reuse")})
	if err == nil {
		t.Fatal("expected error when reusing a tombstoned id")
	}
	err = d.Apply(Record{Version: 3, Op: Operation{ID: "x", Kind: OpUpdateRowText, Participant: "ana", RowID: "a"}})
	if err == nil {
		t.Fatal("expected error when updating a tombstone")
	}
}

func TestApply_MoveAcrossLists(t *testing.T) {
	d := New("standup")
	applyAll(t, d,
		insert("a", "ana", ListTodo, "", "ship it"),
		insert("b", "ana", ListDone, "", "old"),
		Operation{ID: "op-mv", Kind: OpMoveRow, Participant: "ana", RowID: "a", List: ListDone, After: "b"},
	)

	if got := d.List("ana", ListDone); !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("done: %v", got)
	}
	if got := d.List("ana", ListTodo); len(got) != 0 {
		t.Fatalf("todo: %v", got)
	}
	r, _ := d.Row("a")
	if r.List != ListDone || r.Moved == nil || r.Moved.Version != 3 {
		t.Fatalf("moved row: %+v", r)
	}
}

func TestApply_AnchorFallsBackToStart(t *testing.T) {
	d := New("standup")
	applyAll(t, d,
		insert("a", "ana", ListTodo, "", "a"),
		insert("b", "ana", ListTodo, "a", "b"),
		Operation{ID: "op-del", Kind: OpDeleteRow, Participant: "ana", RowID: "a"},
		insert("c", "ana", ListTodo, "a", "after a deleted"),
		insert("d", "ana", ListTodo, "zzz", "unknown anchor"),
	)

	if got := d.List("ana", ListTodo); !slices.Equal(got, []string{"d", "c", "b"}) {
		t.Fatalf("todo: %v", got)
	}
}

func TestApply_AttachBadgeIdempotent(t *testing.T) {
	d := New("standup")
	badge := &Badge{ID: "task:t1", Kind: BadgeTask, RefID: "t1", Label: "Fix", Start: 0, End: 40}
	applyAll(t, d,
		insert("a", "ana", ListTodo, "", "Fix login"),
		Operation{ID: "b1", Kind: OpAttachBadge, Participant: "ana", RowID: "a", Badge: badge},
		Operation{ID: "b2", Kind: OpAttachBadge, Participant: "ana", RowID: "a", Badge: badge},
	)

	r, _ := d.Row("a")
	if len(r.Badges) != 1 {
		t.Fatalf("badges: got %d, want 1", len(r.Badges))
	}
	if r.Badges[0].End != 9 {
		t.Fatalf("badge end should clamp to content length 9, got %d", r.Badges[0].End)
	}
}

func TestApply_UpdateClampsBadges(t *testing.T) {
	d := New("standup")
	applyAll(t, d,
		insert("a", "ana", ListTodo, "", "héllo world"),
		Operation{ID: "b1", Kind: OpAttachBadge, Participant: "ana", RowID: "a",
			Badge: &Badge{ID: "user:u1", Kind: BadgeUser, RefID: "u1", Start: 6, End: 11}},
		Operation{ID: "u1", Kind: OpUpdateRowText, Participant: "ana", RowID: "a", Content: "héllo"},
	)

	r, _ := d.Row("a")
	if r.Badges[0].Start != 5 || r.Badges[0].End != 5 {
		t.Fatalf("badge after shrink: %+v", r.Badges[0])
	}
}

func TestApply_VersionGap(t *testing.T) {
	d := New("standup")
	err := d.Apply(Record{Version: 2, Op: insert("a", "ana", ListTodo, "", "x")})
	if !errors.Is(err, ErrVersionGap) {
		t.Fatalf("expected ErrVersionGap, got %v", err)
	}
}

func TestReplay_ChecksumMatchesSnapshotContinuation(t *testing.T) {
	ops := []Operation{
		insert("a", "ana", ListTodo, "", "one"),
		insert("b", "bo", ListBlocker, "", "two"),
		{ID: "u", Kind: OpUpdateRowText, Participant: "ana", RowID: "a", Content: "one!"},
		{ID: "m", Kind: OpMoveRow, Participant: "bo", RowID: "b", List: ListDone},
		{ID: "d", Kind: OpDeleteRow, Participant: "ana", RowID: "a"},
	}
	var recs []Record
	for i, op := range ops {
		recs = append(recs, Record{Version: int64(i + 1), Op: op})
	}

	full, err := Replay("standup", recs)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	// Snapshot after 3 records, round-trip it, then continue.
	partial, err := Replay("standup", recs[:3])
	if err != nil {
		t.Fatalf("Replay partial: %v", err)
	}
	data, err := partial.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	resumed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, rec := range recs[3:] {
		if err := resumed.Apply(rec); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	a, _ := full.Checksum()
	b, _ := resumed.Checksum()
	if a != b {
		t.Fatalf("checksums differ: %s vs %s", a, b)
	}
}

func TestClone_Isolated(t *testing.T) {
	d := New("standup")
	applyAll(t, d, insert("a", "ana", ListTodo, "", "one"))

	c := d.Clone()
	applyAll(t, c, Operation{ID: "u", Kind: OpUpdateRowText, Participant: "ana", RowID: "a", Content: "changed"})

	if r, _ := d.Row("a"); r.Content != "one" {
		t.Fatalf("original mutated: %q", r.Content)
	}
	if d.Version != 1 {
		t.Fatalf("original version mutated: %d", d.Version)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"insert ok", insert("a", "ana", ListTodo, "", "x"), true},
		{"missing id", Operation{Kind: OpDeleteRow, Participant: "ana", RowID: "a"}, false},
		{"bad list", Operation{ID: "1", Kind: OpInsertRow, Participant: "ana", RowID: "a", List: "later"}, false},
		{"self anchor", Operation{ID: "1", Kind: OpMoveRow, Participant: "ana", RowID: "a", List: ListDone, After: "a"}, false},
		{"badge missing", Operation{ID: "1", Kind: OpAttachBadge, Participant: "ana", RowID: "a"}, false},
		{"badge range", Operation{ID: "1", Kind: OpAttachBadge, Participant: "ana", RowID: "a",
			Badge: &Badge{ID: "b", Kind: BadgeTask, RefID: "t", Start: 4, End: 2}}, false},
		{"unknown kind", Operation{ID: "1", Kind: "rename", Participant: "ana", RowID: "a"}, false},
		{"invalid utf8", Operation{ID: "1", Kind: OpUpdateRowText, Participant: "ana", RowID: "a", Content: "\xff"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidOperation) {
				t.Fatalf("expected ErrInvalidOperation, got %v", err)
			}
		})
	}
}
