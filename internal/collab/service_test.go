package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/huddle/internal/directory"
	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/merge"
	"github.com/dohr-michael/huddle/internal/oplog"
	"github.com/dohr-michael/huddle/internal/sessions"
	"github.com/dohr-michael/huddle/internal/slash"
	"github.com/dohr-michael/huddle/internal/storage"
	"github.com/dohr-michael/huddle/internal/tasks"
)

const doc = "standup-monday"

const members = `
users:
  - {id: u_ana, handle: ana}
  - {id: u_ben, handle: ben}
  - {id: u_jordan, handle: jordan}
  - {id: u_eve, handle: eve}
teams:
  - name: platform
    members: [ana, ben, jordan]
    documents: ["standup-*"]
`

type recorder struct {
	mu   sync.Mutex
	msgs []sessions.Message
}

func (r *recorder) Send(_ context.Context, msg sessions.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) Close(string) error { return nil }

func (r *recorder) count(typ sessions.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ sessions.MessageType) (sessions.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Type == typ {
			return r.msgs[i], true
		}
	}
	return sessions.Message{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeTasks struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTasks) CreateTask(_ context.Context, req tasks.CreateRequest) (*tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &tasks.Task{ID: "task_1", Title: req.Title, Status: tasks.TaskOpen, AssigneeID: req.AssigneeID}, nil
}

type hints struct {
	mu       sync.Mutex
	versions []int64
}

func (h *hints) Publish(_ context.Context, _ string, version int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions = append(h.versions, version)
	return nil
}

type harness struct {
	svc   *Service
	tasks *fakeTasks
	hints *hints
	store *flakyStore
}

type flakyStore struct {
	storage.Store
	down bool
}

func (s *flakyStore) AppendOperation(ctx context.Context, id string, rec document.Record) error {
	if s.down {
		return errors.New("disk full")
	}
	return s.Store.AppendOperation(ctx, id, rec)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir, err := directory.Parse([]byte(members))
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	store := &flakyStore{Store: storage.NewMemoryStore()}
	log := oplog.New(store)
	reg := sessions.NewRegistry(log, nil, sessions.Config{})
	log.OnAccepted(reg.Accepted)
	t.Cleanup(reg.CloseAll)

	ft, h := &fakeTasks{}, &hints{}
	svc := New(log, reg, dir, Options{
		Commands: slash.NewInterpreter(ft, dir, time.Second),
		Hints:    h,
	})
	return &harness{svc: svc, tasks: ft, hints: h, store: store}
}

func (h *harness) connect(t *testing.T, participant string) (*sessions.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := h.svc.Connect(context.Background(), ConnectRequest{DocumentID: doc, Participant: participant, Transport: rec})
	if err != nil {
		t.Fatalf("Connect %s: %v", participant, err)
	}
	waitFor(t, "caught_up", func() bool { return rec.count(sessions.MsgCaughtUp) == 1 })
	return s, rec
}

func (h *harness) submit(t *testing.T, participant, sessionID string, op document.Operation) SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		DocumentID: doc, Participant: participant, SessionID: sessionID, Op: op,
	})
	if err != nil {
		t.Fatalf("Submit %s: %v", op.ID, err)
	}
	return res
}

func insertOp(id, rowID, content string) document.Operation {
	return document.Operation{ID: id, Kind: document.OpInsertRow, RowID: rowID, List: document.ListTodo, Content: content}
}

const command = "/task Fix login bug @jordan !high due friday #auth"

func TestCommandCreatesTaskAndBadge(t *testing.T) {
	h := newHarness(t)
	anaSess, _ := h.connect(t, "u_ana")
	_, ben := h.connect(t, "u_ben")

	res := h.submit(t, "u_ana", anaSess.ID, insertOp("op-1", "r1", command))
	if res.Outcome != merge.Accepted || res.Task == nil || res.Task.TaskID != "task_1" {
		t.Fatalf("result = %+v", res)
	}
	if res.BadgeVersion != 2 || res.Row.Content != "Fix login bug" || len(res.Row.Badges) != 1 {
		t.Fatalf("row = %+v badge version %d", res.Row, res.BadgeVersion)
	}
	if b := res.Row.Badges[0]; b.RefID != "task_1" || b.End != len("Fix login bug") {
		t.Fatalf("badge = %+v", b)
	}

	waitFor(t, "fan-out", func() bool { return ben.count(sessions.MsgOperation) == 2 })
	if got := h.hints.versions; len(got) != 2 || got[1] != 2 {
		t.Fatalf("hints = %v", got)
	}
}

func TestCommandFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.tasks.err = tasks.ErrUnavailable

	anaSess, ana := h.connect(t, "u_ana")
	_, anaTab := h.connect(t, "u_ana")
	_, ben := h.connect(t, "u_ben")

	res := h.submit(t, "u_ana", anaSess.ID, insertOp("op-1", "r1", command))
	if res.Outcome != merge.Accepted || res.CommandError == "" || res.Task != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Row.Content != command || len(res.Row.Badges) != 0 {
		t.Fatalf("row must keep the typed text: %+v", res.Row)
	}

	waitFor(t, "failure notice", func() bool { return ana.count(sessions.MsgCommandFailed) == 1 })
	waitFor(t, "fan-out", func() bool { return ben.count(sessions.MsgOperation) == 1 })
	if anaTab.count(sessions.MsgCommandFailed) != 0 || ben.count(sessions.MsgCommandFailed) != 0 {
		t.Fatal("command failure must reach only the submitting session")
	}
}

func TestRetriedCommandRunsOnce(t *testing.T) {
	h := newHarness(t)
	op := insertOp("op-1", "r1", command)

	first := h.submit(t, "u_ana", "", op)
	second := h.submit(t, "u_ana", "", op)
	if h.tasks.calls != 1 {
		t.Fatalf("task collaborator called %d times", h.tasks.calls)
	}
	if !second.Duplicate || second.Version != first.Version {
		t.Fatalf("retry = %+v", second)
	}
}

func TestRetryAfterFailOpenLeavesDocumentAlone(t *testing.T) {
	h := newHarness(t)
	h.tasks.err = tasks.ErrUnavailable
	op := insertOp("op-1", "r1", command)

	first := h.submit(t, "u_ana", "", op)
	if first.CommandError == "" || first.Version != 1 {
		t.Fatalf("first = %+v", first)
	}

	h.tasks.mu.Lock()
	h.tasks.err = nil
	h.tasks.mu.Unlock()

	second := h.submit(t, "u_ana", "", op)
	if !second.Duplicate || second.Version != 1 || second.BadgeVersion != 0 || second.Task != nil {
		t.Fatalf("retry = %+v", second)
	}
	if h.tasks.calls != 1 {
		t.Fatalf("task collaborator called %d times", h.tasks.calls)
	}

	d, err := h.svc.Snapshot(context.Background(), doc, "u_ana")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	row, _ := d.Row("r1")
	if d.Version != 1 || row.Content != command || len(row.Badges) != 0 {
		t.Fatalf("document changed by retry: version %d row %+v", d.Version, row)
	}
}

func TestDeletePrecedenceNotifiesIssuer(t *testing.T) {
	h := newHarness(t)
	_, ben := h.connect(t, "u_ben")

	h.submit(t, "u_ana", "", insertOp("op-1", "r1", "agenda"))
	upd := h.submit(t, "u_ben", "", document.Operation{
		ID: "op-2", Kind: document.OpUpdateRowText, RowID: "r1", BaseRowVersion: 1, Content: "agenda v2",
	})
	if upd.Outcome != merge.Accepted {
		t.Fatalf("update = %+v", upd)
	}

	del := h.submit(t, "u_ana", "", document.Operation{ID: "op-3", Kind: document.OpDeleteRow, RowID: "r1", BaseRowVersion: 1})
	if del.Outcome != merge.Accepted || !del.Row.Deleted {
		t.Fatalf("delete = %+v", del)
	}

	waitFor(t, "displaced notice", func() bool { return ben.count(sessions.MsgDisplaced) == 1 })
	msg, _ := ben.last(sessions.MsgDisplaced)
	notice := msg.Detail.(DisplacedNotice)
	if notice.OpID != "op-2" || notice.Reason != merge.ReasonRowDeleted || notice.Outcome != merge.Conflict {
		t.Fatalf("notice = %+v", notice)
	}

	late := h.submit(t, "u_ben", "", document.Operation{
		ID: "op-4", Kind: document.OpUpdateRowText, RowID: "r1", BaseRowVersion: 2, Content: "resurrect",
	})
	if late.Outcome != merge.Conflict || late.Reason != merge.ReasonRowDeleted || !late.Row.Deleted {
		t.Fatalf("edit after delete = %+v", late)
	}
}

func TestAccessDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Connect(ctx, ConnectRequest{DocumentID: doc, Participant: "u_eve", Transport: &recorder{}})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("connect: %v", err)
	}
	_, err = h.svc.Submit(ctx, SubmitRequest{DocumentID: doc, Participant: "u_eve", Op: insertOp("op-1", "r1", "x")})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("submit: %v", err)
	}
	_, err = h.svc.Submit(ctx, SubmitRequest{DocumentID: "retro", Participant: "u_ana", Op: insertOp("op-1", "r1", "x")})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("other team's document: %v", err)
	}

	spoofed := insertOp("op-1", "r1", "x")
	spoofed.Participant = "u_ben"
	_, err = h.svc.Submit(ctx, SubmitRequest{DocumentID: doc, Participant: "u_ana", Op: spoofed})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("spoofed participant: %v", err)
	}
	if _, err := h.svc.Snapshot(ctx, doc, "u_eve"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestLogUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t)
	_, ana := h.connect(t, "u_ana")
	h.submit(t, "u_ana", "", insertOp("op-1", "r1", "x"))

	h.store.down = true
	_, err := h.svc.Submit(context.Background(), SubmitRequest{DocumentID: doc, Participant: "u_ana", Op: insertOp("op-2", "r2", "y")})
	if !errors.Is(err, oplog.ErrLogUnavailable) {
		t.Fatalf("expected ErrLogUnavailable, got %v", err)
	}
	waitFor(t, "degraded notice", func() bool { return ana.count(sessions.MsgDegraded) == 1 })

	h.store.down = false
	snap, err := h.svc.Snapshot(context.Background(), doc, "u_ana")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.Row("r2"); ok {
		t.Fatal("refused operation must not be visible")
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrAccessDenied, CodeAccessDenied},
		{document.ErrInvalidOperation, CodeInvalidOperation},
		{errors.Join(errors.New("x"), oplog.ErrLogUnavailable), CodeLogUnavailable},
		{errors.New("boom"), CodeInternal},
	}
	for _, c := range cases {
		if got := ErrorCode(c.err); got != c.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
