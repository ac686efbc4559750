package slash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/metrics"
	"github.com/dohr-michael/huddle/internal/tasks"
)

// ErrCommandFailed wraps every execution failure. The row keeps its text.
var ErrCommandFailed = errors.New("command failed")

// DefaultTimeout bounds one task collaborator call.
const DefaultTimeout = 5 * time.Second

// Mentions resolves @assignee tokens to user ids.
type Mentions interface {
	ResolveMention(token string) (string, error)
}

// ExecContext identifies the edit a command came from.
type ExecContext struct {
	DocumentID  string
	RowID       string
	OpID        string
	Participant string
}

// TaskReference is what the row ends up pointing at.
type TaskReference struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

// Interpreter executes commands. It is safe for concurrent use.
type Interpreter struct {
	tasks   tasks.Creator
	users   Mentions
	timeout time.Duration
	now     func() time.Time
}

// NewInterpreter creates an Interpreter. timeout <= 0 uses DefaultTimeout.
func NewInterpreter(creator tasks.Creator, users Mentions, timeout time.Duration) *Interpreter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Interpreter{tasks: creator, users: users, timeout: timeout, now: time.Now}
}

// Execute creates the task described by cmd. It must not be called while
// holding a document lock: it waits on the task collaborator.
func (in *Interpreter) Execute(ctx context.Context, cmd Command, ec ExecContext) (TaskReference, error) {
	if ec.Participant == "" {
		ec.Participant = events.ParticipantFromContext(ctx)
	}
	session := events.SessionIDFromContext(ctx)
	start := time.Now()
	ref, err := in.execute(ctx, cmd, ec)
	if err != nil {
		metrics.RecordCommand("failed", time.Since(start))
		slog.Warn("command failed", "document", ec.DocumentID, "op", ec.OpID, "session", session, "error", err)
		return TaskReference{}, fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	metrics.RecordCommand("ok", time.Since(start))
	slog.Info("task created from note", "document", ec.DocumentID, "op", ec.OpID, "session", session, "task", ref.TaskID)
	return ref, nil
}

func (in *Interpreter) execute(ctx context.Context, cmd Command, ec ExecContext) (TaskReference, error) {
	var assignee string
	if cmd.Assignee != "" {
		id, err := in.users.ResolveMention(cmd.Assignee)
		if err != nil {
			return TaskReference{}, err
		}
		assignee = id
	}

	req := tasks.CreateRequest{
		Title:      cmd.Title,
		AssigneeID: assignee,
		Priority:   cmd.Priority,
		Due:        cmd.DueDate(in.now()),
		Origin: tasks.Origin{
			DocumentID:  ec.DocumentID,
			RowID:       ec.RowID,
			OpID:        ec.OpID,
			Participant: ec.Participant,
		},
		IdempotencyKey: ec.DocumentID + "/" + ec.OpID,
	}
	if cmd.Tag != "" {
		req.Tags = []string{cmd.Tag}
	}

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()
	t, err := in.tasks.CreateTask(ctx, req)
	if err != nil {
		return TaskReference{}, err
	}
	return TaskReference{TaskID: t.ID, Title: t.Title, Status: string(t.Status), AssigneeID: t.AssigneeID}, nil
}

// BadgeOpID is the id of the attach op generated for a command op.
func BadgeOpID(opID string) string { return opID + ".badge" }

// Rewrite replaces the command text of op with the task title and returns
// the attach op that anchors the task badge over it.
func Rewrite(op document.Operation, ref TaskReference) (document.Operation, document.Operation) {
	op.Content = ref.Title
	attach := document.Operation{
		ID:          BadgeOpID(op.ID),
		Kind:        document.OpAttachBadge,
		Participant: op.Participant,
		Timestamp:   op.Timestamp,
		BaseVersion: op.BaseVersion,
		RowID:       op.RowID,
		Badge: &document.Badge{
			ID:     "task:" + ref.TaskID,
			Kind:   document.BadgeTask,
			RefID:  ref.TaskID,
			Label:  ref.Title,
			Status: ref.Status,
			Start:  0,
			End:    utf8.RuneCountInString(ref.Title),
		},
	}
	return op, attach
}
