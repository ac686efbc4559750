// Package tasks is the task collaborator: tasks created from meeting notes,
// stored locally or in a remote task service.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTask is returned for requests the collaborator cannot accept.
var ErrInvalidTask = errors.New("invalid task")

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// TaskPriority is the urgency given with "!" in a task command.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ParsePriority returns the priority named by s (case-insensitive).
func ParsePriority(s string) (TaskPriority, bool) {
	switch p := TaskPriority(strings.ToLower(s)); p {
	case PriorityLow, PriorityNormal, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, true
	}
	return "", false
}

// Origin records where in a meeting a task was created.
type Origin struct {
	DocumentID  string `json:"document_id,omitempty"`
	RowID       string `json:"row_id,omitempty"`
	OpID        string `json:"op_id,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// Task is one unit of follow-up work.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	Due         string       `json:"due,omitempty"` // YYYY-MM-DD
	Tags        []string     `json:"tags,omitempty"`
	Origin      Origin       `json:"origin"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CreateRequest carries the fields of createTask. IdempotencyKey makes
// retried requests return the task created the first time.
type CreateRequest struct {
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	AssigneeID     string       `json:"assignee_id,omitempty"`
	Priority       TaskPriority `json:"priority,omitempty"`
	Due            string       `json:"due,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Origin         Origin       `json:"origin"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// Validate checks the request fields.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidTask)
	}
	if r.Priority != "" {
		if _, ok := ParsePriority(string(r.Priority)); !ok {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, r.Priority)
		}
	}
	if r.Due != "" {
		if _, err := time.Parse(time.DateOnly, r.Due); err != nil {
			return fmt.Errorf("%w: due %q: %v", ErrInvalidTask, r.Due, err)
		}
	}
	return nil
}

// Creator creates tasks. Implemented by FileStore and Client.
type Creator interface {
	CreateTask(ctx context.Context, req CreateRequest) (*Task, error)
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}

var keyNamespace = uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")

// TaskIDForKey derives a stable task id from an idempotency key.
func TaskIDForKey(key string) string {
	u := uuid.NewSHA1(keyNamespace, []byte(key)).String()
	return "task_" + strings.ReplaceAll(u[:13], "-", "")
}
