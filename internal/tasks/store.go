package tasks

import "time"

// ListFilter defines criteria for filtering task lists.
type ListFilter struct {
	Status     TaskStatus `json:"status,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	DocumentID string     `json:"document_id,omitempty"`
	Tag        string     `json:"tag,omitempty"`
}

// HistoryEntry records a change to a task.
type HistoryEntry struct {
	Ts      time.Time  `json:"ts"`
	Type    string     `json:"type"` // "created" | "updated"
	Status  TaskStatus `json:"status"`
	Summary string     `json:"summary,omitempty"`
}

// Store defines the persistence interface for tasks.
type Store interface {
	Creator
	Get(id string) (*Task, error)
	List(filter ListFilter) ([]*Task, error)
	Update(t *Task) error
	LoadHistory(taskID string) ([]HistoryEntry, error)
}
