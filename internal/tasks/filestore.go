package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dohr-michael/huddle/internal/storage/dirstore"
)

// FileStore persists tasks as directories with meta.json + history.jsonl.
type FileStore struct {
	ds  *dirstore.DirStore
	now func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.NewDirStore(baseDir, "task"), now: time.Now}
}

// CreateTask persists a new open task. A request whose idempotency key was
// already used returns the existing task unchanged.
func (fs *FileStore) CreateTask(ctx context.Context, req CreateRequest) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := GenerateTaskID()
	if req.IdempotencyKey != "" {
		id = TaskIDForKey(req.IdempotencyKey)
	}

	lock := fs.ds.Entity(id)
	lock.Lock()
	defer lock.Unlock()

	var existing Task
	switch err := fs.ds.ReadJSON(id, "meta.json", &existing); {
	case err == nil:
		return &existing, nil
	case !errors.Is(err, dirstore.ErrNotFound):
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	now := fs.now()
	t := &Task{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Status:      TaskOpen,
		Priority:    priority,
		AssigneeID:  req.AssigneeID,
		Due:         req.Due,
		Tags:        req.Tags,
		Origin:      req.Origin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := fs.ds.EnsureDir(id); err != nil {
		return nil, err
	}
	if err := fs.ds.WriteJSON(id, "meta.json", t); err != nil {
		return nil, err
	}
	entry := HistoryEntry{Ts: now, Type: "created", Status: t.Status, Summary: t.Title}
	if err := fs.ds.AppendJSONL(id, "history.jsonl", entry); err != nil {
		return nil, err
	}
	return t, nil
}

// Get reads task metadata by ID.
func (fs *FileStore) Get(id string) (*Task, error) {
	lock := fs.ds.Entity(id)
	lock.RLock()
	defer lock.RUnlock()

	var t Task
	if err := fs.ds.ReadJSON(id, "meta.json", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns tasks matching the filter, sorted by UpdatedAt descending.
func (fs *FileStore) List(filter ListFilter) ([]*Task, error) {
	ids, err := fs.ds.List()
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for _, id := range ids {
		t, err := fs.Get(id)
		if err != nil {
			continue // skip corrupted tasks
		}

		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AssigneeID != "" && t.AssigneeID != filter.AssigneeID {
			continue
		}
		if filter.DocumentID != "" && t.Origin.DocumentID != filter.DocumentID {
			continue
		}
		if filter.Tag != "" && !slices.Contains(t.Tags, filter.Tag) {
			continue
		}

		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	return tasks, nil
}

// Update atomically rewrites a task's meta.json and records the change.
func (fs *FileStore) Update(t *Task) error {
	lock := fs.ds.Entity(t.ID)
	lock.Lock()
	defer lock.Unlock()

	var current Task
	if err := fs.ds.ReadJSON(t.ID, "meta.json", &current); err != nil {
		return err
	}

	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = fs.now()
	if err := fs.ds.WriteJSON(t.ID, "meta.json", t); err != nil {
		return err
	}

	summary := ""
	if current.Status != t.Status {
		summary = fmt.Sprintf("%s -> %s", current.Status, t.Status)
	}
	return fs.ds.AppendJSONL(t.ID, "history.jsonl", HistoryEntry{
		Ts: t.UpdatedAt, Type: "updated", Status: t.Status, Summary: summary,
	})
}

// LoadHistory reads all history entries of a task.
func (fs *FileStore) LoadHistory(taskID string) ([]HistoryEntry, error) {
	lock := fs.ds.Entity(taskID)
	lock.RLock()
	defer lock.RUnlock()

	return dirstore.LoadJSONL[HistoryEntry](fs.ds, taskID, "history.jsonl")
}
