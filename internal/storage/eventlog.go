package storage

import (
	"log/slog"

	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/storage/dirstore"
)

const (
	auditFile      = "audit.jsonl"
	globalAuditDir = "_global"
)

// EventLogger persists bus events as an audit trail, one audit.jsonl per
// document under dir.
type EventLogger struct {
	ds          *dirstore.DirStore
	unsubscribe func()
}

// NewEventLogger creates an EventLogger subscribed to all bus events.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{ds: dirstore.NewDirStore(dir, "audit")}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if err := el.writeEvent(e); err != nil {
		slog.Warn("audit write failed", "document", e.DocumentID, "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	id := e.DocumentID
	if id == "" {
		id = globalAuditDir
	}

	lock := el.ds.Entity(id)
	lock.Lock()
	defer lock.Unlock()

	if err := el.ds.EnsureDir(id); err != nil {
		return err
	}
	return el.ds.AppendJSONL(id, auditFile, e)
}

// LoadAudit returns the audit trail of a document, oldest first.
func (el *EventLogger) LoadAudit(documentID string) ([]events.Event, error) {
	lock := el.ds.Entity(documentID)
	lock.RLock()
	defer lock.RUnlock()
	return dirstore.LoadJSONL[events.Event](el.ds, documentID, auditFile)
}
