package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventOperationAccepted  EventType = "operation.accepted"
	EventOperationRejected  EventType = "operation.rejected"
	EventOperationDisplaced EventType = "operation.displaced"

	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"
	EventAccessDenied  EventType = "access.denied"

	EventCommandExecuted EventType = "command.executed"
	EventCommandFailed   EventType = "command.failed"

	EventLogDegraded     EventType = "log.degraded"
	EventSnapshotWritten EventType = "snapshot.written"
	EventRemoteChange    EventType = "remote.change"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// OPERATION EVENTS
// =============================================================================

type OperationAcceptedPayload struct {
	Version     int64  `json:"version"`
	OpID        string `json:"op_id"`
	Kind        string `json:"kind"`
	RowID       string `json:"row_id"`
	Participant string `json:"participant"`
}

func (OperationAcceptedPayload) EventType() EventType { return EventOperationAccepted }

type OperationRejectedPayload struct {
	OpID        string `json:"op_id"`
	RowID       string `json:"row_id"`
	Participant string `json:"participant"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
}

func (OperationRejectedPayload) EventType() EventType { return EventOperationRejected }

type OperationDisplacedPayload struct {
	OpID        string `json:"op_id"`
	By          string `json:"by"`
	Participant string `json:"participant"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason"`
}

func (OperationDisplacedPayload) EventType() EventType { return EventOperationDisplaced }

// =============================================================================
// SESSION EVENTS
// =============================================================================

type SessionOpenedPayload struct {
	Participant      string `json:"participant"`
	LastKnownVersion *int64 `json:"last_known_version,omitempty"`
	CatchUp          string `json:"catch_up"`
	Version          int64  `json:"version"`
}

func (SessionOpenedPayload) EventType() EventType { return EventSessionOpened }

type SessionClosedPayload struct {
	Participant string `json:"participant"`
	Reason      string `json:"reason"`
}

func (SessionClosedPayload) EventType() EventType { return EventSessionClosed }

type AccessDeniedPayload struct {
	Participant string `json:"participant"`
	Action      string `json:"action"`
}

func (AccessDeniedPayload) EventType() EventType { return EventAccessDenied }

// =============================================================================
// COMMAND EVENTS
// =============================================================================

type CommandExecutedPayload struct {
	OpID     string        `json:"op_id"`
	TaskID   string        `json:"task_id"`
	Title    string        `json:"title"`
	Duration time.Duration `json:"duration"`
}

func (CommandExecutedPayload) EventType() EventType { return EventCommandExecuted }

type CommandFailedPayload struct {
	OpID     string        `json:"op_id"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (CommandFailedPayload) EventType() EventType { return EventCommandFailed }

// =============================================================================
// DURABILITY EVENTS
// =============================================================================

type LogDegradedPayload struct {
	Error string `json:"error"`
}

func (LogDegradedPayload) EventType() EventType { return EventLogDegraded }

type SnapshotWrittenPayload struct {
	Version int64 `json:"version"`
}

func (SnapshotWrittenPayload) EventType() EventType { return EventSnapshotWritten }

type RemoteChangePayload struct {
	Version int64  `json:"version"`
	Origin  string `json:"origin"`
}

func (RemoteChangePayload) EventType() EventType { return EventRemoteChange }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

// NewTypedEvent builds an event for a document.
func NewTypedEvent(source EventSource, documentID string, payload EventPayload) Event {
	return Event{
		ID:         generateEventID(),
		DocumentID: documentID,
		Type:       payload.EventType(),
		Timestamp:  time.Now(),
		Source:     source,
		Payload:    toMap(payload),
	}
}

// NewTypedEventWithSession builds an event tied to one session.
func NewTypedEventWithSession(source EventSource, documentID, sessionID string, payload EventPayload) Event {
	e := NewTypedEvent(source, documentID, payload)
	e.SessionID = sessionID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event payload back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
