package events

import "testing"

func TestExtractPayload(t *testing.T) {
	evt := NewTypedEventWithSession(SourceCommand, "standup", "sess_1", CommandFailedPayload{OpID: "op-9", Error: "timeout"})

	if evt.Type != EventCommandFailed {
		t.Fatalf("expected type %q, got %q", EventCommandFailed, evt.Type)
	}
	if evt.SessionID != "sess_1" || evt.DocumentID != "standup" {
		t.Fatalf("unexpected routing fields: %+v", evt)
	}
	got, ok := ExtractPayload[CommandFailedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.OpID != "op-9" || got.Error != "timeout" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestExtractPayload_WrongType(t *testing.T) {
	evt := NewTypedEvent(SourceLog, "standup", LogDegradedPayload{Error: "x"})
	if _, ok := ExtractPayload[OperationAcceptedPayload](evt); ok {
		t.Fatal("expected false for mismatched payload type")
	}
}
