package ws

import (
	"errors"
	"testing"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/sessions"
)

func TestRequestCarriesOperation(t *testing.T) {
	op := document.Operation{ID: "op-1", Kind: document.OpInsertRow, RowID: "r1", List: document.ListTodo, Content: "agenda"}
	f, err := NewRequest("req-1", MethodSubmit, op)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Method != string(MethodSubmit) || got.ID != "req-1" {
		t.Fatalf("frame = %+v", got)
	}
	var decoded document.Operation
	if err := got.DecodeParams(&decoded); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if decoded.RowID != "r1" || decoded.Content != "agenda" {
		t.Fatalf("expected the operation back, got %+v", decoded)
	}
}

func TestPushNamesEventAfterMessage(t *testing.T) {
	rec := document.Record{Version: 7, Op: document.Operation{ID: "op-7"}}
	f, err := NewPush(sessions.Message{Type: sessions.MsgOperation, DocumentID: "standup", Record: &rec})
	if err != nil {
		t.Fatalf("NewPush: %v", err)
	}
	if f.Type != FrameTypeEvent || f.Event != "operation" {
		t.Fatalf("frame = %+v", f)
	}

	var got sessions.Message
	if err := f.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.Record == nil || got.Record.Version != 7 {
		t.Fatalf("expected record version 7, got %+v", got.Record)
	}
}

func TestFailureCarriesCode(t *testing.T) {
	f := NewFailure("req-6", "log_unavailable", "store down")
	if f.Succeeded() {
		t.Fatal("expected ok=false")
	}
	if f.Code != "log_unavailable" || f.Error != "store down" || f.Payload != nil {
		t.Fatalf("frame = %+v", f)
	}
	ack, err := NewAck("req-7", nil)
	if err != nil || !ack.Succeeded() {
		t.Fatalf("ack = %+v, %v", ack, err)
	}
}

func TestDecodeRejectsUnroutable(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"type":"ping","id":"1"}`,
		"request no id":   `{"type":"req","method":"submit"}`,
		"request no verb": `{"type":"req","id":"1"}`,
		"event no name":   `{"type":"event"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}
