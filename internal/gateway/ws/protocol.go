package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dohr-michael/huddle/internal/sessions"
)

// ErrMalformedFrame is returned by Decode for frames that cannot be routed.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method represents a WebSocket request method.
type Method string

const (
	MethodSubmit    Method = "submit"
	MethodHeartbeat Method = "heartbeat"
)

// Frame is the WebSocket protocol envelope. Requests carry ID, Method and
// Params; responses echo ID with OK and either Payload or Code and Error;
// events carry Event (the session message type) and Payload.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// Encode serializes f.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses and checks one frame. Requests and responses must carry
// an ID, events an event name.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameTypeRequest:
		if f.ID == "" || f.Method == "" {
			return f, fmt.Errorf("%w: request without id or method", ErrMalformedFrame)
		}
	case FrameTypeResponse:
		if f.ID == "" {
			return f, fmt.Errorf("%w: response without id", ErrMalformedFrame)
		}
	case FrameTypeEvent:
		if f.Event == "" {
			return f, fmt.Errorf("%w: event without name", ErrMalformedFrame)
		}
	default:
		return f, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// NewRequest builds a request frame. params may be nil.
func NewRequest(id string, method Method, params any) (Frame, error) {
	f := Frame{Type: FrameTypeRequest, ID: id, Method: string(method)}
	if params == nil {
		return f, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	f.Params = data
	return f, nil
}

// NewPush wraps a session message in an event frame named after its type.
func NewPush(msg sessions.Message) (Frame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return Frame{Type: FrameTypeEvent, Event: string(msg.Type), Payload: data}, nil
}

// NewAck builds a successful response to request id.
func NewAck(id string, payload any) (Frame, error) {
	ok := true
	f := Frame{Type: FrameTypeResponse, ID: id, OK: &ok}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = data
	return f, nil
}

// NewFailure builds a failed response to request id.
func NewFailure(id, code, msg string) Frame {
	ok := false
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Code: code, Error: msg}
}

// Succeeded reports whether a response frame is a success.
func (f Frame) Succeeded() bool { return f.OK != nil && *f.OK }

// DecodeParams unmarshals the request params into v.
func (f Frame) DecodeParams(v any) error {
	if len(f.Params) == 0 {
		return fmt.Errorf("%w: %s without params", ErrMalformedFrame, f.Method)
	}
	return json.Unmarshal(f.Params, v)
}

// DecodePayload unmarshals the response or event payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: no payload", ErrMalformedFrame)
	}
	return json.Unmarshal(f.Payload, v)
}
