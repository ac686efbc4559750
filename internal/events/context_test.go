package events

import (
	"context"
	"testing"
)

func TestSessionIDRoundTrip(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "sess_abc123")
	if got := SessionIDFromContext(ctx); got != "sess_abc123" {
		t.Errorf("got %q, want %q", got, "sess_abc123")
	}
}

func TestSessionIDFromEmptyContext(t *testing.T) {
	if got := SessionIDFromContext(context.Background()); got != "" {
		t.Errorf("got %q, want empty string", got)
	}
}

func TestParticipantRoundTrip(t *testing.T) {
	ctx := ContextWithParticipant(context.Background(), "jordan")
	ctx = ContextWithSessionID(ctx, "sess_1")
	if got := ParticipantFromContext(ctx); got != "jordan" {
		t.Errorf("got %q, want %q", got, "jordan")
	}
	if got := SessionIDFromContext(ctx); got != "sess_1" {
		t.Errorf("session id lost: %q", got)
	}
}
