package events

import "context"

type (
	sessionIDKey   struct{}
	participantKey struct{}
)

// ContextWithSessionID returns a new context carrying the session ID.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext extracts the session ID from the context, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ContextWithParticipant returns a new context carrying the acting participant.
func ContextWithParticipant(ctx context.Context, participant string) context.Context {
	return context.WithValue(ctx, participantKey{}, participant)
}

// ParticipantFromContext extracts the acting participant, or "" if absent.
func ParticipantFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(participantKey{}).(string); ok {
		return p
	}
	return ""
}
