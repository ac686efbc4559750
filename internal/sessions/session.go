// Package sessions tracks the clients connected to each document and fans
// accepted operations out to them in log order.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/huddle/internal/document"
)

var (
	// ErrTransportClosed is returned once a session has been torn down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSessionNotFound is returned for unknown or already closed session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Close reasons reported to transports and metrics.
const (
	ReasonClientLeft       = "client_left"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonSendFailed       = "send_failed"
	ReasonCatchUpFailed    = "catch_up_failed"
	ReasonShutdown         = "shutdown"
)

// MessageType identifies what a Message carries.
type MessageType string

const (
	MsgSnapshot      MessageType = "snapshot"
	MsgOperations    MessageType = "operations"
	MsgOperation     MessageType = "operation"
	MsgCaughtUp      MessageType = "caught_up"
	MsgCommandFailed MessageType = "command_failed"
	MsgDisplaced     MessageType = "displaced"
	MsgDegraded      MessageType = "degraded"
)

// Message is one push to a client. Only the fields relevant to Type are set.
type Message struct {
	Type       MessageType        `json:"type"`
	DocumentID string             `json:"document_id"`
	Version    int64              `json:"version,omitempty"`
	Snapshot   *document.Document `json:"snapshot,omitempty"`
	Records    []document.Record  `json:"records,omitempty"`
	Record     *document.Record   `json:"record,omitempty"`
	Error      string             `json:"error,omitempty"`
	Detail     any                `json:"detail,omitempty"`
}

// Transport delivers messages to one connected client.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Close(reason string) error
}

// Session is one connected client's live subscription to a document.
type Session struct {
	ID          string
	DocumentID  string
	Participant string
	ConnectedAt time.Time

	transport Transport
	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value

	acked    atomic.Int64
	lastSeen atomic.Int64

	// guarded by the owning coordinator's lock
	live    bool
	sent    int64
	pending []document.Record
}

func newSession(documentID, participant string, t Transport, buffer int, now time.Time) *Session {
	s := &Session{
		ID:          generateSessionID(),
		DocumentID:  documentID,
		Participant: participant,
		ConnectedAt: now,
		transport:   t,
		queue:       make(chan Message, buffer),
		done:        make(chan struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func generateSessionID() string {
	u := uuid.New().String()
	return "sess_" + strings.ReplaceAll(u[:8], "-", "")
}

// LastAcked returns the highest version delivered to the transport.
func (s *Session) LastAcked() int64 { return s.acked.Load() }

// LastSeen returns the time of the last heartbeat.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason returns why the session was closed, or "" while it is open.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// enqueue never blocks. A false return means the queue is full or the
// session is closed; the caller must tear the session down.
func (s *Session) enqueue(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// shutdown marks the session closed. Returns false if it already was.
func (s *Session) shutdown(reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		close(s.done)
		closed = true
	})
	return closed
}

// writeLoop drains the queue into the transport until the session closes.
// onFail is called when the transport rejects a message.
func (s *Session) writeLoop(sendTimeout time.Duration, onFail func(*Session, error)) {
	defer func() {
		if err := s.transport.Close(s.CloseReason()); err != nil {
			slog.Debug("transport close", "session", s.ID, "error", err)
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := s.transport.Send(ctx, msg)
			cancel()
			if err != nil {
				onFail(s, err)
				return
			}
			if v := msgVersion(msg); v > s.acked.Load() {
				s.acked.Store(v)
			}
		}
	}
}

func msgVersion(msg Message) int64 {
	switch msg.Type {
	case MsgSnapshot, MsgCaughtUp:
		return msg.Version
	case MsgOperation:
		if msg.Record != nil {
			return msg.Record.Version
		}
	case MsgOperations:
		if n := len(msg.Records); n > 0 {
			return msg.Records[n-1].Version
		}
	}
	return 0
}
