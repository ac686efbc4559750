package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/metrics"
)

// Source is the part of the operation log the coordinator reads for catch-up.
type Source interface {
	CurrentVersion(ctx context.Context, documentID string) (int64, error)
	ReadFrom(ctx context.Context, documentID string, since int64) ([]document.Record, error)
	Snapshot(ctx context.Context, documentID string) (*document.Document, error)
}

// Config tunes the registry. Zero values take the defaults.
type Config struct {
	SnapshotThreshold int64         // gap above which catch-up sends a snapshot (500)
	HeartbeatGrace    time.Duration // idle time before a session is reaped (30s)
	ReapInterval      time.Duration // how often the reaper runs (5s)
	SendBuffer        int           // per-session queue length (256)
	SendTimeout       time.Duration // per-message transport deadline (10s)
}

func (c *Config) applyDefaults() {
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = 500
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// SubscribeRequest describes a connecting client.
type SubscribeRequest struct {
	DocumentID       string
	Participant      string
	LastKnownVersion *int64
	Transport        Transport
}

// coordinator is the single fan-out point of one document.
type coordinator struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry owns one coordinator per document with at least one session.
type Registry struct {
	source Source
	bus    *events.Bus
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	docs  map[string]*coordinator
	index map[string]*Session
}

// NewRegistry creates a Registry reading catch-up data from source.
// bus may be nil.
func NewRegistry(source Source, bus *events.Bus, cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		source: source,
		bus:    bus,
		cfg:    cfg,
		now:    time.Now,
		docs:   make(map[string]*coordinator),
		index:  make(map[string]*Session),
	}
}

// Subscribe registers a session, sends its catch-up and turns it live.
// Operations accepted while catch-up runs are buffered and pushed after it,
// so the client sees every version exactly once, in order.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) (*Session, error) {
	s := newSession(req.DocumentID, req.Participant, req.Transport, r.cfg.SendBuffer, r.now())

	r.mu.Lock()
	c, ok := r.docs[req.DocumentID]
	if !ok {
		c = &coordinator{sessions: make(map[string]*Session)}
		r.docs[req.DocumentID] = c
	}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	r.index[s.ID] = s
	r.mu.Unlock()

	metrics.SessionOpened()
	go s.writeLoop(r.cfg.SendTimeout, r.sendFailed)

	mode, version, err := r.catchUp(ctx, s, req.LastKnownVersion)
	if err != nil {
		r.close(s, ReasonCatchUpFailed)
		return nil, err
	}

	c.mu.Lock()
	s.sent = version
	for _, rec := range s.pending {
		if rec.Version <= s.sent {
			continue
		}
		if !r.push(s, rec) {
			break
		}
	}
	s.pending = nil
	s.live = true
	c.mu.Unlock()

	slog.Info("session opened", "session", s.ID, "document", s.DocumentID,
		"participant", s.Participant, "catch_up", mode, "version", version)
	r.publish(events.NewTypedEventWithSession(events.SourceCoordinator, s.DocumentID, s.ID,
		events.SessionOpenedPayload{
			Participant:      s.Participant,
			LastKnownVersion: req.LastKnownVersion,
			CatchUp:          mode,
			Version:          version,
		}))
	return s, nil
}

// catchUp queues the snapshot or the missing range followed by caught_up.
// Returns the mode used and the version the client is caught up to.
func (r *Registry) catchUp(ctx context.Context, s *Session, lastKnown *int64) (string, int64, error) {
	current, err := r.source.CurrentVersion(ctx, s.DocumentID)
	if err != nil {
		return "", 0, err
	}

	mode := "range"
	if lastKnown == nil || *lastKnown < 0 || *lastKnown > current || current-*lastKnown > r.cfg.SnapshotThreshold {
		mode = "snapshot"
	}
	metrics.CatchUpsTotal.WithLabelValues(mode).Inc()

	var version int64
	if mode == "snapshot" {
		snap, err := r.source.Snapshot(ctx, s.DocumentID)
		if err != nil {
			return "", 0, err
		}
		version = snap.Version
		if !s.enqueue(Message{Type: MsgSnapshot, DocumentID: s.DocumentID, Version: version, Snapshot: snap}) {
			return "", 0, fmt.Errorf("queue snapshot: %w", ErrTransportClosed)
		}
	} else {
		recs, err := r.source.ReadFrom(ctx, s.DocumentID, *lastKnown)
		if err != nil {
			return "", 0, err
		}
		version = *lastKnown
		if n := len(recs); n > 0 {
			version = recs[n-1].Version
		}
		if !s.enqueue(Message{Type: MsgOperations, DocumentID: s.DocumentID, Version: version, Records: recs}) {
			return "", 0, fmt.Errorf("queue operations: %w", ErrTransportClosed)
		}
	}

	if !s.enqueue(Message{Type: MsgCaughtUp, DocumentID: s.DocumentID, Version: version}) {
		return "", 0, fmt.Errorf("queue caught_up: %w", ErrTransportClosed)
	}
	return mode, version, nil
}

// Accepted fans an accepted record out to the document's sessions. It is
// registered as the operation log listener and never blocks.
func (r *Registry) Accepted(documentID string, rec document.Record) {
	r.mu.Lock()
	c := r.docs[documentID]
	r.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if !s.live {
			s.pending = append(s.pending, rec)
			continue
		}
		if rec.Version <= s.sent {
			continue
		}
		r.push(s, rec)
	}
}

// push queues rec for a live session. Caller holds the coordinator lock.
// A full queue tears the session down: the client reconnects and catches up
// instead of silently missing a version.
func (r *Registry) push(s *Session, rec document.Record) bool {
	if rec.Version != s.sent+1 {
		slog.Warn("version gap in fan-out", "session", s.ID, "sent", s.sent, "version", rec.Version)
		go r.close(s, ReasonSlowConsumer)
		return false
	}
	rc := rec
	if !s.enqueue(Message{Type: MsgOperation, DocumentID: s.DocumentID, Version: rec.Version, Record: &rc}) {
		go r.close(s, ReasonSlowConsumer)
		return false
	}
	s.sent = rec.Version
	return true
}

// Heartbeat refreshes a session's liveness.
func (r *Registry) Heartbeat(sessionID string) error {
	s := r.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	s.touch(r.now())
	return nil
}

// Unsubscribe tears a session down.
func (r *Registry) Unsubscribe(sessionID string) {
	if s := r.lookup(sessionID); s != nil {
		r.close(s, ReasonClientLeft)
	}
}

// Session returns a live session by id.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	s := r.lookup(sessionID)
	return s, s != nil
}

// Sessions returns the sessions of a document.
func (r *Registry) Sessions(documentID string) []*Session {
	r.mu.Lock()
	c := r.docs[documentID]
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}

// Notify delivers a private message to one session.
func (r *Registry) Notify(sessionID string, msg Message) error {
	s := r.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	if !s.enqueue(msg) {
		go r.close(s, ReasonSlowConsumer)
		return ErrTransportClosed
	}
	return nil
}

// NotifyParticipant delivers msg to every session a participant has open
// on a document. Returns how many sessions were reached.
func (r *Registry) NotifyParticipant(documentID, participant string, msg Message) int {
	n := 0
	for _, s := range r.Sessions(documentID) {
		if s.Participant != participant {
			continue
		}
		if s.enqueue(msg) {
			n++
		} else {
			go r.close(s, ReasonSlowConsumer)
		}
	}
	return n
}

// Degraded tells every session of a document that its log is unavailable.
func (r *Registry) Degraded(documentID string, cause error) {
	msg := Message{Type: MsgDegraded, DocumentID: documentID, Error: cause.Error()}
	for _, s := range r.Sessions(documentID) {
		if !s.enqueue(msg) {
			go r.close(s, ReasonSlowConsumer)
		}
	}
}

// Run reaps sessions whose heartbeat is older than the grace window until
// ctx is cancelled, then closes every session.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap closes idle sessions and returns how many were closed.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.cfg.HeartbeatGrace)

	r.mu.Lock()
	var idle []*Session
	for _, s := range r.index {
		if s.LastSeen().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.close(s, ReasonHeartbeatTimeout)
	}
	return len(idle)
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.index))
	for _, s := range r.index {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.close(s, ReasonShutdown)
	}
}

func (r *Registry) sendFailed(s *Session, err error) {
	slog.Debug("session send failed", "session", s.ID, "error", err)
	r.close(s, ReasonSendFailed)
}

func (r *Registry) lookup(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[sessionID]
}

// close removes a session and drops its coordinator once empty.
func (r *Registry) close(s *Session, reason string) {
	if !s.shutdown(reason) {
		return
	}

	r.mu.Lock()
	delete(r.index, s.ID)
	if c, ok := r.docs[s.DocumentID]; ok {
		c.mu.Lock()
		delete(c.sessions, s.ID)
		if len(c.sessions) == 0 {
			delete(r.docs, s.DocumentID)
		}
		c.mu.Unlock()
	}
	r.mu.Unlock()

	metrics.SessionClosed(reason)
	slog.Info("session closed", "session", s.ID, "document", s.DocumentID, "reason", reason)
	r.publish(events.NewTypedEventWithSession(events.SourceCoordinator, s.DocumentID, s.ID,
		events.SessionClosedPayload{Participant: s.Participant, Reason: reason}))
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
