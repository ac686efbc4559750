// Package collab is the edit and subscription surface of the sync core.
// Transports (HTTP, WebSocket) call it; it authorizes every call, runs task
// commands outside the document lock, submits to the operation log and
// routes notices to the sessions they concern.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/merge"
	"github.com/dohr-michael/huddle/internal/metrics"
	"github.com/dohr-michael/huddle/internal/oplog"
	"github.com/dohr-michael/huddle/internal/sessions"
	"github.com/dohr-michael/huddle/internal/slash"
)

// ErrAccessDenied is returned when the participant may not use the document.
var ErrAccessDenied = errors.New("access denied")

// Error codes shared by the HTTP and WebSocket bindings.
const (
	CodeAccessDenied     = "access_denied"
	CodeInvalidOperation = "invalid_operation"
	CodeLogUnavailable   = "log_unavailable"
	CodeInternal         = "internal"
)

// ErrorCode classifies an error returned by the Service.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, document.ErrInvalidOperation):
		return CodeInvalidOperation
	case errors.Is(err, oplog.ErrLogUnavailable):
		return CodeLogUnavailable
	default:
		return CodeInternal
	}
}

// Authorizer is the membership collaborator.
type Authorizer interface {
	CanAccess(participant, documentID string) bool
}

// Hinter tells other instances that a document changed. The hint carries
// no operations; receivers re-read the shared log.
type Hinter interface {
	Publish(ctx context.Context, documentID string, version int64) error
}

// Options wires the optional collaborators.
type Options struct {
	Commands *slash.Interpreter // nil disables task commands
	Bus      *events.Bus
	Hints    Hinter
}

// Service implements connect, submit and the read endpoints.
type Service struct {
	log      *oplog.Log
	sessions *sessions.Registry
	auth     Authorizer
	commands *slash.Interpreter
	bus      *events.Bus
	hints    Hinter
	now      func() time.Time
}

// New creates a Service.
func New(log *oplog.Log, reg *sessions.Registry, auth Authorizer, opts Options) *Service {
	return &Service{
		log:      log,
		sessions: reg,
		auth:     auth,
		commands: opts.Commands,
		bus:      opts.Bus,
		hints:    opts.Hints,
		now:      time.Now,
	}
}

// ConnectRequest describes a client joining a document.
type ConnectRequest struct {
	DocumentID       string
	Participant      string
	LastKnownVersion *int64
	Transport        sessions.Transport
}

// Connect authorizes the participant and opens a live session.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*sessions.Session, error) {
	if err := s.authorize(req.Participant, req.DocumentID, "connect"); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Subscribe(ctx, sessions.SubscribeRequest{
		DocumentID:       req.DocumentID,
		Participant:      req.Participant,
		LastKnownVersion: req.LastKnownVersion,
		Transport:        req.Transport,
	})
	if err != nil {
		s.degradedIf(req.DocumentID, err)
		return nil, err
	}
	return sess, nil
}

// Heartbeat refreshes a session.
func (s *Service) Heartbeat(sessionID string) error {
	return s.sessions.Heartbeat(sessionID)
}

// Disconnect tears a session down.
func (s *Service) Disconnect(sessionID string) {
	s.sessions.Unsubscribe(sessionID)
}

// SubmitRequest is one edit. SessionID is optional and receives private
// notices (command failures).
type SubmitRequest struct {
	DocumentID  string
	Participant string
	SessionID   string
	Op          document.Operation
}

// SubmitResult is the ack or structured conflict returned to the submitter.
type SubmitResult struct {
	Version      int64                `json:"version"`
	Outcome      merge.Outcome        `json:"outcome"`
	Reason       merge.Reason         `json:"reason,omitempty"`
	Duplicate    bool                 `json:"duplicate,omitempty"`
	Row          *document.Row        `json:"row,omitempty"`
	Op           document.Operation   `json:"op"`
	Task         *slash.TaskReference `json:"task,omitempty"`
	BadgeVersion int64                `json:"badge_version,omitempty"`
	CommandError string               `json:"command_error,omitempty"`
}

// DisplacedNotice tells a participant that one of their applied edits lost
// to a later one.
type DisplacedNotice struct {
	OpID    string        `json:"op_id"`
	By      string        `json:"by"`
	Outcome merge.Outcome `json:"outcome"`
	Reason  merge.Reason  `json:"reason"`
	Row     *document.Row `json:"row,omitempty"`
}

// Submit authorizes and applies one edit. Conflicts, supersessions and
// command failures are reported in the result; only ErrAccessDenied,
// invalid operations and oplog.ErrLogUnavailable are errors.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx = events.ContextWithParticipant(ctx, req.Participant)
	if req.SessionID != "" {
		ctx = events.ContextWithSessionID(ctx, req.SessionID)
	}
	op := req.Op
	if op.Participant == "" {
		op.Participant = req.Participant
	}
	if op.Participant != req.Participant {
		return SubmitResult{}, fmt.Errorf("%w: op issued as %q", ErrAccessDenied, op.Participant)
	}
	if err := s.authorize(req.Participant, req.DocumentID, "submit"); err != nil {
		return SubmitResult{}, err
	}
	if err := op.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if op.Timestamp == 0 {
		op.Timestamp = s.now().UnixMilli()
	}

	var (
		attach *document.Operation
		ref    *slash.TaskReference
		cmdErr error
	)
	if s.commands != nil && op.TouchesText() {
		if cmd, ok := slash.TryExtract(op.Content); ok {
			// A retry of a logged op, rewritten or failed open, is a duplicate:
			// the command does not run again.
			_, logged, err := s.log.Lookup(ctx, req.DocumentID, op.ID)
			if err != nil {
				return SubmitResult{}, s.unavailable(req.DocumentID, err)
			}
			if !logged {
				r, err := s.commands.Execute(ctx, cmd, slash.ExecContext{
					DocumentID: req.DocumentID, RowID: op.RowID, OpID: op.ID, Participant: op.Participant,
				})
				if err != nil {
					cmdErr = err
					s.commandFailed(req, op, err)
				} else {
					rewritten, a := slash.Rewrite(op, r)
					op, attach, ref = rewritten, &a, &r
				}
			}
		}
	}

	res, err := s.apply(ctx, req.DocumentID, op)
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{
		Version:   res.Version,
		Outcome:   res.Outcome,
		Reason:    res.Reason,
		Duplicate: res.Duplicate,
		Row:       res.Row,
		Op:        res.Op,
		Task:      ref,
	}
	if cmdErr != nil {
		out.CommandError = cmdErr.Error()
	}

	// The badge only makes sense over the rewritten text.
	if attach != nil && res.Outcome == merge.Accepted && !res.Duplicate {
		br, err := s.apply(ctx, req.DocumentID, *attach)
		if err != nil {
			return out, err
		}
		out.BadgeVersion = br.Version
		out.Row = br.Row
		s.publish(events.NewTypedEventWithSession(events.SourceCommand, req.DocumentID, req.SessionID,
			events.CommandExecutedPayload{OpID: op.ID, TaskID: ref.TaskID, Title: ref.Title}))
	}
	return out, nil
}

// apply submits one operation and routes its side effects.
func (s *Service) apply(ctx context.Context, documentID string, op document.Operation) (oplog.Result, error) {
	start := time.Now()
	res, err := s.log.Submit(ctx, documentID, op)
	if err != nil {
		if errors.Is(err, oplog.ErrLogUnavailable) {
			return res, s.unavailable(documentID, err)
		}
		return res, err
	}
	metrics.RecordOperation(string(op.Kind), string(res.Outcome), time.Since(start))

	if res.Outcome != merge.Accepted {
		s.publish(events.NewTypedEventWithSession(events.SourceLog, documentID, events.SessionIDFromContext(ctx), events.OperationRejectedPayload{
			OpID: op.ID, RowID: op.RowID, Participant: op.Participant,
			Outcome: string(res.Outcome), Reason: string(res.Reason),
		}))
		return res, nil
	}
	if res.Duplicate {
		return res, nil
	}

	s.publish(events.NewTypedEventWithSession(events.SourceLog, documentID, events.SessionIDFromContext(ctx), events.OperationAcceptedPayload{
		Version: res.Version, OpID: op.ID, Kind: string(op.Kind), RowID: op.RowID, Participant: op.Participant,
	}))
	for _, d := range res.Displaced {
		notice := DisplacedNotice{OpID: d.OpID, By: op.ID, Outcome: d.Outcome, Reason: d.Reason, Row: res.Row}
		n := s.sessions.NotifyParticipant(documentID, d.Participant, sessions.Message{
			Type: sessions.MsgDisplaced, DocumentID: documentID, Version: res.Version, Detail: notice,
		})
		slog.Debug("edit displaced", "document", documentID, "op", d.OpID, "by", op.ID,
			"reason", d.Reason, "sessions", n)
		s.publish(events.NewTypedEvent(events.SourceLog, documentID, events.OperationDisplacedPayload{
			OpID: d.OpID, By: op.ID, Participant: d.Participant, Outcome: string(d.Outcome), Reason: string(d.Reason),
		}))
	}
	if s.hints != nil {
		if err := s.hints.Publish(ctx, documentID, res.Version); err != nil {
			slog.Warn("change hint not published", "document", documentID, "error", err)
		}
	}
	return res, nil
}

func (s *Service) commandFailed(req SubmitRequest, op document.Operation, err error) {
	if req.SessionID != "" {
		msg := sessions.Message{
			Type: sessions.MsgCommandFailed, DocumentID: req.DocumentID, Error: err.Error(),
			Detail: map[string]string{"op_id": op.ID, "row_id": op.RowID},
		}
		if nerr := s.sessions.Notify(req.SessionID, msg); nerr != nil {
			slog.Debug("command failure not delivered", "session", req.SessionID, "error", nerr)
		}
	}
	s.publish(events.NewTypedEventWithSession(events.SourceCommand, req.DocumentID, req.SessionID,
		events.CommandFailedPayload{OpID: op.ID, Error: err.Error()}))
}

// Snapshot returns the current document.
func (s *Service) Snapshot(ctx context.Context, documentID, participant string) (*document.Document, error) {
	if err := s.authorize(participant, documentID, "snapshot"); err != nil {
		return nil, err
	}
	doc, err := s.log.Snapshot(ctx, documentID)
	if err != nil {
		s.degradedIf(documentID, err)
		return nil, err
	}
	return doc, nil
}

// Operations returns the records after since.
func (s *Service) Operations(ctx context.Context, documentID, participant string, since int64) ([]document.Record, error) {
	if err := s.authorize(participant, documentID, "read"); err != nil {
		return nil, err
	}
	recs, err := s.log.ReadFrom(ctx, documentID, since)
	if err != nil {
		s.degradedIf(documentID, err)
		return nil, err
	}
	return recs, nil
}

// Events returns up to limit recent bus events of one document, oldest first.
func (s *Service) Events(documentID, participant string, limit int) ([]events.Event, error) {
	if err := s.authorize(participant, documentID, "events"); err != nil {
		return nil, err
	}
	if s.bus == nil {
		return nil, nil
	}
	return s.bus.HistoryFor(documentID, limit), nil
}

func (s *Service) authorize(participant, documentID, action string) error {
	if participant != "" && s.auth.CanAccess(participant, documentID) {
		return nil
	}
	slog.Warn("access denied", "participant", participant, "document", documentID, "action", action)
	s.publish(events.NewTypedEvent(events.SourceTransport, documentID,
		events.AccessDeniedPayload{Participant: participant, Action: action}))
	return fmt.Errorf("%w: %s on %s", ErrAccessDenied, participant, documentID)
}

// unavailable broadcasts the degraded notice and returns err as an
// ErrLogUnavailable.
func (s *Service) unavailable(documentID string, err error) error {
	if !errors.Is(err, oplog.ErrLogUnavailable) {
		err = fmt.Errorf("%w: %v", oplog.ErrLogUnavailable, err)
	}
	s.degradedIf(documentID, err)
	return err
}

func (s *Service) degradedIf(documentID string, err error) {
	if !errors.Is(err, oplog.ErrLogUnavailable) {
		return
	}
	metrics.LogUnavailableTotal.Inc()
	slog.Error("operation log unavailable", "document", documentID, "error", err)
	s.sessions.Degraded(documentID, err)
	s.publish(events.NewTypedEvent(events.SourceLog, documentID, events.LogDegradedPayload{Error: err.Error()}))
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
