// Package oplog is the per-document operation log: the single write gate of
// a document. Appends to one document are linearized by a per-document mutex;
// different documents never contend.
//
// The cached snapshot is only a cache. It is rebuilt from the store (latest
// snapshot + records after it) whenever it is missing or suspected stale.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/merge"
	"github.com/dohr-michael/huddle/internal/storage"
)

// ErrLogUnavailable wraps every durability failure. Callers must fail closed.
var ErrLogUnavailable = errors.New("operation log unavailable")

// maxRebase bounds how often Submit re-resolves after losing an append race
// against another instance sharing the store.
const maxRebase = 3

// ConflictError is returned by Append when the target row moved past the
// operation's base row version, or no longer accepts the operation.
type ConflictError struct {
	DocumentID string
	OpID       string
	Reason     merge.Reason
	Row        *document.Row
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s op %s: %s", e.DocumentID, e.OpID, e.Reason)
}

// Result describes what Submit did with an operation.
type Result struct {
	Version   int64              `json:"version"`
	Outcome   merge.Outcome      `json:"outcome"`
	Reason    merge.Reason       `json:"reason,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Row       *document.Row      `json:"row,omitempty"`
	Op        document.Operation `json:"op"`
	Displaced []merge.Displaced  `json:"displaced,omitempty"`
}

// Listener observes accepted records. It runs while the document lock is
// held, in version order, and must not block or call back into the Log.
type Listener func(documentID string, rec document.Record)

// Log is the operation log over a Store.
type Log struct {
	store storage.Store

	mu   sync.Mutex
	docs map[string]*docState

	lmu       sync.RWMutex
	listeners []Listener
}

type docState struct {
	mu      sync.Mutex
	doc     *document.Document
	applied map[string]int64
}

// New creates a Log backed by store.
func New(store storage.Store) *Log {
	return &Log{store: store, docs: make(map[string]*docState)}
}

// OnAccepted registers a listener for accepted records.
func (l *Log) OnAccepted(fn Listener) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Log) notify(documentID string, rec document.Record) {
	l.lmu.RLock()
	defer l.lmu.RUnlock()
	for _, fn := range l.listeners {
		fn(documentID, rec)
	}
}

func (l *Log) state(documentID string) *docState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.docs[documentID]
	if !ok {
		st = &docState{}
		l.docs[documentID] = st
	}
	return st
}

// load fills the cache from the store. Caller holds st.mu.
func (l *Log) load(ctx context.Context, documentID string, st *docState) error {
	if st.doc != nil {
		return nil
	}

	snap, err := l.store.ReadSnapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: read snapshot %s: %v", ErrLogUnavailable, documentID, err)
	}
	doc := snap
	if doc == nil {
		doc = document.New(documentID)
	}

	recs, err := l.store.ReadOperations(ctx, documentID, doc.Version)
	if err != nil {
		return fmt.Errorf("%w: read operations %s: %v", ErrLogUnavailable, documentID, err)
	}
	applied := make(map[string]int64, len(recs))
	for _, rec := range recs {
		if err := doc.Apply(rec); err != nil {
			return fmt.Errorf("%w: replay %s: %v", ErrLogUnavailable, documentID, err)
		}
		applied[rec.Op.ID] = rec.Version
	}

	st.doc = doc
	st.applied = applied
	slog.Debug("document loaded", "document", documentID, "version", doc.Version,
		"from_snapshot", snap != nil, "replayed", len(recs))
	return nil
}

// lookup finds the version assigned to an op id. Caller holds st.mu.
func (l *Log) lookup(ctx context.Context, documentID string, st *docState, opID string) (int64, bool, error) {
	if v, ok := st.applied[opID]; ok {
		return v, true, nil
	}
	v, ok, err := l.store.LookupOperation(ctx, documentID, opID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: lookup %s: %v", ErrLogUnavailable, opID, err)
	}
	if ok {
		st.applied[opID] = v
	}
	return v, ok, nil
}

// Append is the strict write gate: it appends op as-is or returns a
// *ConflictError when the target row's version is newer than
// op.BaseRowVersion (for update, delete, move and attach) or the row cannot
// take the operation. Re-appending an applied op id returns its version.
func (l *Log) Append(ctx context.Context, documentID string, op document.Operation) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}

	st := l.state(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.load(ctx, documentID, st); err != nil {
		return 0, err
	}
	for attempt := 0; ; attempt++ {
		if v, ok, err := l.lookup(ctx, documentID, st, op.ID); err != nil || ok {
			return v, err
		}
		if cerr := gate(st.doc, documentID, op); cerr != nil {
			return 0, cerr
		}

		rec, err := l.appendLocked(ctx, documentID, st, op)
		if errors.Is(err, errStale) && attempt < maxRebase {
			if err := l.refreshLocked(ctx, documentID, st); err != nil {
				return 0, err
			}
			continue
		}
		if errors.Is(err, errStale) {
			return 0, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
		}
		if err != nil {
			return 0, err
		}
		return rec.Version, nil
	}
}

func gate(doc *document.Document, documentID string, op document.Operation) *ConflictError {
	conflict := func(r merge.Reason, row *document.Row) *ConflictError {
		return &ConflictError{DocumentID: documentID, OpID: op.ID, Reason: r, Row: row.Clone()}
	}

	row, exists := doc.Row(op.RowID)
	if op.Kind == document.OpInsertRow {
		if exists {
			return conflict(merge.ReasonRowExists, row)
		}
		return nil
	}
	switch {
	case !exists:
		return conflict(merge.ReasonRowNotFound, nil)
	case row.Deleted:
		return conflict(merge.ReasonRowDeleted, row)
	case row.RowVersion > op.BaseRowVersion:
		return conflict(merge.ReasonStaleRowVersion, row)
	case op.Kind == document.OpAttachBadge && row.HasBadge(op.Badge.ID):
		return conflict(merge.ReasonDuplicateBadge, row)
	}
	return nil
}

var errStale = errors.New("cached document is behind the store")

// appendLocked persists op as the next record, then updates the cache and
// notifies listeners. Caller holds st.mu and has loaded st.
func (l *Log) appendLocked(ctx context.Context, documentID string, st *docState, op document.Operation) (document.Record, error) {
	rec := document.Record{Version: st.doc.Version + 1, Op: op}

	next := st.doc.Clone()
	if err := next.Apply(rec); err != nil {
		return rec, fmt.Errorf("apply %s: %w", op.ID, err)
	}

	// A cancelled submitter must not abort a durable append halfway.
	if err := l.store.AppendOperation(context.WithoutCancel(ctx), documentID, rec); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrDuplicateOperation) {
			return rec, fmt.Errorf("%w: %v", errStale, err)
		}
		st.doc = nil
		slog.Error("append failed", "document", documentID, "op", op.ID, "error", err)
		return rec, fmt.Errorf("%w: append %s: %v", ErrLogUnavailable, documentID, err)
	}

	st.doc = next
	st.applied[op.ID] = rec.Version
	l.notify(documentID, rec)
	return rec, nil
}

// Submit resolves op against the current document and appends the result.
// Resolution and append happen under the same per-document lock. Conflicts,
// supersessions and no-ops are reported in the Result, not as errors; only
// invalid input and ErrLogUnavailable are errors.
func (l *Log) Submit(ctx context.Context, documentID string, op document.Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	st := l.state(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := l.load(ctx, documentID, st); err != nil {
			return Result{}, err
		}
		if v, ok, err := l.lookup(ctx, documentID, st, op.ID); err != nil {
			return Result{}, err
		} else if ok {
			return Result{Version: v, Outcome: merge.Accepted, Duplicate: true, Op: op, Row: rowOf(st.doc, op.RowID)}, nil
		}

		resolved, dec := merge.Resolve(st.doc, op)
		res := Result{Outcome: dec.Outcome, Reason: dec.Reason, Op: resolved, Displaced: dec.Displaced}
		if !dec.Applies() {
			res.Version = st.doc.Version
			res.Row = rowOf(st.doc, op.RowID)
			return res, nil
		}

		rec, err := l.appendLocked(ctx, documentID, st, resolved)
		if errors.Is(err, errStale) && attempt < maxRebase {
			slog.Debug("rebasing after concurrent append", "document", documentID, "op", op.ID, "attempt", attempt+1)
			if err := l.refreshLocked(ctx, documentID, st); err != nil {
				return Result{}, err
			}
			continue
		}
		if errors.Is(err, errStale) {
			return Result{}, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
		}
		if err != nil {
			return Result{}, err
		}
		res.Version = rec.Version
		res.Row = rowOf(st.doc, op.RowID)
		return res, nil
	}
}

func rowOf(doc *document.Document, id string) *document.Row {
	if doc == nil {
		return nil
	}
	r, _ := doc.Row(id)
	return r.Clone()
}

// Lookup returns the version of an already-applied operation id.
func (l *Log) Lookup(ctx context.Context, documentID, opID string) (int64, bool, error) {
	st := l.state(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.load(ctx, documentID, st); err != nil {
		return 0, false, err
	}
	return l.lookup(ctx, documentID, st, opID)
}

// ReadFrom returns the records with version > since, in log order.
func (l *Log) ReadFrom(ctx context.Context, documentID string, since int64) ([]document.Record, error) {
	recs, err := l.store.ReadOperations(ctx, documentID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLogUnavailable, documentID, err)
	}
	return recs, nil
}

// CurrentVersion returns the version of the latest accepted operation.
func (l *Log) CurrentVersion(ctx context.Context, documentID string) (int64, error) {
	st := l.state(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.load(ctx, documentID, st); err != nil {
		return 0, err
	}
	return st.doc.Version, nil
}

// Snapshot returns a copy of the current document.
func (l *Log) Snapshot(ctx context.Context, documentID string) (*document.Document, error) {
	st := l.state(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.load(ctx, documentID, st); err != nil {
		return nil, err
	}
	return st.doc.Clone(), nil
}

// Refresh applies records appended to the store by another instance and
// notifies listeners for each. Returns the resulting version.
func (l *Log) Refresh(ctx context.Context, documentID string) (int64, error) {
	st := l.state(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.doc == nil {
		if err := l.load(ctx, documentID, st); err != nil {
			return 0, err
		}
		return st.doc.Version, nil
	}
	if err := l.refreshLocked(ctx, documentID, st); err != nil {
		return 0, err
	}
	return st.doc.Version, nil
}

// refreshLocked catches the cache up with the store. Caller holds st.mu and
// has loaded st.
func (l *Log) refreshLocked(ctx context.Context, documentID string, st *docState) error {
	recs, err := l.store.ReadOperations(ctx, documentID, st.doc.Version)
	if err != nil {
		st.doc = nil
		return fmt.Errorf("%w: refresh %s: %v", ErrLogUnavailable, documentID, err)
	}
	for _, rec := range recs {
		if err := st.doc.Apply(rec); err != nil {
			st.doc = nil
			return fmt.Errorf("%w: refresh %s: %v", ErrLogUnavailable, documentID, err)
		}
		st.applied[rec.Op.ID] = rec.Version
		l.notify(documentID, rec)
	}
	return nil
}

// Compact writes the current document as the store snapshot.
func (l *Log) Compact(ctx context.Context, documentID string) (int64, error) {
	doc, err := l.Snapshot(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if err := l.store.WriteSnapshot(ctx, documentID, doc); err != nil {
		return 0, fmt.Errorf("%w: write snapshot %s: %v", ErrLogUnavailable, documentID, err)
	}
	return doc.Version, nil
}

// SnapshotVersion returns the version of the stored snapshot (0 if none).
func (l *Log) SnapshotVersion(ctx context.Context, documentID string) (int64, error) {
	snap, err := l.store.ReadSnapshot(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("%w: read snapshot %s: %v", ErrLogUnavailable, documentID, err)
	}
	if snap == nil {
		return 0, nil
	}
	return snap.Version, nil
}

// Rebuild replays the full log from version 0, ignoring any snapshot.
func (l *Log) Rebuild(ctx context.Context, documentID string) (*document.Document, error) {
	recs, err := l.ReadFrom(ctx, documentID, 0)
	if err != nil {
		return nil, err
	}
	return document.Replay(documentID, recs)
}

// Documents lists every document that has a log.
func (l *Log) Documents(ctx context.Context) ([]string, error) {
	ids, err := l.store.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", ErrLogUnavailable, err)
	}
	return ids, nil
}
