// Package merge resolves an incoming operation against the current document.
//
// The policy is last-writer-wins per row field, with structural operations
// taking precedence over text:
//
//   - concurrent text updates on a row: higher base version wins, then the
//     later timestamp, then the greater participant id; the loser is reported
//     as superseded, never dropped silently
//   - a delete beats any concurrent update or move of the row
//   - inserts and moves are anchored "after row X"; a missing anchor means
//     "at start of list"
//   - badges are additive; re-attaching the same badge id is a no-op
//   - updates, moves and deletes must name the row version they were based
//     on; one that does not is a stale_row_version conflict
//
// Resolve is pure and fast: it runs inside the per-document append section.
package merge

import (
	"github.com/dohr-michael/huddle/internal/document"
)

// Outcome is the verdict for an incoming operation.
type Outcome string

const (
	Accepted   Outcome = "accepted"
	Superseded Outcome = "superseded"
	Conflict   Outcome = "conflict"
	NoOp       Outcome = "noop"
)

// Reason qualifies a non-trivial outcome.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonRowDeleted      Reason = "row_deleted"
	ReasonRowNotFound     Reason = "row_not_found"
	ReasonRowExists       Reason = "row_exists"
	ReasonStaleRowVersion Reason = "stale_row_version"
	ReasonConcurrentText  Reason = "concurrent_text"
	ReasonConcurrentMove  Reason = "concurrent_move"
	ReasonDuplicateBadge  Reason = "duplicate_badge"
	ReasonAlreadyDeleted  Reason = "already_deleted"
)

// Displaced names an already-applied operation that the incoming one overrides.
// Its issuer has to be told, since its earlier ack no longer reflects the row.
type Displaced struct {
	OpID        string  `json:"op_id"`
	Participant string  `json:"participant"`
	Outcome     Outcome `json:"outcome"`
	Reason      Reason  `json:"reason"`
}

// Decision is the result of Resolve.
type Decision struct {
	Outcome   Outcome
	Reason    Reason
	Displaced []Displaced
}

// Applies reports whether the operation must be appended to the log.
func (d Decision) Applies() bool { return d.Outcome == Accepted }

func accept(displaced ...Displaced) Decision {
	return Decision{Outcome: Accepted, Displaced: displaced}
}

func reject(o Outcome, r Reason) Decision {
	return Decision{Outcome: o, Reason: r}
}

// Resolve decides what to do with op given the document state. The returned
// operation is the one to append: its BaseRowVersion is rebased onto the
// current row and dangling anchors are dropped.
func Resolve(doc *document.Document, op document.Operation) (document.Operation, Decision) {
	if op.Kind == document.OpInsertRow {
		return resolveInsert(doc, op)
	}

	row, ok := doc.Row(op.RowID)
	if !ok {
		return op, reject(Conflict, ReasonRowNotFound)
	}
	if row.Deleted {
		if op.Kind == document.OpDeleteRow {
			return op, reject(NoOp, ReasonAlreadyDeleted)
		}
		return op, reject(Conflict, ReasonRowDeleted)
	}
	// Rows start at row version 1: an edit that names no base saw nothing.
	if op.BaseRowVersion == 0 && op.Kind != document.OpAttachBadge {
		return op, reject(Conflict, ReasonStaleRowVersion)
	}

	switch op.Kind {
	case document.OpUpdateRowText:
		return resolveText(row, op)
	case document.OpDeleteRow:
		return resolveDelete(row, op)
	case document.OpMoveRow:
		return resolveMove(doc, row, op)
	case document.OpAttachBadge:
		if row.HasBadge(op.Badge.ID) {
			return op, reject(NoOp, ReasonDuplicateBadge)
		}
		op.BaseRowVersion = row.RowVersion
		return op, accept()
	}
	return op, reject(Conflict, ReasonNone)
}

func resolveInsert(doc *document.Document, op document.Operation) (document.Operation, Decision) {
	if _, exists := doc.Row(op.RowID); exists {
		return op, reject(Conflict, ReasonRowExists)
	}
	if op.After != "" && !doc.LiveIn(op.After, op.ListOwner(), op.List) {
		op.After = ""
	}
	return op, accept()
}

func resolveText(row *document.Row, op document.Operation) (document.Operation, Decision) {
	last := row.Text
	if concurrent(last, op) {
		if !Wins(op, *last) {
			return op, reject(Superseded, ReasonConcurrentText)
		}
		op.BaseRowVersion = row.RowVersion
		return op, accept(displaced(last, Superseded, ReasonConcurrentText))
	}
	// Only non-text changes since the client's view: different field.
	op.BaseRowVersion = row.RowVersion
	return op, accept()
}

func resolveDelete(row *document.Row, op document.Operation) (document.Operation, Decision) {
	var lost []Displaced
	if concurrent(row.Text, op) {
		lost = append(lost, displaced(row.Text, Conflict, ReasonRowDeleted))
	}
	if concurrent(row.Moved, op) {
		lost = append(lost, displaced(row.Moved, Conflict, ReasonRowDeleted))
	}
	op.BaseRowVersion = row.RowVersion
	return op, accept(lost...)
}

func resolveMove(doc *document.Document, row *document.Row, op document.Operation) (document.Operation, Decision) {
	var lost []Displaced
	if last := row.Moved; concurrent(last, op) {
		if !Wins(op, *last) {
			return op, reject(Superseded, ReasonConcurrentMove)
		}
		lost = append(lost, displaced(last, Superseded, ReasonConcurrentMove))
	}
	if op.After != "" && !doc.LiveIn(op.After, row.Participant, op.List) {
		op.After = ""
	}
	op.BaseRowVersion = row.RowVersion
	return op, accept(lost...)
}

// concurrent reports whether the field stamp was written after the version
// the incoming op was based on.
func concurrent(last *document.Stamp, op document.Operation) bool {
	if last == nil {
		return false
	}
	return last.Version > op.BaseRowVersion && last.OpID != op.ID
}

func displaced(s *document.Stamp, o Outcome, r Reason) Displaced {
	return Displaced{OpID: s.OpID, Participant: s.Participant, Outcome: o, Reason: r}
}

// Wins reports whether op beats the write recorded in last. The order is
// total: base version, then timestamp, then participant id, then op id.
func Wins(op document.Operation, last document.Stamp) bool {
	if op.BaseVersion != last.BaseVersion {
		return op.BaseVersion > last.BaseVersion
	}
	if op.Timestamp != last.Timestamp {
		return op.Timestamp > last.Timestamp
	}
	if op.Participant != last.Participant {
		return op.Participant > last.Participant
	}
	return op.ID > last.OpID
}
