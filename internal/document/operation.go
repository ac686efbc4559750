package document

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrInvalidOperation = errors.New("invalid operation")

// OpKind identifies the kind of edit an Operation carries.
type OpKind string

const (
	OpInsertRow     OpKind = "insert_row"
	OpUpdateRowText OpKind = "update_row_text"
	OpDeleteRow     OpKind = "delete_row"
	OpMoveRow       OpKind = "move_row"
	OpAttachBadge   OpKind = "attach_badge"
)

// BadgeKind distinguishes task references from user references.
type BadgeKind string

const (
	BadgeTask BadgeKind = "task"
	BadgeUser BadgeKind = "user"
)

// Badge is an inline reference anchored on a rune offset range of the row content.
type Badge struct {
	ID     string    `json:"id"`
	Kind   BadgeKind `json:"kind"`
	RefID  string    `json:"ref_id"`
	Label  string    `json:"label"`
	Status string    `json:"status,omitempty"`
	Start  int       `json:"start"`
	End    int       `json:"end"`
}

// Operation is one client edit. Fields not used by a kind are left empty.
//
//	insert_row       Owner (defaults to Participant), List, RowID, After, Content
//	update_row_text  RowID, BaseRowVersion, Content
//	delete_row       RowID, BaseRowVersion
//	move_row         RowID, List, After
//	attach_badge     RowID, Badge
//
// After is the anchor row id; empty means "at start of list".
type Operation struct {
	ID             string   `json:"id"`
	Kind           OpKind   `json:"kind"`
	Participant    string   `json:"participant"`
	Timestamp      int64    `json:"timestamp"`
	BaseVersion    int64    `json:"base_version"`
	RowID          string   `json:"row_id"`
	Owner          string   `json:"owner,omitempty"`
	List           ListKind `json:"list,omitempty"`
	After          string   `json:"after,omitempty"`
	Content        string   `json:"content,omitempty"`
	BaseRowVersion int64    `json:"base_row_version,omitempty"`
	Badge          *Badge   `json:"badge,omitempty"`
}

// Record is one log entry: the operation and the document version it produced.
type Record struct {
	Version int64     `json:"version"`
	Op      Operation `json:"op"`
}

// ListOwner returns the participant whose lists an insert targets.
func (op Operation) ListOwner() string {
	if op.Owner != "" {
		return op.Owner
	}
	return op.Participant
}

// TouchesText reports whether the operation carries row content.
func (op Operation) TouchesText() bool {
	return op.Kind == OpInsertRow || op.Kind == OpUpdateRowText
}

// Validate checks the fields required by the operation kind.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if op.Participant == "" {
		return fmt.Errorf("%w: missing participant", ErrInvalidOperation)
	}
	if op.RowID == "" {
		return fmt.Errorf("%w: missing row_id", ErrInvalidOperation)
	}
	if op.BaseVersion < 0 || op.BaseRowVersion < 0 {
		return fmt.Errorf("%w: negative version", ErrInvalidOperation)
	}
	if !utf8.ValidString(op.Content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidOperation)
	}

	switch op.Kind {
	case OpInsertRow, OpMoveRow:
		if !op.List.Valid() {
			return fmt.Errorf("%w: unknown list %q", ErrInvalidOperation, op.List)
		}
		if op.After == op.RowID {
			return fmt.Errorf("%w: row anchored on itself", ErrInvalidOperation)
		}
	case OpUpdateRowText, OpDeleteRow:
	case OpAttachBadge:
		b := op.Badge
		if b == nil || b.ID == "" || b.RefID == "" {
			return fmt.Errorf("%w: badge requires id and ref_id", ErrInvalidOperation)
		}
		if b.Kind != BadgeTask && b.Kind != BadgeUser {
			return fmt.Errorf("%w: unknown badge kind %q", ErrInvalidOperation, b.Kind)
		}
		if b.Start < 0 || b.End < b.Start {
			return fmt.Errorf("%w: badge range [%d,%d)", ErrInvalidOperation, b.Start, b.End)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

func (op Operation) stamp(version int64) *Stamp {
	return &Stamp{
		OpID:        op.ID,
		Participant: op.Participant,
		Timestamp:   op.Timestamp,
		BaseVersion: op.BaseVersion,
		Version:     version,
	}
}
