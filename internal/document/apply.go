package document

import (
	"fmt"
	"unicode/utf8"
)

// Apply advances the document by one record. The record must carry the next
// version. Apply does not arbitrate concurrency: the operation is expected to
// be already resolved, so anything it cannot apply is an error.
func (d *Document) Apply(rec Record) error {
	if rec.Version != d.Version+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrVersionGap, d.Version, rec.Version)
	}
	op := rec.Op
	v := rec.Version

	switch op.Kind {
	case OpInsertRow:
		if _, exists := d.Rows[op.RowID]; exists {
			return fmt.Errorf("insert %s: row id already used", op.RowID)
		}
		r := &Row{
			ID:          op.RowID,
			Participant: op.ListOwner(),
			List:        op.List,
			Content:     op.Content,
			RowVersion:  v,
			Text:        op.stamp(v),
		}
		d.Rows[r.ID] = r
		d.place(r.ID, r.Participant, r.List, d.anchor(op.After, r.Participant, r.List))

	case OpUpdateRowText:
		r, err := d.liveRow(op.RowID)
		if err != nil {
			return err
		}
		r.Content = op.Content
		r.Badges = clampBadges(r.Badges, op.Content)
		r.Text = op.stamp(v)
		r.RowVersion = v

	case OpDeleteRow:
		r, err := d.liveRow(op.RowID)
		if err != nil {
			return err
		}
		d.unplace(r)
		r.Deleted = true
		r.RowVersion = v

	case OpMoveRow:
		r, err := d.liveRow(op.RowID)
		if err != nil {
			return err
		}
		d.unplace(r)
		r.List = op.List
		d.place(r.ID, r.Participant, r.List, d.anchor(op.After, r.Participant, r.List))
		r.Moved = op.stamp(v)
		r.RowVersion = v

	case OpAttachBadge:
		r, err := d.liveRow(op.RowID)
		if err != nil {
			return err
		}
		if op.Badge != nil && !r.HasBadge(op.Badge.ID) {
			r.Badges = append(r.Badges, clampBadge(*op.Badge, utf8.RuneCountInString(r.Content)))
		}
		r.RowVersion = v

	default:
		return fmt.Errorf("apply: unknown operation kind %q", op.Kind)
	}

	d.Version = v
	return nil
}

// Replay rebuilds a document from version 0.
func Replay(id string, records []Record) (*Document, error) {
	d := New(id)
	for _, rec := range records {
		if err := d.Apply(rec); err != nil {
			return nil, fmt.Errorf("replay version %d: %w", rec.Version, err)
		}
	}
	return d, nil
}

func (d *Document) liveRow(id string) (*Row, error) {
	r, ok := d.Rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRowNotFound, id)
	}
	if r.Deleted {
		return nil, fmt.Errorf("row %s is deleted", id)
	}
	return r, nil
}

// anchor drops anchors that are not live rows of the target list.
func (d *Document) anchor(after, participant string, kind ListKind) string {
	if after == "" || !d.LiveIn(after, participant, kind) {
		return ""
	}
	return after
}

func clampBadges(badges []Badge, content string) []Badge {
	n := utf8.RuneCountInString(content)
	for i := range badges {
		badges[i] = clampBadge(badges[i], n)
	}
	return badges
}

func clampBadge(b Badge, n int) Badge {
	b.Start = min(max(b.Start, 0), n)
	b.End = min(max(b.End, b.Start), n)
	return b
}
