// Package document holds the versioned meeting-notes document: per-participant
// todo/blocker/done row lists, inline badges and the operations that mutate them.
//
// A Document is only ever changed by applying a Record (a versioned Operation).
// Applying the same records in the same order always yields byte-identical JSON.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrRowNotFound = errors.New("row not found")
	ErrVersionGap  = errors.New("record version does not follow document version")
)

// ListKind names one of the three per-participant row lists.
type ListKind string

const (
	ListTodo    ListKind = "todo"
	ListBlocker ListKind = "blocker"
	ListDone    ListKind = "done"
)

// Valid reports whether k is a known list kind.
func (k ListKind) Valid() bool {
	switch k {
	case ListTodo, ListBlocker, ListDone:
		return true
	}
	return false
}

// Stamp records who last wrote a row field and against which base.
// It is what concurrent writes to the same field are compared with.
type Stamp struct {
	OpID        string `json:"op_id"`
	Participant string `json:"participant"`
	Timestamp   int64  `json:"timestamp"`
	BaseVersion int64  `json:"base_version"`
	Version     int64  `json:"version"`
}

// Row is one line item. Deleted rows stay in Document.Rows as tombstones so
// their ids are never reused.
type Row struct {
	ID          string   `json:"id"`
	Participant string   `json:"participant"`
	List        ListKind `json:"list"`
	Content     string   `json:"content"`
	Badges      []Badge  `json:"badges,omitempty"`
	RowVersion  int64    `json:"row_version"`
	Deleted     bool     `json:"deleted,omitempty"`
	Text        *Stamp   `json:"text,omitempty"`
	Moved       *Stamp   `json:"moved,omitempty"`
}

// HasBadge reports whether a badge with the given id is attached.
func (r *Row) HasBadge(id string) bool {
	return slices.ContainsFunc(r.Badges, func(b Badge) bool { return b.ID == id })
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	c.Badges = slices.Clone(r.Badges)
	if r.Text != nil {
		t := *r.Text
		c.Text = &t
	}
	if r.Moved != nil {
		m := *r.Moved
		c.Moved = &m
	}
	return &c
}

// Lists holds the live row ids of one participant, in display order.
type Lists struct {
	Todo    []string `json:"todo"`
	Blocker []string `json:"blocker"`
	Done    []string `json:"done"`
}

func newLists() *Lists {
	return &Lists{Todo: []string{}, Blocker: []string{}, Done: []string{}}
}

func (l *Lists) slot(kind ListKind) *[]string {
	switch kind {
	case ListBlocker:
		return &l.Blocker
	case ListDone:
		return &l.Done
	default:
		return &l.Todo
	}
}

// Document is one meeting's notes at a given version.
type Document struct {
	ID           string            `json:"id"`
	Version      int64             `json:"version"`
	Participants map[string]*Lists `json:"participants"`
	Rows         map[string]*Row   `json:"rows"`
}

// New returns an empty document at version 0.
func New(id string) *Document {
	return &Document{
		ID:           id,
		Participants: make(map[string]*Lists),
		Rows:         make(map[string]*Row),
	}
}

// Row returns the row with the given id, tombstones included.
func (d *Document) Row(id string) (*Row, bool) {
	r, ok := d.Rows[id]
	return r, ok
}

// List returns a copy of the live row ids of a participant's list.
func (d *Document) List(participant string, kind ListKind) []string {
	l, ok := d.Participants[participant]
	if !ok {
		return []string{}
	}
	return slices.Clone(*l.slot(kind))
}

// LiveIn reports whether rowID is a live row currently placed in the given list.
func (d *Document) LiveIn(rowID, participant string, kind ListKind) bool {
	r, ok := d.Rows[rowID]
	if !ok || r.Deleted {
		return false
	}
	return r.Participant == participant && r.List == kind
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := &Document{
		ID:           d.ID,
		Version:      d.Version,
		Participants: make(map[string]*Lists, len(d.Participants)),
		Rows:         make(map[string]*Row, len(d.Rows)),
	}
	for p, l := range d.Participants {
		c.Participants[p] = &Lists{
			Todo:    slices.Clone(l.Todo),
			Blocker: slices.Clone(l.Blocker),
			Done:    slices.Clone(l.Done),
		}
	}
	for id, r := range d.Rows {
		c.Rows[id] = r.Clone()
	}
	return c
}

// MarshalCanonical encodes the document deterministically (map keys sorted).
func (d *Document) MarshalCanonical() ([]byte, error) {
	return json.Marshal(d)
}

// Checksum returns the hex SHA-256 of the canonical encoding.
func (d *Document) Checksum() (string, error) {
	data, err := d.MarshalCanonical()
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Unmarshal decodes a document previously produced by MarshalCanonical.
func Unmarshal(data []byte) (*Document, error) {
	d := New("")
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if d.Participants == nil {
		d.Participants = make(map[string]*Lists)
	}
	if d.Rows == nil {
		d.Rows = make(map[string]*Row)
	}
	return d, nil
}

func (d *Document) lists(participant string) *Lists {
	l, ok := d.Participants[participant]
	if !ok {
		l = newLists()
		d.Participants[participant] = l
	}
	return l
}

// place inserts rowID right after anchor in the target list, or at the start
// when the anchor is empty or not in that list.
func (d *Document) place(rowID, participant string, kind ListKind, anchor string) {
	slot := d.lists(participant).slot(kind)
	idx := 0
	if anchor != "" {
		if i := slices.Index(*slot, anchor); i >= 0 {
			idx = i + 1
		}
	}
	*slot = slices.Insert(*slot, idx, rowID)
}

func (d *Document) unplace(r *Row) {
	l, ok := d.Participants[r.Participant]
	if !ok {
		return
	}
	slot := l.slot(r.List)
	if i := slices.Index(*slot, r.ID); i >= 0 {
		*slot = slices.Delete(*slot, i, i+1)
	}
}
