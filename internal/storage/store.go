// Package storage persists operation logs and document snapshots.
//
// Three backends share the Store contract: MemoryStore (tests, ephemeral
// meetings), FileStore (one directory per document with ops.jsonl and
// snapshot.json) and SQLStore (SQLite).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dohr-michael/huddle/internal/document"
)

var (
	// ErrVersionConflict means the record version is not the next one in the
	// stored log (another writer appended first).
	ErrVersionConflict = errors.New("version already taken")
	// ErrDuplicateOperation means the operation id is already in the log.
	ErrDuplicateOperation = errors.New("operation id already appended")
)

// Store is the durability contract of the operation log.
type Store interface {
	// AppendOperation durably appends rec. rec.Version must be the stored
	// last version + 1.
	AppendOperation(ctx context.Context, documentID string, rec document.Record) error
	// ReadOperations returns the records with version > since, in order.
	ReadOperations(ctx context.Context, documentID string, since int64) ([]document.Record, error)
	// LookupOperation returns the version assigned to an operation id.
	LookupOperation(ctx context.Context, documentID, opID string) (int64, bool, error)
	// ReadSnapshot returns the latest snapshot, or nil when none was written.
	ReadSnapshot(ctx context.Context, documentID string) (*document.Document, error)
	// WriteSnapshot stores doc as the latest snapshot of its document.
	WriteSnapshot(ctx context.Context, documentID string, doc *document.Document) error
	// ListDocuments returns the ids of every document with a log.
	ListDocuments(ctx context.Context) ([]string, error)
	Close() error
}

// Open returns the store selected by driver: "memory", "file" or "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := OpenSQL(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		return NewFileStore(path), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func encodeRecord(rec document.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record %d: %w", rec.Version, err)
	}
	return string(data), nil
}

func decodeRecord(payload string) (document.Record, error) {
	var rec document.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
