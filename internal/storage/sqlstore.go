package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/huddle/internal/document"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	document_id TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	op_id       TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	created_at  TEXT    NOT NULL,
	PRIMARY KEY (document_id, version),
	UNIQUE (document_id, op_id)
);
CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	payload     TEXT    NOT NULL,
	updated_at  TEXT    NOT NULL
);
`

// SQLStore keeps logs in SQLite. The (document_id, op_id) unique constraint
// makes idempotency structural; the primary key rejects a second writer
// claiming the same version.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens (or creates) a SQLite database at path. ":memory:" is accepted.
func OpenSQL(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) AppendOperation(ctx context.Context, documentID string, rec document.Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM operations WHERE document_id = ? AND op_id = ?`,
		documentID, rec.Op.ID,
	).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, rec.Op.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup op: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM operations WHERE document_id = ?`, documentID,
	).Scan(&last); err != nil {
		return fmt.Errorf("last version: %w", err)
	}
	if rec.Version != last+1 {
		return fmt.Errorf("%w: want %d, got %d", ErrVersionConflict, last+1, rec.Version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operations (document_id, version, op_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		documentID, rec.Version, rec.Op.ID, payload, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return fmt.Errorf("insert op: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) ReadOperations(ctx context.Context, documentID string, since int64) ([]document.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM operations WHERE document_id = ? AND version > ? ORDER BY version`,
		documentID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var out []document.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) LookupOperation(ctx context.Context, documentID, opID string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM operations WHERE document_id = ? AND op_id = ?`, documentID, opID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup op: %w", err)
	}
	return v, true, nil
}

func (s *SQLStore) ReadSnapshot(ctx context.Context, documentID string) (*document.Document, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE document_id = ?`, documentID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return document.Unmarshal([]byte(payload))
}

func (s *SQLStore) WriteSnapshot(ctx context.Context, documentID string, doc *document.Document) error {
	data, err := doc.MarshalCanonical()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (document_id, version, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET
		   version = excluded.version,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at
		 WHERE excluded.version >= snapshots.version`,
		documentID, doc.Version, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM operations ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
