package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/storage/dirstore"
)

const (
	opsFile      = "ops.jsonl"
	snapshotFile = "snapshot.json"
)

// FileStore persists each document as a directory holding ops.jsonl (one
// record per line) and snapshot.json.
type FileStore struct {
	ds *dirstore.DirStore

	mu    sync.Mutex
	index map[string]*fileIndex
}

// fileIndex caches what a scan of ops.jsonl told us.
type fileIndex struct {
	last int64
	ops  map[string]int64
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{
		ds:    dirstore.NewDirStore(baseDir, "document"),
		index: make(map[string]*fileIndex),
	}
}

// indexFor returns the cached index, scanning the log on first use.
// Caller holds the entity lock.
func (fs *FileStore) indexFor(id string) (*fileIndex, error) {
	fs.mu.Lock()
	idx, ok := fs.index[id]
	fs.mu.Unlock()
	if ok {
		return idx, nil
	}

	idx = &fileIndex{ops: make(map[string]int64)}
	err := dirstore.ScanJSONL(fs.ds, id, opsFile, func(rec document.Record) error {
		idx.last = rec.Version
		idx.ops[rec.Op.ID] = rec.Version
		return nil
	})
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.index[id] = idx
	fs.mu.Unlock()
	return idx, nil
}

func (fs *FileStore) AppendOperation(_ context.Context, documentID string, rec document.Record) error {
	lock := fs.ds.Entity(documentID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := fs.indexFor(documentID)
	if err != nil {
		return err
	}
	if _, dup := idx.ops[rec.Op.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, rec.Op.ID)
	}
	if rec.Version != idx.last+1 {
		return fmt.Errorf("%w: want %d, got %d", ErrVersionConflict, idx.last+1, rec.Version)
	}

	if err := fs.ds.EnsureDir(documentID); err != nil {
		return err
	}
	if err := fs.ds.AppendJSONL(documentID, opsFile, rec); err != nil {
		// The file may hold a partial line now; rescan on next use.
		fs.forget(documentID)
		return err
	}
	idx.last = rec.Version
	idx.ops[rec.Op.ID] = rec.Version
	return nil
}

func (fs *FileStore) ReadOperations(_ context.Context, documentID string, since int64) ([]document.Record, error) {
	lock := fs.ds.Entity(documentID)
	lock.RLock()
	defer lock.RUnlock()

	var out []document.Record
	err := dirstore.ScanJSONL(fs.ds, documentID, opsFile, func(rec document.Record) error {
		if rec.Version > since {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (fs *FileStore) LookupOperation(_ context.Context, documentID, opID string) (int64, bool, error) {
	lock := fs.ds.Entity(documentID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := fs.indexFor(documentID)
	if err != nil {
		return 0, false, err
	}
	v, ok := idx.ops[opID]
	return v, ok, nil
}

func (fs *FileStore) ReadSnapshot(_ context.Context, documentID string) (*document.Document, error) {
	lock := fs.ds.Entity(documentID)
	lock.RLock()
	defer lock.RUnlock()

	doc := document.New(documentID)
	if err := fs.ds.ReadJSON(documentID, snapshotFile, doc); err != nil {
		if errors.Is(err, dirstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

func (fs *FileStore) WriteSnapshot(_ context.Context, documentID string, doc *document.Document) error {
	data, err := doc.MarshalCanonical()
	if err != nil {
		return err
	}

	lock := fs.ds.Entity(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := fs.ds.EnsureDir(documentID); err != nil {
		return err
	}
	return fs.ds.WriteFileAtomic(documentID, snapshotFile, data)
}

func (fs *FileStore) ListDocuments(_ context.Context) ([]string, error) {
	return fs.ds.List()
}

func (fs *FileStore) Close() error { return nil }

func (fs *FileStore) forget(id string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.index, id)
}
