package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dohr-michael/huddle/internal/document"
)

// MemoryStore keeps logs in process memory. Snapshots are stored encoded so
// callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memLog
}

type memLog struct {
	records  []document.Record
	opIndex  map[string]int64
	snapshot []byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memLog)}
}

func (s *MemoryStore) log(id string) *memLog {
	l, ok := s.docs[id]
	if !ok {
		l = &memLog{opIndex: make(map[string]int64)}
		s.docs[id] = l
	}
	return l
}

func (s *MemoryStore) AppendOperation(_ context.Context, documentID string, rec document.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(documentID)
	if _, dup := l.opIndex[rec.Op.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, rec.Op.ID)
	}
	if want := int64(len(l.records)) + 1; rec.Version != want {
		return fmt.Errorf("%w: want %d, got %d", ErrVersionConflict, want, rec.Version)
	}
	l.records = append(l.records, rec)
	l.opIndex[rec.Op.ID] = rec.Version
	return nil
}

func (s *MemoryStore) ReadOperations(_ context.Context, documentID string, since int64) ([]document.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.docs[documentID]
	if !ok || since >= int64(len(l.records)) {
		return nil, nil
	}
	since = max(since, 0)
	return slices.Clone(l.records[since:]), nil
}

func (s *MemoryStore) LookupOperation(_ context.Context, documentID, opID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.docs[documentID]
	if !ok {
		return 0, false, nil
	}
	v, ok := l.opIndex[opID]
	return v, ok, nil
}

func (s *MemoryStore) ReadSnapshot(_ context.Context, documentID string) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.docs[documentID]
	if !ok || l.snapshot == nil {
		return nil, nil
	}
	return document.Unmarshal(l.snapshot)
}

func (s *MemoryStore) WriteSnapshot(_ context.Context, documentID string, doc *document.Document) error {
	data, err := doc.MarshalCanonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log(documentID).snapshot = data
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id, l := range s.docs {
		if len(l.records) > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
