// Package dirstore provides the primitives shared by directory-based stores:
// one subdirectory per entity holding atomically replaced JSON files and
// append-only JSONL logs.
package dirstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned when an entity file does not exist.
var ErrNotFound = errors.New("not found")

// maxLine bounds a single JSONL record.
const maxLine = 4 << 20

// DirStore roots entity directories under baseDir. Each entity has its own
// lock so writers of different entities never wait on each other.
type DirStore struct {
	baseDir    string
	entityName string // for error messages: "document", "task"

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir, entityName string) *DirStore {
	return &DirStore{baseDir: baseDir, entityName: entityName, locks: make(map[string]*sync.RWMutex)}
}

// Entity returns the lock guarding an entity.
func (ds *DirStore) Entity(id string) *sync.RWMutex {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	l, ok := ds.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		ds.locks[id] = l
	}
	return l
}

// Dir returns the directory of an entity. Ids are path-escaped so they may
// contain separators.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, url.PathEscape(id))
}

// FilePath returns the path to a named file within an entity's directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.Dir(id), name)
}

// EnsureDir creates the entity directory (and parents) if it doesn't exist.
func (ds *DirStore) EnsureDir(id string) error {
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	return nil
}

// List returns the ids of all entities, sorted.
func (ds *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", ds.entityName, err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteJSON atomically replaces a JSON file using a temp file + fsync + rename.
func (ds *DirStore) WriteJSON(id, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return ds.WriteFileAtomic(id, name, data)
}

// ReadJSON reads and unmarshals a JSON file. Returns ErrNotFound when absent.
func (ds *DirStore) ReadJSON(id, name string, out any) error {
	data, err := os.ReadFile(ds.FilePath(id, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", ds.entityName, id, ErrNotFound)
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// WriteFileAtomic writes content to a named file through tmp + rename.
func (ds *DirStore) WriteFileAtomic(id, name string, content []byte) error {
	path := ds.FilePath(id, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s tmp: %w", name, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s tmp: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s tmp: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s tmp: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// AppendJSONL appends one JSON line and syncs it to disk before returning.
func (ds *DirStore) AppendJSONL(id, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	f, err := os.OpenFile(ds.FilePath(id, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		// drop the partial line so the next append starts clean
		_ = f.Truncate(info.Size())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", name, err)
	}
	return nil
}

// ScanJSONL decodes each line of a JSONL file into T and hands it to fn.
// A missing file yields no records. A torn trailing line (crash mid-append)
// is ignored; corruption anywhere else is an error.
func ScanJSONL[T any](ds *DirStore, id, name string, fn func(T) error) error {
	f, err := os.Open(ds.FilePath(id, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var pending error
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			pending = fmt.Errorf("%s line %d: %w", name, line, err)
			continue
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	return nil
}

// LoadJSONL reads all records of a JSONL file.
func LoadJSONL[T any](ds *DirStore, id, name string) ([]T, error) {
	var items []T
	err := ScanJSONL(ds, id, name, func(item T) error {
		items = append(items, item)
		return nil
	})
	return items, err
}
