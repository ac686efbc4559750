// Package directory answers two questions for the sync core: who may read
// and write which document (team membership), and which user an @mention
// names. Both come from a YAML file that can be reloaded at runtime.
//
//	users:
//	  - id: u_jordan
//	    handle: jordan
//	    display_name: Jordan Lee
//	    aliases: [jo]
//	teams:
//	  - name: platform
//	    members: [u_jordan, ana]        # user ids or handles
//	    documents: ["platform/**", "standup-*"]
package directory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownUser is returned when a mention matches no user.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInvalidDirectory is returned for files that fail validation.
	ErrInvalidDirectory = errors.New("invalid directory")
)

// User is one person who can join meetings.
type User struct {
	ID          string   `yaml:"id" json:"id"`
	Handle      string   `yaml:"handle" json:"handle"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Aliases     []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Team grants its members access to the documents matching its patterns.
type Team struct {
	Name      string   `yaml:"name" json:"name"`
	Members   []string `yaml:"members" json:"members"`
	Documents []string `yaml:"documents" json:"documents"`
}

type file struct {
	Users []User `yaml:"users"`
	Teams []Team `yaml:"teams"`
}

// snapshot is an immutable, indexed view of one directory file.
type snapshot struct {
	users    map[string]User   // by id
	mentions map[string]string // lowercased handle/alias/id -> id
	access   map[string][]string
}

// Directory is safe for concurrent use. Reload swaps the whole view.
type Directory struct {
	path string
	open bool

	mu   sync.RWMutex
	snap *snapshot
}

// Load reads the directory file at path.
func Load(path string) (*Directory, error) {
	d := &Directory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Open returns a directory that grants everyone access to every document
// and resolves mentions to the mentioned handle. Used when no directory file
// is configured.
func Open() *Directory {
	return &Directory{open: true, snap: &snapshot{users: map[string]User{}, mentions: map[string]string{}, access: map[string][]string{}}}
}

// Parse builds a directory from YAML content.
func Parse(data []byte) (*Directory, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Directory{snap: snap}, nil
}

// Reload re-reads the file. On error the previous view stays in place.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
	slog.Info("directory loaded", "path", d.path, "users", len(snap.users))
	return nil
}

func parse(data []byte) (*snapshot, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}

	s := &snapshot{
		users:    make(map[string]User, len(f.Users)),
		mentions: make(map[string]string),
		access:   make(map[string][]string),
	}
	for _, u := range f.Users {
		if u.ID == "" || u.Handle == "" {
			return nil, fmt.Errorf("%w: user needs id and handle", ErrInvalidDirectory)
		}
		if _, dup := s.users[u.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate user id %q", ErrInvalidDirectory, u.ID)
		}
		s.users[u.ID] = u
		for _, name := range append([]string{u.ID, u.Handle}, u.Aliases...) {
			key := strings.ToLower(name)
			if other, taken := s.mentions[key]; taken && other != u.ID {
				return nil, fmt.Errorf("%w: %q names both %s and %s", ErrInvalidDirectory, name, other, u.ID)
			}
			s.mentions[key] = u.ID
		}
	}

	for _, t := range f.Teams {
		for _, p := range t.Documents {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("%w: team %s: bad document pattern %q", ErrInvalidDirectory, t.Name, p)
			}
		}
		for _, m := range t.Members {
			id, ok := s.mentions[strings.ToLower(m)]
			if !ok {
				return nil, fmt.Errorf("%w: team %s: unknown member %q", ErrInvalidDirectory, t.Name, m)
			}
			s.access[id] = append(s.access[id], t.Documents...)
		}
	}
	return s, nil
}

func (d *Directory) current() *snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

// CanAccess reports whether participant may read and write documentID.
func (d *Directory) CanAccess(participant, documentID string) bool {
	if d.open {
		return participant != ""
	}
	for _, p := range d.current().access[participant] {
		if ok, _ := doublestar.Match(p, documentID); ok {
			return true
		}
	}
	return false
}

// ResolveMention maps an @mention token (with or without the @) to a user id.
func (d *Directory) ResolveMention(token string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(token), "@")
	if name == "" {
		return "", fmt.Errorf("%w: empty mention", ErrUnknownUser)
	}
	if d.open {
		return name, nil
	}
	id, ok := d.current().mentions[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: @%s", ErrUnknownUser, name)
	}
	return id, nil
}

// User returns a user by id.
func (d *Directory) User(id string) (User, bool) {
	u, ok := d.current().users[id]
	return u, ok
}

// Users returns the number of known users.
func (d *Directory) Users() int {
	return len(d.current().users)
}
