package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/juju/fslock"
)

const (
	// DefaultScope is the scope plain packages install into.
	DefaultScope = "default"

	// PackageExt and SolutionExt name persisted package files. A
	// solution is distinguished by schema on load; the extension only
	// orders the startup scan.
	PackageExt  = ".pak"
	SolutionExt = ".sln.pak"

	indexFile = "installed.json"
	lockFile  = ".install.lock"
)

// lockTimeout bounds how long a store mutation waits for the
// cross-process lock before failing.
const lockTimeout = 10 * time.Second

// Entry records one installed package in the state index.
type Entry struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Scope       string    `json:"scope"`
	Solution    bool      `json:"solution,omitempty"`
	File        string    `json:"file"`
	InstalledAt time.Time `json:"installedAt"`
}

// Store persists package bytes under per-scope directories and keeps
// the installed-state index on disk. Mutations take a file lock so
// concurrent processes sharing the directory cannot interleave writes.
type Store struct {
	root string
	lock *fslock.Lock

	mu    sync.RWMutex
	index map[string]Entry
}

// NewStore opens (creating if needed) a package store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		root:  dir,
		lock:  fslock.New(filepath.Join(dir, lockFile)),
		index: make(map[string]Entry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func storeKey(scope, id string) string {
	return strings.ToLower(scope) + "/" + strings.ToLower(id)
}

// Path returns where a package for id in scope is persisted.
func (s *Store) Path(scope, id string, solution bool) string {
	ext := PackageExt
	if solution {
		ext = SolutionExt
	}
	return filepath.Join(s.root, scope, strings.ToLower(id)+ext)
}

// Lookup returns the index entry for id in scope.
func (s *Store) Lookup(scope, id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[storeKey(scope, id)]
	return e, ok
}

// Entries returns a snapshot of the installed-state index.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, e)
	}
	return out
}

// Save persists package bytes for id into scope. An existing entry is
// refused unless upgrade is set.
func (s *Store) Save(scope, id, version string, data []byte, solution, upgrade bool) (Entry, error) {
	if err := s.lock.LockWithTimeout(lockTimeout); err != nil {
		return Entry{}, fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(scope, id)
	if existing, ok := s.index[key]; ok && !upgrade {
		return Entry{}, fmt.Errorf("%w: %s %s in scope %s", ErrConflict, id, existing.Version, scope)
	}

	path := s.Path(scope, id, solution)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create scope dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write package: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Entry{}, fmt.Errorf("commit package: %w", err)
	}

	e := Entry{
		ID:          strings.ToLower(id),
		Version:     version,
		Scope:       scope,
		Solution:    solution,
		File:        path,
		InstalledAt: time.Now().UTC(),
	}
	s.index[key] = e
	if err := s.flushIndexLocked(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Read returns the persisted bytes for id in scope.
func (s *Store) Read(scope, id string) ([]byte, error) {
	e, ok := s.Lookup(scope, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s in scope %s", ErrNotInstalled, id, scope)
	}
	data, err := os.ReadFile(e.File)
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}
	return data, nil
}

// Delete removes the persisted file and index entry for id in scope.
func (s *Store) Delete(scope, id string) error {
	if err := s.lock.LockWithTimeout(lockTimeout); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(scope, id)
	e, ok := s.index[key]
	if !ok {
		return fmt.Errorf("%w: %s in scope %s", ErrNotInstalled, id, scope)
	}
	if err := os.Remove(e.File); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove package file: %w", err)
	}
	delete(s.index, key)
	return s.flushIndexLocked()
}

// Adopt records an entry for a file already on disk, used by startup
// recovery to rebuild index rows the index file lost.
func (s *Store) Adopt(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[storeKey(e.Scope, e.ID)] = e
	return s.flushIndexLocked()
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read installed index: %w", err)
	}
	var entries []Entry
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode installed index: %w", err)
	}
	for _, e := range entries {
		s.index[storeKey(e.Scope, e.ID)] = e
	}
	return nil
}

func (s *Store) flushIndexLocked() error {
	entries := make([]Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	data, err := sonic.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode installed index: %w", err)
	}
	path := filepath.Join(s.root, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write installed index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit installed index: %w", err)
	}
	return nil
}
