package lifecycle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/appletforge/appletforge/internal/codec"
	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// Recover rebuilds registry state from the persisted store at startup.
// Solution packages load before plain packages so merged applets win
// by the same rules as at install time. A duplicate solution id aborts
// startup; a duplicate plain package is skipped with a warning, first
// one wins.
func (m *Manager) Recover() error {
	var mu sync.Mutex
	var solutionFiles, packageFiles []string

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, m.store.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		mu.Lock()
		defer mu.Unlock()
		if ok, _ := doublestar.Match("*"+SolutionExt, name); ok {
			solutionFiles = append(solutionFiles, path)
		} else if ok, _ := doublestar.Match("*"+PackageExt, name); ok {
			packageFiles = append(packageFiles, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan store: %w", err)
	}
	sort.Strings(solutionFiles)
	sort.Strings(packageFiles)

	for _, path := range solutionFiles {
		if err := m.recoverSolution(path); err != nil {
			return err
		}
	}
	for _, path := range packageFiles {
		if err := m.recoverPackage(path); err != nil {
			return err
		}
	}

	m.metrics.SetApplets(m.col.Len())
	m.log.Info("startup recovery complete",
		zap.Int("solutions", len(solutionFiles)),
		zap.Int("packages", len(packageFiles)),
		zap.Int("applets", m.col.Len()),
	)
	return nil
}

func (m *Manager) recoverSolution(path string) error {
	data, err := m.readFile(path)
	if err != nil {
		return err
	}
	_, sln, err := codec.LoadBytes(data)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if sln == nil {
		return fmt.Errorf("%w: %s is not a solution", codec.ErrFormat, path)
	}

	m.mu.Lock()
	_, dup := m.solutions[strings.ToLower(sln.Meta.ID)]
	m.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: duplicate solution id %s at %s", ErrConflict, sln.Meta.ID, path)
	}
	return m.installSolution(sln, data, true)
}

func (m *Manager) recoverPackage(path string) error {
	scope, col := m.scopeFor(path)
	data, err := m.readFile(path)
	if err != nil {
		return err
	}
	pkg, sln, err := codec.LoadBytes(data)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if sln != nil {
		// Solutions persisted without the naming hint still load, just
		// without the ordering guarantee.
		return m.recoverSolution(path)
	}

	if _, exists := col.Get(pkg.Meta.ID); exists {
		m.log.Warn("duplicate package skipped",
			zap.String("applet", pkg.Meta.ID),
			zap.String("scope", scope),
			zap.String("file", path),
		)
		return nil
	}
	if _, err := m.installPackage(pkg, data, scope, col, true); err != nil {
		return fmt.Errorf("recover %s: %w", path, err)
	}
	return nil
}

// scopeFor maps a persisted file back to its scope by its directory
// relative to the store root.
func (m *Manager) scopeFor(path string) (string, *registry.Collection) {
	rel, err := filepath.Rel(m.store.Root(), filepath.Dir(path))
	if err != nil || rel == "." || rel == DefaultScope {
		return DefaultScope, m.col
	}
	scope := filepath.ToSlash(rel)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.solutions[strings.ToLower(scope)]; ok {
		return scope, s.col
	}
	return DefaultScope, m.col
}

func (m *Manager) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// MemoryTemplates is an in-process TemplateRepository.
type MemoryTemplates struct {
	mu        sync.RWMutex
	templates map[string]types.Template
}

func NewMemoryTemplates() *MemoryTemplates {
	return &MemoryTemplates{templates: make(map[string]types.Template)}
}

func (r *MemoryTemplates) Find(mnemonic string) (types.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[strings.ToLower(mnemonic)]
	return t, ok
}

func (r *MemoryTemplates) Insert(t types.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(t.Mnemonic)
	if _, exists := r.templates[key]; exists {
		return fmt.Errorf("%w: template %s", ErrConflict, t.Mnemonic)
	}
	r.templates[key] = t
	return nil
}

func (r *MemoryTemplates) All() []types.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mnemonic < out[j].Mnemonic })
	return out
}
