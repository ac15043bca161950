// Package lifecycle installs, upgrades, and uninstalls applet packages
// and solutions across registry scopes, persisting them through a
// locked on-disk store.
package lifecycle

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/appletforge/appletforge/internal/codec"
	"github.com/appletforge/appletforge/internal/logging"
	"github.com/appletforge/appletforge/internal/monitoring"
	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// TemplateRepository receives template definitions propagated from
// installed packages.
type TemplateRepository interface {
	Find(mnemonic string) (types.Template, bool)
	Insert(t types.Template) error
}

// ManagerService is the package-lifecycle contract exposed to hosts.
type ManagerService interface {
	Applets() *registry.ReadOnlyCollection
	Subscribe(fn registry.Observer)
	Install(data []byte, upgrade bool) (*types.AppletManifest, error)
	Uninstall(id string) error
	GetApplet(id string) (*types.AppletManifest, bool)
	LoadApplet(m *types.AppletManifest)
	GetPackage(id string) ([]byte, error)
}

// SolutionService is the solution-lifecycle contract exposed to hosts.
type SolutionService interface {
	Solutions() []types.AppletInfo
	InstallSolution(data []byte, upgrade bool) error
	UninstallSolution(id string) error
	GetApplets(solutionID string) []*types.AppletManifest
}

type solutionScope struct {
	info types.AppletInfo
	col  *registry.Collection
}

// Manager drives the applet install state machine over a default scope
// plus one scope per installed solution.
type Manager struct {
	codec     *codec.Codec
	trust     codec.TrustStore
	policy    codec.VerifyPolicy
	store     *Store
	templates TemplateRepository
	metrics   *monitoring.Metrics
	log       *logging.Logger

	col *registry.Collection

	mu        sync.RWMutex
	solutions map[string]*solutionScope
}

var (
	_ ManagerService  = (*Manager)(nil)
	_ SolutionService = (*Manager)(nil)
)

// NewManager wires a lifecycle manager over the default scope
// collection. templates may be nil when no host repository consumes
// propagated templates.
func NewManager(c *codec.Codec, trust codec.TrustStore, policy codec.VerifyPolicy, store *Store, col *registry.Collection, templates TemplateRepository, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		codec:     c,
		trust:     trust,
		policy:    policy,
		store:     store,
		templates: templates,
		log:       log,
		col:       col,
		solutions: make(map[string]*solutionScope),
	}
}

// WithMetrics attaches metric collectors.
func (m *Manager) WithMetrics(mt *monitoring.Metrics) *Manager {
	m.metrics = mt
	return m
}

// Applets returns a read-only view of the default scope.
func (m *Manager) Applets() *registry.ReadOnlyCollection { return m.col.ReadOnly() }

// Subscribe registers a change observer on the default scope.
func (m *Manager) Subscribe(fn registry.Observer) { m.col.Subscribe(fn) }

// Install verifies, persists, and registers a plain package into the
// default scope. Nothing is committed when verification fails. Passing
// solution bytes is routed to InstallSolution.
func (m *Manager) Install(data []byte, upgrade bool) (*types.AppletManifest, error) {
	pkg, sln, err := codec.LoadBytes(data)
	if err != nil {
		m.metrics.Install(false)
		return nil, err
	}
	if sln != nil {
		if err := m.installSolution(sln, data, upgrade); err != nil {
			return nil, err
		}
		return nil, nil
	}

	manifest, err := m.installPackage(pkg, data, DefaultScope, m.col, upgrade)
	m.metrics.Install(err == nil)
	if err != nil {
		return nil, err
	}
	m.metrics.SetApplets(m.col.Len())
	return manifest, nil
}

// installPackage runs the per-package state machine against one scope.
func (m *Manager) installPackage(pkg *types.AppletPackage, raw []byte, scope string, col *registry.Collection, upgrade bool) (*types.AppletManifest, error) {
	if err := codec.VerifyPackage(pkg, m.trust, m.policy); err != nil {
		return nil, fmt.Errorf("verify %s: %w", pkg.Meta.ID, err)
	}

	m.warnUnmetDependencies(pkg.Meta, col)

	if _, err := m.store.Save(scope, pkg.Meta.ID, pkg.Meta.Version, raw, false, upgrade); err != nil {
		return nil, err
	}

	manifest, err := m.codec.Unpack(pkg)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", pkg.Meta.ID, err)
	}
	col.Add(manifest)
	m.propagateTemplates(manifest)
	col.InvalidateCaches()

	m.log.Info("applet installed",
		zap.String("applet", manifest.Info.ID),
		zap.String("version", manifest.Info.Version),
		zap.String("scope", scope),
		zap.Bool("upgrade", upgrade),
	)
	return manifest, nil
}

// warnUnmetDependencies checks declared dependencies against the
// scope's installed applets. Unmet dependencies never block an install.
func (m *Manager) warnUnmetDependencies(info types.AppletInfo, col *registry.Collection) {
	for _, unmet := range unmetDependencies(info, col) {
		if unmet.Installed == "" {
			m.log.Warn("dependency not installed",
				zap.String("applet", info.ID),
				zap.String("dependency", unmet.Dep.ID),
				zap.String("wanted", unmet.Dep.Version),
			)
			continue
		}
		m.log.Warn("dependency version unmet",
			zap.String("applet", info.ID),
			zap.String("dependency", unmet.Dep.ID),
			zap.String("wanted", unmet.Dep.Version),
			zap.String("installed", unmet.Installed),
		)
	}
}

// unmetDependency describes one unsatisfied dependency. Installed is
// empty when the dependency is absent from the scope entirely.
type unmetDependency struct {
	Dep       types.AppletName
	Installed string
}

// unmetDependencies reports which of info's dependencies the scope does
// not satisfy. A dependency pinned to a public key token is met by
// signer identity alone; otherwise the installed version must reach the
// declared minimum.
func unmetDependencies(info types.AppletInfo, col *registry.Collection) []unmetDependency {
	var unmet []unmetDependency
	for _, dep := range info.Dependencies {
		installed, ok := col.Get(dep.ID)
		if !ok {
			unmet = append(unmet, unmetDependency{Dep: dep})
			continue
		}
		name := installed.Info.AppletName
		if dep.PublicKeyToken != "" && name.PublicKeyToken == dep.PublicKeyToken {
			continue
		}
		if !name.Satisfies(dep) {
			unmet = append(unmet, unmetDependency{Dep: dep, Installed: name.Version})
		}
	}
	return unmet
}

// propagateTemplates copies the manifest's templates into the host
// repository, skipping mnemonics already present there.
func (m *Manager) propagateTemplates(manifest *types.AppletManifest) {
	if m.templates == nil {
		return
	}
	for _, t := range manifest.Templates {
		if _, exists := m.templates.Find(t.Mnemonic); exists {
			continue
		}
		if err := m.templates.Insert(t); err != nil {
			m.log.Warn("template propagation failed",
				zap.String("mnemonic", t.Mnemonic),
				zap.Error(err),
			)
		}
	}
}

// Uninstall removes an applet from the default scope. It refuses when
// other installed applets in the scope depend on it.
func (m *Manager) Uninstall(id string) error {
	target, ok := m.col.Get(id)
	if !ok {
		m.metrics.Uninstall(false)
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	dependents := lo.FilterMap(m.col.Manifests(), func(other *types.AppletManifest, _ int) (string, bool) {
		if other.Equal(target) {
			return "", false
		}
		for _, dep := range other.Info.Dependencies {
			if dep.SameApplet(target.Info.AppletName) {
				return other.Info.ID, true
			}
		}
		return "", false
	})
	if len(dependents) > 0 {
		m.metrics.Uninstall(false)
		return fmt.Errorf("%w: %s required by %s", ErrHasDependents, id, strings.Join(dependents, ", "))
	}

	// Remove the persisted file first so a failed delete leaves the
	// applet registered instead of resurrecting on the next recovery.
	if err := m.store.Delete(DefaultScope, target.Info.ID); err != nil {
		m.metrics.Uninstall(false)
		return err
	}
	m.col.Remove(target.Info.ID)
	m.col.InvalidateCaches()
	m.metrics.Uninstall(true)
	m.metrics.SetApplets(m.col.Len())
	m.log.Info("applet uninstalled", zap.String("applet", target.Info.ID))
	return nil
}

// GetApplet looks an applet up in the default scope.
func (m *Manager) GetApplet(id string) (*types.AppletManifest, bool) {
	return m.col.Get(id)
}

// LoadApplet registers a manifest directly without persistence, for
// hosts that assemble manifests in memory.
func (m *Manager) LoadApplet(manifest *types.AppletManifest) {
	manifest.Initialize()
	m.col.Add(manifest)
	m.col.InvalidateCaches()
}

// GetPackage returns the persisted package bytes for an applet in the
// default scope.
func (m *Manager) GetPackage(id string) ([]byte, error) {
	return m.store.Read(DefaultScope, id)
}

// Solutions lists installed solution metadata.
func (m *Manager) Solutions() []types.AppletInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.AppletInfo, 0, len(m.solutions))
	for _, s := range m.solutions {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetApplets returns the manifests of a solution's scope.
func (m *Manager) GetApplets(solutionID string) []*types.AppletManifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.solutions[strings.ToLower(solutionID)]
	if !ok {
		return nil
	}
	return s.col.Manifests()
}

// InstallSolution verifies and installs a solution package: a dedicated
// scope holds the nested applets, which are then merged into the
// default scope preferring the higher version on id collision.
func (m *Manager) InstallSolution(data []byte, upgrade bool) error {
	_, sln, err := codec.LoadBytes(data)
	if err != nil {
		return err
	}
	if sln == nil {
		return fmt.Errorf("%w: not a solution package", codec.ErrFormat)
	}
	return m.installSolution(sln, data, upgrade)
}

func (m *Manager) installSolution(sln *types.AppletSolution, raw []byte, upgrade bool) error {
	if err := codec.VerifySolution(sln, m.trust, m.policy); err != nil {
		m.metrics.Install(false)
		return fmt.Errorf("verify solution %s: %w", sln.Meta.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(sln.Meta.ID)
	scope, exists := m.solutions[key]
	if exists && !upgrade {
		m.metrics.Install(false)
		return fmt.Errorf("%w: solution %s", ErrConflict, sln.Meta.ID)
	}
	if !exists {
		scope = &solutionScope{col: registry.NewCollection(m.log)}
	}
	scope.info = sln.Meta

	if _, err := m.store.Save(sln.Meta.ID, sln.Meta.ID, sln.Meta.Version, raw, true, upgrade); err != nil {
		m.metrics.Install(false)
		return err
	}

	for i := range sln.Packages {
		pkg := &sln.Packages[i]
		if existing, ok := scope.col.Get(pkg.Meta.ID); ok {
			if !pkg.Meta.AppletName.NewerThan(existing.Info.AppletName) {
				continue
			}
		}
		manifest, err := m.codec.Unpack(pkg)
		if err != nil {
			m.metrics.Install(false)
			return fmt.Errorf("unpack %s from solution %s: %w", pkg.Meta.ID, sln.Meta.ID, err)
		}
		m.warnUnmetDependencies(pkg.Meta, scope.col)
		scope.col.Add(manifest)
		m.propagateTemplates(manifest)
	}

	m.solutions[key] = scope
	m.mergeIntoDefault(scope)
	m.col.InvalidateCaches()
	m.metrics.Install(true)
	m.metrics.SetApplets(m.col.Len())
	m.log.Info("solution installed",
		zap.String("solution", sln.Meta.ID),
		zap.Int("applets", scope.col.Len()),
	)
	return nil
}

// mergeIntoDefault copies a solution scope's applets into the default
// scope, keeping whichever version is higher on collision.
func (m *Manager) mergeIntoDefault(scope *solutionScope) {
	for _, manifest := range scope.col.Manifests() {
		if existing, ok := m.col.Get(manifest.Info.ID); ok {
			if !manifest.Info.AppletName.NewerThan(existing.Info.AppletName) {
				continue
			}
		}
		m.col.Add(manifest)
	}
}

// UninstallSolution removes a solution's scope and withdraws its
// applets from the default scope where they are still the registered
// entry.
func (m *Manager) UninstallSolution(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(id)
	scope, ok := m.solutions[key]
	if !ok {
		return fmt.Errorf("%w: solution %s", ErrNotInstalled, id)
	}
	for _, manifest := range scope.col.Manifests() {
		if current, found := m.col.Get(manifest.Info.ID); found && current == manifest {
			m.col.Remove(manifest.Info.ID)
		}
	}
	delete(m.solutions, key)
	if err := m.store.Delete(scope.info.ID, scope.info.ID); err != nil {
		return err
	}
	m.col.InvalidateCaches()
	m.metrics.SetApplets(m.col.Len())
	m.log.Info("solution uninstalled", zap.String("solution", id))
	return nil
}
