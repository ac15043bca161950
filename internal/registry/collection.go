// Package registry holds installed applet manifests and resolves
// applet-scoped asset addresses against them.
package registry

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/appletforge/appletforge/internal/logging"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// ErrReadOnly is returned by write operations on a read-only view.
var ErrReadOnly = errors.New("collection is read-only")

// ContentResolver supplies content for assets whose content is absent,
// supporting lazy and external content sources.
type ContentResolver func(asset *types.AppletAsset) (types.AssetContent, error)

// Observer receives change events for structural mutations.
type Observer func(types.ChangeEvent)

// Collection is a mutable ordered set of applet manifests. It owns its
// manifests and the caches derived from them; every structural mutation
// clears the caches and notifies observers.
type Collection struct {
	mu           sync.RWMutex
	manifests    []*types.AppletManifest
	defaultID    string
	baseURL      string
	cacheEnabled bool
	resolver     ContentResolver
	observers    []Observer

	caches *CacheSet
	log    *logging.Logger
}

// NewCollection creates an empty collection with caching enabled.
func NewCollection(log *logging.Logger) *Collection {
	if log == nil {
		log = logging.NewNop()
	}
	return &Collection{
		cacheEnabled: true,
		caches:       NewCacheSet(),
		log:          log,
	}
}

// Add registers a manifest, replacing any entry with the same applet id
// in place.
func (c *Collection) Add(m *types.AppletManifest) {
	c.mu.Lock()
	action := types.ChangeAdd
	replaced := false
	for i, existing := range c.manifests {
		if existing.Equal(m) {
			c.manifests[i] = m
			action = types.ChangeReplace
			replaced = true
			break
		}
	}
	if !replaced {
		c.manifests = append(c.manifests, m)
	}
	if c.defaultID == "" {
		c.defaultID = m.Info.ID
	}
	c.mu.Unlock()

	c.mutated(types.NewChangeEvent(action, m.Info.ID))
}

// Remove deletes the manifest with the given id. It reports whether an
// entry was removed.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	idx := -1
	for i, m := range c.manifests {
		if strings.EqualFold(m.Info.ID, id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	removed := c.manifests[idx].Info.ID
	c.manifests = append(c.manifests[:idx], c.manifests[idx+1:]...)
	if strings.EqualFold(c.defaultID, id) {
		c.defaultID = ""
	}
	c.mu.Unlock()

	c.mutated(types.NewChangeEvent(types.ChangeRemove, removed))
	return true
}

// Clear removes every manifest.
func (c *Collection) Clear() {
	c.mu.Lock()
	c.manifests = nil
	c.defaultID = ""
	c.mu.Unlock()

	c.mutated(types.NewChangeEvent(types.ChangeReset))
}

// Get returns the manifest with the given applet id.
func (c *Collection) Get(id string) (*types.AppletManifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.manifests {
		if strings.EqualFold(m.Info.ID, id) {
			return m, true
		}
	}
	return nil, false
}

// Manifests returns the manifests in registration order. The slice is a
// copy; the manifests are shared.
func (c *Collection) Manifests() []*types.AppletManifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*types.AppletManifest(nil), c.manifests...)
}

// Len reports the number of registered manifests.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.manifests)
}

// Default returns the default applet's manifest, if set.
func (c *Collection) Default() (*types.AppletManifest, bool) {
	c.mu.RLock()
	id := c.defaultID
	c.mu.RUnlock()
	if id == "" {
		return nil, false
	}
	return c.Get(id)
}

// SetDefault sets the default applet pointer.
func (c *Collection) SetDefault(id string) {
	c.mu.Lock()
	c.defaultID = id
	c.mu.Unlock()
}

// BaseURL returns the prefix applet-relative links are rewritten under.
func (c *Collection) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL sets the link-rewriting prefix.
func (c *Collection) SetBaseURL(url string) {
	c.mu.Lock()
	c.baseURL = strings.TrimSuffix(url, "/")
	c.mu.Unlock()
}

// CacheEnabled reports whether render caching is on.
func (c *Collection) CacheEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheEnabled
}

// SetCacheEnabled toggles render caching. Disabling clears the caches.
func (c *Collection) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
	if !enabled {
		c.caches.Clear()
	}
}

// SetContentResolver installs the callback for absent asset content.
func (c *Collection) SetContentResolver(r ContentResolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// ResolveContent returns an asset's content, invoking the content
// resolver when the asset carries none. Resolved content is stored back
// on the asset so the resolver runs once per asset.
func (c *Collection) ResolveContent(asset *types.AppletAsset) (types.AssetContent, error) {
	c.mu.RLock()
	content := asset.Content
	resolver := c.resolver
	c.mu.RUnlock()

	if content.Kind != types.KindNone || resolver == nil {
		return content, nil
	}

	resolved, err := resolver(asset)
	if err != nil {
		return types.AssetContent{}, err
	}

	c.mu.Lock()
	if asset.Content.Kind == types.KindNone {
		asset.Content = resolved
	}
	content = asset.Content
	c.mu.Unlock()
	return content, nil
}

// Subscribe registers an observer for change events. Observers are
// invoked synchronously after the mutation commits.
func (c *Collection) Subscribe(fn Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Caches exposes the collection's cache set.
func (c *Collection) Caches() *CacheSet {
	return c.caches
}

// InvalidateCaches drops every cached derivation.
func (c *Collection) InvalidateCaches() {
	c.caches.Clear()
}

// ReadOnly returns a view that forwards reads and rejects writes.
func (c *Collection) ReadOnly() *ReadOnlyCollection {
	return &ReadOnlyCollection{c: c}
}

// mutated clears caches and notifies observers after a structural
// mutation.
func (c *Collection) mutated(event types.ChangeEvent) {
	c.caches.Clear()

	c.mu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.RUnlock()

	c.log.Debug("collection changed",
		zap.String("action", string(event.Action)),
		zap.Strings("applets", event.Applets),
	)
	for _, fn := range observers {
		fn(event)
	}
}

// ReadOnlyCollection forwards reads to an underlying collection and
// rejects every write.
type ReadOnlyCollection struct {
	c *Collection
}

// Get returns the manifest with the given applet id.
func (r *ReadOnlyCollection) Get(id string) (*types.AppletManifest, bool) { return r.c.Get(id) }

// Manifests returns the manifests in registration order.
func (r *ReadOnlyCollection) Manifests() []*types.AppletManifest { return r.c.Manifests() }

// Len reports the number of registered manifests.
func (r *ReadOnlyCollection) Len() int { return r.c.Len() }

// Default returns the default applet's manifest, if set.
func (r *ReadOnlyCollection) Default() (*types.AppletManifest, bool) { return r.c.Default() }

// ResolveAsset resolves an asset address against the underlying
// collection.
func (r *ReadOnlyCollection) ResolveAsset(path string, relativeTo *types.AppletAsset, lang string) *types.AppletAsset {
	return r.c.ResolveAsset(path, relativeTo, lang)
}

// Subscribe registers an observer on the underlying collection.
func (r *ReadOnlyCollection) Subscribe(fn Observer) { r.c.Subscribe(fn) }

// Add always fails on a read-only view.
func (r *ReadOnlyCollection) Add(*types.AppletManifest) error { return ErrReadOnly }

// Remove always fails on a read-only view.
func (r *ReadOnlyCollection) Remove(string) error { return ErrReadOnly }

// Clear always fails on a read-only view.
func (r *ReadOnlyCollection) Clear() error { return ErrReadOnly }
