package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/appletforge/appletforge/internal/shared/types"
)

// CacheSet holds the collection's derived-value caches: rendered bytes,
// resolved strings, template definitions, and view-model descriptions.
// Inserts are checked: the first writer wins and concurrent losers get
// the stored value back, so redundant renders never corrupt the cache.
type CacheSet struct {
	mu         sync.RWMutex
	rendered   map[string][]byte
	strings    map[string]string
	templates  map[string]types.Template
	viewModels map[string]types.ViewModelDefinition
}

// NewCacheSet creates an empty cache set.
func NewCacheSet() *CacheSet {
	c := &CacheSet{}
	c.reset()
	return c
}

func (c *CacheSet) reset() {
	c.rendered = make(map[string][]byte)
	c.strings = make(map[string]string)
	c.templates = make(map[string]types.Template)
	c.viewModels = make(map[string]types.ViewModelDefinition)
}

// Clear drops every cached entry.
func (c *CacheSet) Clear() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}

// RenderKey derives the cache key for a render: asset identity plus
// locale plus the sorted binding-parameter pairs.
func RenderKey(asset *types.AppletAsset, lang string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(asset.Owner())
	b.WriteByte('/')
	b.WriteString(asset.Name)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(lang))
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(params[k])
		}
	}
	return b.String()
}

// Rendered returns cached render output.
func (c *CacheSet) Rendered(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rendered[key]
	return v, ok
}

// StoreRendered inserts render output, returning the winning value when
// another writer got there first.
func (c *CacheSet) StoreRendered(key string, value []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.rendered[key]; ok {
		return existing
	}
	c.rendered[key] = value
	return value
}

// String returns a cached string lookup.
func (c *CacheSet) String(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.strings[key]
	return v, ok
}

// StoreString inserts a string lookup result, first writer wins.
func (c *CacheSet) StoreString(key, value string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.strings[key]; ok {
		return existing
	}
	c.strings[key] = value
	return value
}

// Template returns a cached template definition.
func (c *CacheSet) Template(mnemonic string) (types.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.templates[mnemonic]
	return v, ok
}

// StoreTemplate caches a template definition, first writer wins.
func (c *CacheSet) StoreTemplate(t types.Template) types.Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.templates[t.Mnemonic]; ok {
		return existing
	}
	c.templates[t.Mnemonic] = t
	return t
}

// ViewModel returns a cached view-model description.
func (c *CacheSet) ViewModel(name string) (types.ViewModelDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.viewModels[name]
	return v, ok
}

// StoreViewModel caches a view-model description, first writer wins.
func (c *CacheSet) StoreViewModel(vm types.ViewModelDefinition) types.ViewModelDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.viewModels[vm.Name]; ok {
		return existing
	}
	c.viewModels[vm.Name] = vm
	return vm
}
