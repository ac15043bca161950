package registry

import (
	"net/url"
	"strings"

	"github.com/appletforge/appletforge/internal/shared/types"
)

// RelativeSigil prefixes applet-relative asset addresses.
const RelativeSigil = "~"

// IndexAsset is the asset name an empty or trailing-slash remainder
// resolves to.
const IndexAsset = "index.html"

// ResolveAsset resolves an asset address to a concrete asset record.
//
// The ordering is fixed — sigil rewrite, explicit host, dotted segment
// accumulation, relative fallback, index default — because callers
// depend on deterministic resolution for cache-key stability. It
// returns nil when nothing matches.
func (c *Collection) ResolveAsset(path string, relativeTo *types.AppletAsset, lang string) *types.AppletAsset {
	if strings.HasPrefix(path, RelativeSigil) {
		if relativeTo == nil || relativeTo.Owner() == "" {
			return nil
		}
		rest := strings.TrimPrefix(path, RelativeSigil)
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		path = "/" + relativeTo.Owner() + rest
	}

	u, err := url.Parse(path)
	if err != nil {
		return nil
	}

	var (
		target    *types.AppletManifest
		remainder string
	)
	if u.Host != "" {
		target, _ = c.Get(u.Host)
		remainder = u.Path
	} else {
		target, remainder = c.matchDottedPrefix(u.Path)
		if target == nil && relativeTo != nil {
			target, _ = c.Get(relativeTo.Owner())
			remainder = u.Path
		}
	}
	if target == nil {
		return nil
	}

	name := strings.TrimPrefix(remainder, "/")
	if name == "" || strings.HasSuffix(name, "/") {
		name += IndexAsset
	}
	return assetFor(target, name, lang)
}

// matchDottedPrefix walks the path left to right, accumulating dotted
// segments (/org/x/y tries org, org.x, org.x.y) and stopping at the
// first prefix naming a known applet. The second return is the
// unconsumed remainder.
func (c *Collection) matchDottedPrefix(path string) (*types.AppletManifest, string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil, ""
	}
	segments := strings.Split(trimmed, "/")
	for i := range segments {
		candidate := strings.Join(segments[:i+1], ".")
		if m, ok := c.Get(candidate); ok {
			return m, strings.Join(segments[i+1:], "/")
		}
	}
	return nil, ""
}

// assetFor finds the named asset, preferring a language-specific
// variant for lang, then a language-neutral one, then the first match
// in declaration order.
func assetFor(m *types.AppletManifest, name, lang string) *types.AppletAsset {
	name = strings.ToLower(name)
	var neutral, first *types.AppletAsset
	for _, a := range m.Assets {
		if a.Name != name {
			continue
		}
		if lang != "" && strings.EqualFold(a.Language, lang) {
			return a
		}
		if a.Language == "" && neutral == nil {
			neutral = a
		}
		if first == nil {
			first = a
		}
	}
	if neutral != nil {
		return neutral
	}
	return first
}

// ResolveString resolves a localized string for an applet, caching the
// lookup. Resolution prefers the exact locale, then neutral entries,
// then falls back to the key itself.
func (c *Collection) ResolveString(appletID, key, lang string) string {
	cacheKey := appletID + "|" + strings.ToLower(lang) + "|" + key
	if c.CacheEnabled() {
		if v, ok := c.caches.String(cacheKey); ok {
			return v
		}
	}

	value := key
	if m, ok := c.Get(appletID); ok {
		if v, found := m.String(key, lang); found {
			value = v
		}
	}

	if c.CacheEnabled() {
		value = c.caches.StoreString(cacheKey, value)
	}
	return value
}

// FindTemplate locates a template definition by mnemonic across all
// manifests, caching the hit.
func (c *Collection) FindTemplate(mnemonic string) (types.Template, bool) {
	if c.CacheEnabled() {
		if t, ok := c.caches.Template(mnemonic); ok {
			return t, true
		}
	}
	for _, m := range c.Manifests() {
		for _, t := range m.Templates {
			if t.Mnemonic == mnemonic {
				if c.CacheEnabled() {
					t = c.caches.StoreTemplate(t)
				}
				return t, true
			}
		}
	}
	return types.Template{}, false
}

// FindViewModel locates a view-model description by name across all
// manifests, caching the hit.
func (c *Collection) FindViewModel(name string) (types.ViewModelDefinition, bool) {
	if c.CacheEnabled() {
		if vm, ok := c.caches.ViewModel(name); ok {
			return vm, true
		}
	}
	for _, m := range c.Manifests() {
		for _, vm := range m.ViewModels {
			if vm.Name == name {
				if c.CacheEnabled() {
					vm = c.caches.StoreViewModel(vm)
				}
				return vm, true
			}
		}
	}
	return types.ViewModelDefinition{}, false
}
