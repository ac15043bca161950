package compose

import "sync"

// Bundle is a named group of header references injectable into composed
// pages by reference. Bundles are registered on the renderer instance,
// so independent renderers never share state.
type Bundle struct {
	Name    string
	Scripts []string
	Styles  []string
}

type bundleSet struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

func newBundleSet() *bundleSet {
	return &bundleSet{bundles: make(map[string]Bundle)}
}

func (s *bundleSet) register(b Bundle) {
	s.mu.Lock()
	s.bundles[b.Name] = b
	s.mu.Unlock()
}

func (s *bundleSet) get(name string) (Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[name]
	return b, ok
}

// RegisterBundle registers a header bundle, replacing any previous
// bundle with the same name.
func (r *Renderer) RegisterBundle(b Bundle) {
	r.bundles.register(b)
}
