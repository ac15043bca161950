package compose

import (
	"fmt"

	"github.com/appletforge/appletforge/internal/shared/types"
)

// LazyScripts collects the deferred script references of an HTML asset
// and of everything reachable from it through its layout and include
// chain. References are deduplicated and sigil-relative sources are
// rewritten to absolute paths.
func (r *Renderer) LazyScripts(asset *types.AppletAsset) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	var visit func(a *types.AppletAsset, depth int) error
	visit = func(a *types.AppletAsset, depth int) error {
		if depth > MaxDepth {
			return fmt.Errorf("%w: depth %d reached at %s/%s", ErrCycle, depth, a.Owner(), a.Name)
		}
		key := a.Owner() + "/" + a.Name
		if seen[key] {
			return nil
		}
		seen[key] = true

		content, err := r.col.ResolveContent(a)
		if err != nil {
			return err
		}
		unit := content.HTML
		if content.Kind == types.KindWidget && content.Widget != nil {
			unit = &content.Widget.HTML
		}
		if unit == nil {
			return nil
		}

		for _, ref := range unit.Scripts {
			if !ref.Lazy {
				continue
			}
			src := r.absoluteRef(a.Owner(), ref.Src)
			if !seen["src:"+src] {
				seen["src:"+src] = true
				out = append(out, src)
			}
		}

		if unit.Layout != "" {
			if layout := r.col.ResolveAsset(unit.Layout, a, a.Language); layout != nil {
				if err := visit(layout, depth+1); err != nil {
					return err
				}
			}
		}
		for _, m := range includeRe.FindAllStringSubmatch(unit.Markup.Text, -1) {
			ref := m[1]
			if ref == ContentMarker {
				continue
			}
			target := r.col.ResolveAsset(ref, a, a.Language)
			if target == nil {
				continue
			}
			if err := visit(target, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(asset, 0); err != nil {
		return nil, err
	}
	return out, nil
}
