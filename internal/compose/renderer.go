// Package compose turns resolved assets into final renderable bytes:
// layout inheritance, include expansion, header injection, localization
// and binding substitution, and output caching.
package compose

import (
	"bytes"
	"fmt"
	"regexp"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/appletforge/appletforge/internal/logging"
	"github.com/appletforge/appletforge/internal/monitoring"
	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// MaxDepth bounds composition recursion. Exceeding it means a cyclic
// layout or include chain and fails with ErrCycle instead of exhausting
// the stack.
const MaxDepth = 32

// Options control one render call. The zero value renders with static
// script refs emitted and caching allowed, matching the defaults.
type Options struct {
	// Lang is the requested locale; empty skips localization.
	Lang string

	// Params are binding-token values substituted into the output.
	Params map[string]string

	// OmitStaticScripts suppresses static script-reference injection.
	OmitStaticScripts bool

	// NoCache bypasses the render cache for this call.
	NoCache bool

	// Nonce is the CSP nonce attached to injected rule script tags.
	Nonce string

	// Sanitize runs composed fragments of unsigned applets through an
	// HTML sanitizer.
	Sanitize bool
}

// Renderer composes assets against a collection. Bundles and the
// sanitizer policy live on the instance.
type Renderer struct {
	col       *registry.Collection
	bundles   *bundleSet
	sanitizer *bluemonday.Policy
	metrics   *monitoring.Metrics
	log       *logging.Logger
}

// NewRenderer creates a renderer over col.
func NewRenderer(col *registry.Collection, log *logging.Logger) *Renderer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Renderer{
		col:       col,
		bundles:   newBundleSet(),
		sanitizer: bluemonday.UGCPolicy(),
		log:       log,
	}
}

// WithMetrics attaches metric collectors.
func (r *Renderer) WithMetrics(m *monitoring.Metrics) *Renderer {
	r.metrics = m
	return r
}

// Render composes an asset into final bytes. A nil return with nil
// error means the asset has no renderable content.
func (r *Renderer) Render(asset *types.AppletAsset, opts Options) ([]byte, error) {
	return r.render(asset, opts, 0)
}

func (r *Renderer) render(asset *types.AppletAsset, opts Options, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d reached at %s/%s", ErrCycle, depth, asset.Owner(), asset.Name)
	}

	content, err := r.col.ResolveContent(asset)
	if err != nil {
		return nil, fmt.Errorf("resolve content for %s/%s: %w", asset.Owner(), asset.Name, err)
	}

	cacheable := !opts.NoCache && r.col.CacheEnabled()
	key := registry.RenderKey(asset, opts.Lang, opts.Params)
	if cacheable {
		if cached, ok := r.col.Caches().Rendered(key); ok {
			r.metrics.CacheHit()
			return cached, nil
		}
		r.metrics.CacheMiss()
	}

	start := time.Now()
	out, err := r.dispatch(asset, content, opts, depth)
	r.metrics.ObserveRender(string(content.Kind), start, err)
	if err != nil {
		r.log.Debug("render failed",
			zap.String("applet", asset.Owner()),
			zap.String("asset", asset.Name),
			zap.Error(err),
		)
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	if cacheable {
		out = r.col.Caches().StoreRendered(key, out)
	}
	return out, nil
}

// dispatch is the exhaustive match over the content union.
func (r *Renderer) dispatch(asset *types.AppletAsset, content types.AssetContent, opts Options, depth int) ([]byte, error) {
	switch content.Kind {
	case types.KindText:
		text := content.Text
		if scriptLikeMime(asset.MimeType) {
			text = substituteBindings(text, opts.Params)
		}
		return []byte(text), nil

	case types.KindBinary:
		data := content.Binary
		if bytes.HasPrefix(data, types.LZIPMagic) {
			// Content assigned through SetBinary is already
			// decompressed; this covers payloads injected raw.
			raw, err := decompressLZIP(data)
			if err != nil {
				return nil, err
			}
			data = raw
		}
		return data, nil

	case types.KindMarkup:
		return []byte(stripXMLDeclaration(content.Markup)), nil

	case types.KindHTML:
		return r.renderUnit(asset, content.HTML, opts, depth)

	case types.KindWidget:
		return r.renderUnit(asset, &content.Widget.HTML, opts, depth)

	case types.KindVirtual:
		return r.renderVirtual(asset, content.Patterns, opts, depth)

	default:
		return nil, nil
	}
}

// renderVirtual resolves the name patterns against the owning applet's
// assets and concatenates the renders in declaration order.
func (r *Renderer) renderVirtual(asset *types.AppletAsset, patterns []string, opts Options, depth int) ([]byte, error) {
	owner, ok := r.col.Get(asset.Owner())
	if !ok {
		return nil, fmt.Errorf("%w: owning applet %q", ErrNotFound, asset.Owner())
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("virtual asset %s/%s: pattern %q: %w", asset.Owner(), asset.Name, p, err)
		}
		compiled = append(compiled, re)
	}

	var out bytes.Buffer
	for _, candidate := range owner.Assets {
		if candidate == asset {
			continue
		}
		for _, re := range compiled {
			if !re.MatchString(candidate.Name) {
				continue
			}
			rendered, err := r.render(candidate, opts, depth+1)
			if err != nil {
				return nil, err
			}
			out.Write(rendered)
			break
		}
	}
	return out.Bytes(), nil
}

var xmlDeclRe = regexp.MustCompile(`^\s*<\?xml[^?]*\?>\s*`)

func stripXMLDeclaration(s string) string {
	return xmlDeclRe.ReplaceAllString(s, "")
}
