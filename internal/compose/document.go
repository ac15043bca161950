package compose

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/ulikunitz/xz/lzma"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/shared/types"
)

// ContentMarker is the reserved include reference a layout uses to mark
// where the inheriting unit's body is spliced in.
const ContentMarker = "content"

// ShellAttr marks the element that hosts routed views. Its presence in
// a document switches header injection to aggregate over every
// registered view unit.
const ShellAttr = "data-applet-shell"

// RulesPrefix is the asset-name namespace whose script assets are
// appended to every composed document.
const RulesPrefix = "rules/"

var includeRe = regexp.MustCompile(`<!--\s*#include\s+(?:file|virtual)="([^"]+)"\s*-->`)

// compositionMode is determined by the first start tag of a unit's
// markup source.
type compositionMode int

const (
	modeFragment compositionMode = iota
	modeBody
	modeDocument
)

// renderUnit runs the full composition pipeline on one HTML unit.
func (r *Renderer) renderUnit(asset *types.AppletAsset, unit *types.AssetHTML, opts Options, depth int) ([]byte, error) {
	unit = unit.Clone()
	source := unit.Markup.Text

	// Static units bypass composition entirely and are emitted verbatim.
	if unit.Static {
		return []byte(source), nil
	}

	mode := detectMode(source)
	var container *html.Node
	var err error

	switch mode {
	case modeDocument:
		container, err = html.Parse(strings.NewReader(source))
	case modeBody:
		container, err = html.Parse(strings.NewReader("<html>" + source + "</html>"))
	default:
		container, err = fragmentContainer(source)
	}
	if err != nil {
		return nil, &MarkupError{Applet: asset.Owner(), Asset: asset.Name, Err: err}
	}

	documentMode := mode != modeFragment

	// A fragment with a layout is rendered by composing the layout as
	// its own document and splicing the fragment at the content marker.
	if !documentMode && unit.Layout != "" {
		container, documentMode, err = r.composeWithLayout(asset, unit, container, opts, depth)
		if err != nil {
			return nil, err
		}
	}

	if documentMode {
		scripts, styles, err := r.computeHeaders(asset, unit, opts, hasShellMarker(container))
		if err != nil {
			return nil, err
		}
		injectHead(container, scripts, styles)
		injectTitle(container, unit.Title(opts.Lang))
		r.appendRuleScripts(container, asset, opts)
	}

	if err := r.expandIncludes(container, asset, opts, depth); err != nil {
		return nil, err
	}
	r.rewriteSigils(container, asset.Owner())

	var buf bytes.Buffer
	if err := html.Render(&buf, container); err != nil {
		return nil, &MarkupError{Applet: asset.Owner(), Asset: asset.Name, Err: err}
	}
	out := buf.String()

	if opts.Lang != "" {
		out = substituteI18n(out, func(key string) string {
			return r.col.ResolveString(asset.Owner(), key, opts.Lang)
		})
	}
	out = substituteBindings(out, opts.Params)

	if !documentMode && opts.Sanitize && r.isUnsigned(asset.Owner()) {
		out = r.sanitizer.Sanitize(out)
	}
	return []byte(out), nil
}

// composeWithLayout renders the layout asset through the full pipeline
// and splices the fragment's nodes at the layout's content marker. The
// result adopts the layout's document-ness.
func (r *Renderer) composeWithLayout(asset *types.AppletAsset, unit *types.AssetHTML, fragment *html.Node, opts Options, depth int) (*html.Node, bool, error) {
	layoutAsset := r.col.ResolveAsset(unit.Layout, asset, opts.Lang)
	if layoutAsset == nil {
		return nil, false, fmt.Errorf("%w: layout %q of %s/%s", ErrNotFound, unit.Layout, asset.Owner(), asset.Name)
	}

	layoutOpts := opts
	layoutOpts.Sanitize = false
	rendered, err := r.render(layoutAsset, layoutOpts, depth+1)
	if err != nil {
		return nil, false, err
	}

	layoutDoc := detectMode(string(rendered)) != modeFragment
	var container *html.Node
	if layoutDoc {
		container, err = html.Parse(bytes.NewReader(rendered))
	} else {
		container, err = fragmentContainer(string(rendered))
	}
	if err != nil {
		return nil, false, &MarkupError{Applet: layoutAsset.Owner(), Asset: layoutAsset.Name, Err: err}
	}

	marker := findContentMarker(container)
	if marker == nil {
		return nil, false, fmt.Errorf("%w: content marker in layout %s/%s", ErrNotFound, layoutAsset.Owner(), layoutAsset.Name)
	}
	spliceNodes(marker, detachChildren(fragment))

	// Fragment headers still apply; merge them into the composed head.
	if layoutDoc {
		scripts, styles, err := r.computeHeaders(asset, unit, opts, hasShellMarker(container))
		if err != nil {
			return nil, false, err
		}
		injectHead(container, scripts, styles)
		injectTitle(container, unit.Title(opts.Lang))
	}
	return container, layoutDoc, nil
}

// expandIncludes replaces include directive comments with the rendered
// target asset. Unresolvable references degrade to a visible marker
// rather than failing the whole composition.
func (r *Renderer) expandIncludes(container *html.Node, asset *types.AppletAsset, opts Options, depth int) error {
	for _, comment := range collectIncludeComments(container) {
		ref := includeRef(comment.Data)
		if ref == "" || ref == ContentMarker {
			continue
		}

		target := r.col.ResolveAsset(ref, asset, opts.Lang)
		if target == nil {
			r.log.Warn("include target not found",
				zap.String("applet", asset.Owner()),
				zap.String("ref", ref),
			)
			spliceNodes(comment, []*html.Node{missingMarker(ref)})
			continue
		}

		rendered, err := r.render(target, opts, depth+1)
		if err != nil {
			return err
		}
		if rendered == nil {
			spliceNodes(comment, []*html.Node{missingMarker(ref)})
			continue
		}

		var nodes []*html.Node
		if detectMode(string(rendered)) == modeDocument {
			// Including a full document splices only its body children.
			doc, perr := html.Parse(bytes.NewReader(rendered))
			if perr != nil {
				return &MarkupError{Applet: target.Owner(), Asset: target.Name, Err: perr}
			}
			if body := findElement(doc, atom.Body); body != nil {
				nodes = detachChildren(body)
			}
		} else {
			holder, perr := fragmentContainer(string(rendered))
			if perr != nil {
				return &MarkupError{Applet: target.Owner(), Asset: target.Name, Err: perr}
			}
			nodes = detachChildren(holder)
		}
		spliceNodes(comment, nodes)
	}
	return nil
}

// computeHeaders collects the script and style references to inject.
// With the shell marker present, view-state units across the whole
// collection contribute their headers so routed views work after a
// single document load.
func (r *Renderer) computeHeaders(asset *types.AppletAsset, unit *types.AssetHTML, opts Options, shell bool) (scripts, styles []string, err error) {
	units := []*types.AssetHTML{unit}
	if shell {
		for _, m := range r.col.Manifests() {
			for _, a := range m.Assets {
				u := a.HTMLUnit()
				if u == nil || u.ViewState == nil || u == unit {
					continue
				}
				units = append(units, u)
			}
		}
	}

	seen := map[string]bool{}
	add := func(list *[]string, owner, ref string) error {
		// Static references must exist; a broken reference fails the
		// whole composition rather than emitting a dead link.
		if strings.HasPrefix(ref, registry.RelativeSigil) {
			path := strings.TrimLeft(ref[len(registry.RelativeSigil):], "/")
			if r.col.ResolveAsset("app://"+owner+"/"+path, nil, opts.Lang) == nil {
				return fmt.Errorf("%w: static reference %q of %s", ErrNotFound, ref, owner)
			}
		}
		abs := r.absoluteRef(owner, ref)
		if !seen[abs] {
			seen[abs] = true
			*list = append(*list, abs)
		}
		return nil
	}

	for i, u := range units {
		owner := asset.Owner()
		if i > 0 {
			owner = r.unitOwner(u, owner)
		}
		for _, name := range u.Bundles {
			b, ok := r.bundles.get(name)
			if !ok {
				return nil, nil, fmt.Errorf("%w: bundle %q referenced by %s", ErrNotFound, name, asset.Name)
			}
			for _, s := range b.Scripts {
				if err := add(&scripts, owner, s); err != nil {
					return nil, nil, err
				}
			}
			for _, s := range b.Styles {
				if err := add(&styles, owner, s); err != nil {
					return nil, nil, err
				}
			}
		}
		for _, ref := range u.Scripts {
			if ref.Lazy {
				continue
			}
			if err := add(&scripts, owner, ref.Src); err != nil {
				return nil, nil, err
			}
		}
		for _, s := range u.Styles {
			if err := add(&styles, owner, s); err != nil {
				return nil, nil, err
			}
		}
	}

	if opts.OmitStaticScripts {
		scripts = nil
	}
	return scripts, styles, nil
}

// unitOwner finds the applet owning a foreign view unit. Aggregated
// units carry no back-reference of their own here, so the collection
// is searched.
func (r *Renderer) unitOwner(u *types.AssetHTML, fallback string) string {
	for _, m := range r.col.Manifests() {
		for _, a := range m.Assets {
			if a.HTMLUnit() == u {
				return a.Owner()
			}
		}
	}
	return fallback
}

// appendRuleScripts appends one script tag per business-rule asset
// across the collection, sorted for stable output, carrying the CSP
// nonce when configured.
func (r *Renderer) appendRuleScripts(doc *html.Node, asset *types.AppletAsset, opts Options) {
	body := findElement(doc, atom.Body)
	if body == nil {
		return
	}

	var srcs []string
	for _, m := range r.col.Manifests() {
		for _, a := range m.Assets {
			if !strings.HasPrefix(a.Name, RulesPrefix) {
				continue
			}
			srcs = append(srcs, r.assetURL(a.Owner(), a.Name))
		}
	}
	sort.Strings(srcs)

	for _, src := range srcs {
		attrs := []html.Attribute{{Key: "src", Val: src}}
		if opts.Nonce != "" {
			attrs = append(attrs, html.Attribute{Key: "nonce", Val: opts.Nonce})
		}
		body.AppendChild(&html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Script,
			Data:     "script",
			Attr:     attrs,
		})
	}
}

// rewriteSigils rewrites relative-sigil attribute values to absolute
// asset paths under the collection base URL.
func (r *Renderer) rewriteSigils(container *html.Node, owner string) {
	walk(container, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		for i, attr := range n.Attr {
			if strings.HasPrefix(attr.Val, registry.RelativeSigil) {
				n.Attr[i].Val = r.absoluteRef(owner, attr.Val)
			}
		}
	})
}

// absoluteRef turns a sigil-relative reference into a servable URL
// path; anything else passes through unchanged.
func (r *Renderer) absoluteRef(owner, ref string) string {
	if !strings.HasPrefix(ref, registry.RelativeSigil) {
		return ref
	}
	return r.assetURL(owner, strings.TrimLeft(ref[len(registry.RelativeSigil):], "/"))
}

// assetURL builds the servable URL path for an asset name.
func (r *Renderer) assetURL(owner, name string) string {
	return r.col.BaseURL() + "/" + owner + "/" + name
}

func (r *Renderer) isUnsigned(owner string) bool {
	m, ok := r.col.Get(owner)
	if !ok {
		return true
	}
	return len(m.Info.Signature) == 0
}

// detectMode inspects the first start tag of the source.
func detectMode(source string) compositionMode {
	z := html.NewTokenizer(strings.NewReader(source))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return modeFragment
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Html:
				return modeDocument
			case atom.Body:
				return modeBody
			}
			return modeFragment
		}
	}
}

// fragmentContainer parses source as body-context fragment markup and
// holds the nodes under a document node so splicing and serialization
// work uniformly without adding wrapper markup.
func fragmentContainer(source string) (*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, DataAtom: atom.Body, Data: "body"}
	nodes, err := html.ParseFragment(strings.NewReader(source), ctx)
	if err != nil {
		return nil, err
	}
	holder := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		holder.AppendChild(n)
	}
	return holder, nil
}

func collectIncludeComments(root *html.Node) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type == html.CommentNode && includeRef(n.Data) != "" {
			out = append(out, n)
		}
	})
	return out
}

func includeRef(comment string) string {
	m := includeRe.FindStringSubmatch("<!--" + comment + "-->")
	if m == nil {
		return ""
	}
	return m[1]
}

func findContentMarker(root *html.Node) *html.Node {
	var marker *html.Node
	walk(root, func(n *html.Node) {
		if marker == nil && n.Type == html.CommentNode && includeRef(n.Data) == ContentMarker {
			marker = n
		}
	})
	return marker
}

func hasShellMarker(root *html.Node) bool {
	found := false
	walk(root, func(n *html.Node) {
		if found || n.Type != html.ElementNode {
			return
		}
		for _, attr := range n.Attr {
			if attr.Key == ShellAttr {
				found = true
				return
			}
		}
	})
	return found
}

// missingMarker renders the visible degradation element for an include
// whose target does not exist.
func missingMarker(ref string) *html.Node {
	span := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Span,
		Data:     "span",
		Attr:     []html.Attribute{{Key: "data-include-missing", Val: ref}},
	}
	span.AppendChild(&html.Node{Type: html.TextNode, Data: "NOT FOUND"})
	return span
}

// spliceNodes inserts nodes in place of target and removes target.
func spliceNodes(target *html.Node, nodes []*html.Node) {
	parent := target.Parent
	if parent == nil {
		return
	}
	for _, n := range nodes {
		parent.InsertBefore(n, target)
	}
	parent.RemoveChild(target)
}

// detachChildren removes and returns all children of n.
func detachChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		out = append(out, c)
		c = next
	}
	return out
}

func findElement(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) {
		if found == nil && n.Type == html.ElementNode && n.DataAtom == a {
			found = n
		}
	})
	return found
}

// injectHead appends script and stylesheet references to the document
// head, skipping any reference already present.
func injectHead(doc *html.Node, scripts, styles []string) {
	head := findElement(doc, atom.Head)
	if head == nil {
		return
	}

	existing := map[string]bool{}
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		for _, attr := range c.Attr {
			if attr.Key == "src" || attr.Key == "href" {
				existing[attr.Val] = true
			}
		}
	}

	for _, href := range styles {
		if existing[href] {
			continue
		}
		existing[href] = true
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Link,
			Data:     "link",
			Attr: []html.Attribute{
				{Key: "rel", Val: "stylesheet"},
				{Key: "href", Val: href},
			},
		})
	}
	for _, src := range scripts {
		if existing[src] {
			continue
		}
		existing[src] = true
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Script,
			Data:     "script",
			Attr:     []html.Attribute{{Key: "src", Val: src}},
		})
	}
}

func injectTitle(doc *html.Node, title string) {
	if title == "" {
		return
	}
	head := findElement(doc, atom.Head)
	if head == nil {
		return
	}
	if existing := findElement(head, atom.Title); existing != nil {
		for existing.FirstChild != nil {
			existing.RemoveChild(existing.FirstChild)
		}
		existing.AppendChild(&html.Node{Type: html.TextNode, Data: title})
		return
	}
	node := &html.Node{Type: html.ElementNode, DataAtom: atom.Title, Data: "title"}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: title})
	head.AppendChild(node)
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// decompressLZIP strips the framing magic and inflates the payload.
func decompressLZIP(data []byte) ([]byte, error) {
	rd, err := lzma.NewReader(bytes.NewReader(data[len(types.LZIPMagic):]))
	if err != nil {
		return nil, fmt.Errorf("open compressed content: %w", err)
	}
	raw, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("decompress content: %w", err)
	}
	return raw, nil
}
