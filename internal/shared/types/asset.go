package types

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/ulikunitz/xz/lzma"
)

// ContentKind discriminates the asset content union.
type ContentKind string

const (
	KindNone    ContentKind = ""
	KindText    ContentKind = "text"
	KindBinary  ContentKind = "binary"
	KindMarkup  ContentKind = "markup"
	KindHTML    ContentKind = "html"
	KindWidget  ContentKind = "widget"
	KindVirtual ContentKind = "virtual"
)

// LZIPMagic prefixes LZMA-compressed binary payloads. A binary asset
// carrying the marker is decompressed transparently on assignment.
var LZIPMagic = []byte("LZIP")

// ScriptRef is a script reference on an HTML unit. Lazy references are
// excluded from header injection and collected by LazyScripts instead.
type ScriptRef struct {
	Src  string `xml:"src,attr" json:"src"`
	Lazy bool   `xml:"lazy,attr,omitempty" json:"lazy,omitempty"`
}

// ViewState marks an HTML unit as a client-side navigable route.
type ViewState struct {
	Route      string `xml:"route,attr" json:"route"`
	Controller string `xml:"controller,attr,omitempty" json:"controller,omitempty"`
}

// MarkupSource carries raw markup through XML as CDATA.
type MarkupSource struct {
	Text string `xml:",cdata" json:"text"`
}

// AssetHTML is an HTML composition unit: markup plus the header
// references and layout binding the composition engine consumes.
type AssetHTML struct {
	Layout    string          `xml:"layout,attr,omitempty" json:"layout,omitempty"`
	Static    bool            `xml:"static,attr,omitempty" json:"static,omitempty"`
	Titles    []LocalizedText `xml:"title,omitempty" json:"titles,omitempty"`
	Bundles   []string        `xml:"bundle,omitempty" json:"bundles,omitempty"`
	Scripts   []ScriptRef     `xml:"script,omitempty" json:"scripts,omitempty"`
	Styles    []string        `xml:"style,omitempty" json:"styles,omitempty"`
	ViewState *ViewState      `xml:"viewState,omitempty" json:"viewState,omitempty"`
	Markup    MarkupSource    `xml:"markup" json:"markup"`
}

// Title returns the unit's title for lang, falling back to the neutral
// entry. Empty when no title is declared.
func (h *AssetHTML) Title(lang string) string {
	var neutral string
	for _, t := range h.Titles {
		if lang != "" && strings.EqualFold(t.Lang, lang) {
			return t.Value
		}
		if t.Lang == "" && neutral == "" {
			neutral = t.Value
		}
	}
	return neutral
}

// Clone returns a deep copy so composition never mutates the stored unit.
func (h *AssetHTML) Clone() *AssetHTML {
	c := *h
	c.Titles = append([]LocalizedText(nil), h.Titles...)
	c.Bundles = append([]string(nil), h.Bundles...)
	c.Scripts = append([]ScriptRef(nil), h.Scripts...)
	c.Styles = append([]string(nil), h.Styles...)
	if h.ViewState != nil {
		vs := *h.ViewState
		c.ViewState = &vs
	}
	return &c
}

// Widget is an HTML unit with placement metadata for composition into a
// host panel.
type Widget struct {
	Panel string    `xml:"panel,attr,omitempty" json:"panel,omitempty"`
	Order int       `xml:"order,attr,omitempty" json:"order,omitempty"`
	HTML  AssetHTML `xml:"html" json:"html"`
}

// AssetContent is the tagged content union. Exactly one payload field is
// populated, selected by Kind.
type AssetContent struct {
	Kind     ContentKind
	Text     string
	Binary   []byte
	Markup   string
	HTML     *AssetHTML
	Widget   *Widget
	Patterns []string
}

// SetText assigns plain text content.
func (c *AssetContent) SetText(text string) {
	*c = AssetContent{Kind: KindText, Text: text}
}

// SetBinary assigns raw binary content, transparently decompressing
// payloads prefixed with the LZIP marker.
func (c *AssetContent) SetBinary(data []byte) error {
	if bytes.HasPrefix(data, LZIPMagic) {
		r, err := lzma.NewReader(bytes.NewReader(data[len(LZIPMagic):]))
		if err != nil {
			return fmt.Errorf("decompress binary content: %w", err)
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("decompress binary content: %w", err)
		}
		data = raw
	}
	*c = AssetContent{Kind: KindBinary, Binary: data}
	return nil
}

// MarshalXML encodes the populated variant under a kind attribute.
func (c AssetContent) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if c.Kind == KindNone {
		return nil
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "kind"}, Value: string(c.Kind)})
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	var err error
	switch c.Kind {
	case KindText:
		err = e.EncodeElement(MarkupSource{Text: c.Text}, xml.StartElement{Name: xml.Name{Local: "text"}})
	case KindBinary:
		err = e.EncodeElement(base64.StdEncoding.EncodeToString(c.Binary), xml.StartElement{Name: xml.Name{Local: "data"}})
	case KindMarkup:
		err = e.EncodeElement(MarkupSource{Text: c.Markup}, xml.StartElement{Name: xml.Name{Local: "document"}})
	case KindHTML:
		err = e.EncodeElement(c.HTML, xml.StartElement{Name: xml.Name{Local: "html"}})
	case KindWidget:
		err = e.EncodeElement(c.Widget, xml.StartElement{Name: xml.Name{Local: "widget"}})
	case KindVirtual:
		for _, p := range c.Patterns {
			if err = e.EncodeElement(p, xml.StartElement{Name: xml.Name{Local: "pattern"}}); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("unknown content kind %q", c.Kind)
	}
	if err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML decodes the variant selected by the kind attribute.
func (c *AssetContent) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	kind := KindNone
	for _, attr := range start.Attr {
		if attr.Name.Local == "kind" {
			kind = ContentKind(attr.Value)
		}
	}
	switch kind {
	case KindText:
		var payload struct {
			Text MarkupSource `xml:"text"`
		}
		if err := d.DecodeElement(&payload, &start); err != nil {
			return err
		}
		c.SetText(payload.Text.Text)
	case KindBinary:
		var payload struct {
			Data string `xml:"data"`
		}
		if err := d.DecodeElement(&payload, &start); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			return err
		}
		if err := c.SetBinary(raw); err != nil {
			return err
		}
	case KindMarkup:
		var payload struct {
			Document MarkupSource `xml:"document"`
		}
		if err := d.DecodeElement(&payload, &start); err != nil {
			return err
		}
		*c = AssetContent{Kind: KindMarkup, Markup: payload.Document.Text}
	case KindHTML:
		var payload struct {
			HTML AssetHTML `xml:"html"`
		}
		if err := d.DecodeElement(&payload, &start); err != nil {
			return err
		}
		*c = AssetContent{Kind: KindHTML, HTML: &payload.HTML}
	case KindWidget:
		var payload struct {
			Widget Widget `xml:"widget"`
		}
		if err := d.DecodeElement(&payload, &start); err != nil {
			return err
		}
		*c = AssetContent{Kind: KindWidget, Widget: &payload.Widget}
	case KindVirtual:
		var payload struct {
			Patterns []string `xml:"pattern"`
		}
		if err := d.DecodeElement(&payload, &start); err != nil {
			return err
		}
		*c = AssetContent{Kind: KindVirtual, Patterns: payload.Patterns}
	default:
		if err := d.Skip(); err != nil {
			return err
		}
		*c = AssetContent{}
	}
	return nil
}

// AppletAsset is one named content item inside an applet. Names are
// stored lower-cased; lookups compare case-insensitively and the first
// declaration wins on duplicates.
type AppletAsset struct {
	Name     string       `xml:"name,attr" json:"name"`
	Language string       `xml:"lang,attr,omitempty" json:"lang,omitempty"`
	MimeType string       `xml:"mimeType,attr,omitempty" json:"mimeType,omitempty"`
	Policies []string     `xml:"policies>policy,omitempty" json:"policies,omitempty"`
	Content  AssetContent `xml:"content" json:"content"`

	owner string
}

// Owner returns the id of the applet this asset belongs to, stamped by
// Initialize. The owning manifest is found by looking the id up in the
// collection holding it.
func (a *AppletAsset) Owner() string { return a.owner }

// HTMLUnit returns the composition unit for HTML and widget assets.
func (a *AppletAsset) HTMLUnit() *AssetHTML {
	switch a.Content.Kind {
	case KindHTML:
		return a.Content.HTML
	case KindWidget:
		return &a.Content.Widget.HTML
	default:
		return nil
	}
}
