package codec

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-yaml"
	"github.com/saintfish/chardet"

	"github.com/appletforge/appletforge/internal/shared/types"
)

// appletYAML is the applet.yaml descriptor at the root of an applet
// source directory. It carries the metadata the files themselves
// cannot express.
type appletYAML struct {
	ID           string            `yaml:"id"`
	Version      string            `yaml:"version"`
	Author       string            `yaml:"author"`
	Icon         string            `yaml:"icon"`
	DisplayNames map[string]string `yaml:"displayNames"`
	Dependencies []struct {
		ID      string `yaml:"id"`
		Version string `yaml:"version"`
		Token   string `yaml:"token"`
	} `yaml:"dependencies"`
	Locales []struct {
		Code    string `yaml:"code"`
		Name    string `yaml:"name"`
		Default bool   `yaml:"default"`
	} `yaml:"locales"`
	Strings map[string]map[string]string `yaml:"strings"` // locale -> key -> value
	Pages   map[string]pageYAML          `yaml:"pages"`   // asset name -> composition config
	Virtual map[string][]string          `yaml:"virtual"` // asset name -> patterns
}

type pageYAML struct {
	Layout  string            `yaml:"layout"`
	Static  bool              `yaml:"static"`
	Titles  map[string]string `yaml:"titles"`
	Bundles []string          `yaml:"bundles"`
	Scripts []struct {
		Src  string `yaml:"src"`
		Lazy bool   `yaml:"lazy"`
	} `yaml:"scripts"`
	Styles []string `yaml:"styles"`
	Route  string   `yaml:"route"`
	Widget *struct {
		Panel string `yaml:"panel"`
		Order int    `yaml:"order"`
	} `yaml:"widget"`
}

// DescriptorName is the applet descriptor file inside a source tree.
const DescriptorName = "applet.yaml"

// IngestDir builds a manifest from an applet source directory: the
// applet.yaml descriptor plus one asset per file, with mime types
// sniffed from content and undecodable text demoted to binary.
func IngestDir(dir string) (*types.AppletManifest, error) {
	descriptor, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DescriptorName, err)
	}
	var desc appletYAML
	if err := yaml.Unmarshal(descriptor, &desc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", DescriptorName, err)
	}
	if desc.ID == "" {
		return nil, fmt.Errorf("%s: applet id is required", DescriptorName)
	}

	m := &types.AppletManifest{}
	m.Info.ID = desc.ID
	m.Info.Version = desc.Version
	m.Info.Author = desc.Author
	m.Info.Icon = desc.Icon
	for lang, name := range desc.DisplayNames {
		if lang == "neutral" {
			lang = ""
		}
		m.Info.DisplayNames = append(m.Info.DisplayNames, types.LocalizedText{Lang: lang, Value: name})
	}
	for _, dep := range desc.Dependencies {
		m.Info.Dependencies = append(m.Info.Dependencies, types.AppletName{
			ID: dep.ID, Version: dep.Version, PublicKeyToken: dep.Token,
		})
	}
	for _, l := range desc.Locales {
		m.Locales = append(m.Locales, types.AppletLocale{Code: l.Code, DisplayName: l.Name, Default: l.Default})
	}
	for lang, entries := range desc.Strings {
		if lang == "neutral" {
			lang = ""
		}
		for key, value := range entries {
			m.Strings = append(m.Strings, types.StringEntry{Lang: lang, Key: key, Value: value})
		}
	}
	sort.Slice(m.Strings, func(i, j int) bool {
		if m.Strings[i].Lang != m.Strings[j].Lang {
			return m.Strings[i].Lang < m.Strings[j].Lang
		}
		return m.Strings[i].Key < m.Strings[j].Key
	})

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := strings.ToLower(filepath.ToSlash(rel))
		if name == DescriptorName {
			return nil
		}
		asset, err := ingestFile(path, name, desc.Pages[name])
		if err != nil {
			return fmt.Errorf("ingest %s: %w", name, err)
		}
		m.Assets = append(m.Assets, asset)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for name, patterns := range desc.Virtual {
		m.Assets = append(m.Assets, &types.AppletAsset{
			Name:    strings.ToLower(name),
			Content: types.AssetContent{Kind: types.KindVirtual, Patterns: patterns},
		})
	}
	sort.Slice(m.Assets, func(i, j int) bool { return m.Assets[i].Name < m.Assets[j].Name })

	m.Initialize()
	return m, nil
}

func ingestFile(path, name string, page pageYAML) (*types.AppletAsset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mime := mimetype.Detect(data)
	asset := &types.AppletAsset{Name: name, MimeType: mime.String()}

	switch {
	case isHTMLName(name):
		asset.MimeType = "text/html"
		unit := types.AssetHTML{
			Layout: page.Layout,
			Static: page.Static,
			Styles: page.Styles,
			Markup: types.MarkupSource{Text: string(data)},
		}
		unit.Bundles = page.Bundles
		for lang, title := range page.Titles {
			if lang == "neutral" {
				lang = ""
			}
			unit.Titles = append(unit.Titles, types.LocalizedText{Lang: lang, Value: title})
		}
		sort.Slice(unit.Titles, func(i, j int) bool { return unit.Titles[i].Lang < unit.Titles[j].Lang })
		if len(unit.Titles) == 0 {
			if title := documentTitle(data); title != "" {
				unit.Titles = []types.LocalizedText{{Value: title}}
			}
		}
		for _, s := range page.Scripts {
			unit.Scripts = append(unit.Scripts, types.ScriptRef{Src: s.Src, Lazy: s.Lazy})
		}
		if page.Route != "" {
			unit.ViewState = &types.ViewState{Route: page.Route}
		}
		if page.Widget != nil {
			asset.Content = types.AssetContent{Kind: types.KindWidget, Widget: &types.Widget{
				Panel: page.Widget.Panel, Order: page.Widget.Order, HTML: unit,
			}}
		} else {
			asset.Content = types.AssetContent{Kind: types.KindHTML, HTML: &unit}
		}
	case strings.HasSuffix(name, ".xml"):
		asset.Content = types.AssetContent{Kind: types.KindMarkup, Markup: string(data)}
	case isTextMime(mime) && isDecodableText(data):
		asset.Content = types.AssetContent{Kind: types.KindText, Text: string(data)}
	default:
		if err := asset.Content.SetBinary(data); err != nil {
			return nil, err
		}
	}
	return asset, nil
}

// documentTitle pulls the title element out of page markup. Used when
// the descriptor declares no titles for a page.
func documentTitle(data []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func isHTMLName(name string) bool {
	return strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")
}

func isTextMime(mime *mimetype.MIME) bool {
	for m := mime; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return strings.HasPrefix(mime.String(), "text/") ||
		strings.Contains(mime.String(), "json") ||
		strings.Contains(mime.String(), "javascript")
}

// isDecodableText reports whether data looks like a UTF-8 compatible
// text encoding. Anything else ships as binary rather than risking a
// lossy decode.
func isDecodableText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil {
		return false
	}
	switch result.Charset {
	case "UTF-8", "ISO-8859-1", "US-ASCII":
		return true
	default:
		return false
	}
}
