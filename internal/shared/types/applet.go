// Package types defines the applet manifest model shared by the codec,
// registry, composition, and lifecycle packages.
package types

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// AnyVersion matches every version in a dependency declaration.
const AnyVersion = "*"

// AppletName identifies an applet, optionally pinned to a version and a
// signer token. Identity across dependency checks is ID plus token; the
// version participates only in minimum-version comparisons.
type AppletName struct {
	ID             string `xml:"id,attr" json:"id"`
	Version        string `xml:"version,attr,omitempty" json:"version,omitempty"`
	PublicKeyToken string `xml:"publicKeyToken,attr,omitempty" json:"publicKeyToken,omitempty"`
}

// SameApplet reports whether two names refer to the same applet.
// IDs compare case-insensitively; a declared token must match exactly.
func (n AppletName) SameApplet(other AppletName) bool {
	if !strings.EqualFold(n.ID, other.ID) {
		return false
	}
	if n.PublicKeyToken != "" && other.PublicKeyToken != "" {
		return n.PublicKeyToken == other.PublicKeyToken
	}
	return true
}

// SemVer parses the declared version. Empty and "*" are reported as nil
// without error, meaning "any".
func (n AppletName) SemVer() (*semver.Version, error) {
	if n.Version == "" || n.Version == AnyVersion {
		return nil, nil
	}
	return semver.NewVersion(n.Version)
}

// Satisfies reports whether this name's version meets the minimum declared
// by dep. An unparseable version on either side fails open (true): the
// dependency check is advisory and must not block on malformed input.
func (n AppletName) Satisfies(dep AppletName) bool {
	min, err := dep.SemVer()
	if err != nil || min == nil {
		return true
	}
	have, err := n.SemVer()
	if err != nil || have == nil {
		return true
	}
	return !have.LessThan(min)
}

// NewerThan reports whether this name's version is strictly greater than
// other's. Unversioned names are never newer.
func (n AppletName) NewerThan(other AppletName) bool {
	have, err := n.SemVer()
	if err != nil || have == nil {
		return false
	}
	theirs, err := other.SemVer()
	if err != nil || theirs == nil {
		return true
	}
	return have.GreaterThan(theirs)
}

// LocalizedText pairs a locale code with a display string.
type LocalizedText struct {
	Lang  string `xml:"lang,attr,omitempty" json:"lang,omitempty"`
	Value string `xml:",chardata" json:"value"`
}

// AppletInfo is the applet's declared metadata plus the integrity fields
// stamped by the codec.
type AppletInfo struct {
	AppletName
	DisplayNames []LocalizedText `xml:"displayName,omitempty" json:"displayNames,omitempty"`
	Icon         string          `xml:"icon,omitempty" json:"icon,omitempty"`
	Author       string          `xml:"author,omitempty" json:"author,omitempty"`
	Dependencies []AppletName    `xml:"dependencies>dependency,omitempty" json:"dependencies,omitempty"`

	// Hash is the hex digest of the manifest payload, computed at pack
	// time with HashAlgorithm and re-checked at verification time.
	Hash          string    `xml:"hash,omitempty" json:"hash,omitempty"`
	HashAlgorithm string    `xml:"hashAlgorithm,omitempty" json:"hashAlgorithm,omitempty"`
	Signature     Blob      `xml:"signature,omitempty" json:"signature,omitempty"`
	InstalledAt   time.Time `xml:"installedAt,omitempty" json:"installedAt,omitzero"`
}

// DisplayName returns the display name for lang, falling back to the
// neutral entry and then the applet id.
func (i *AppletInfo) DisplayName(lang string) string {
	var neutral string
	for _, d := range i.DisplayNames {
		if strings.EqualFold(d.Lang, lang) && lang != "" {
			return d.Value
		}
		if d.Lang == "" && neutral == "" {
			neutral = d.Value
		}
	}
	if neutral != "" {
		return neutral
	}
	return i.ID
}

// AppletLocale declares a locale the applet ships strings for.
type AppletLocale struct {
	Code        string `xml:"code,attr" json:"code"`
	DisplayName string `xml:"displayName,attr,omitempty" json:"displayName,omitempty"`
	Default     bool   `xml:"default,attr,omitempty" json:"default,omitempty"`
}

// StringEntry is one localized string. Higher priority entries shadow
// lower ones for the same key and locale.
type StringEntry struct {
	Lang     string `xml:"lang,attr,omitempty" json:"lang,omitempty"`
	Key      string `xml:"key,attr" json:"key"`
	Value    string `xml:",chardata" json:"value"`
	Priority int    `xml:"priority,attr,omitempty" json:"priority,omitempty"`
}

// Setting is one key/value pair of initial configuration.
type Setting struct {
	Key   string `xml:"key,attr" json:"key"`
	Value string `xml:",chardata" json:"value"`
}

// AppletMenu is one node of the applet's navigation tree.
type AppletMenu struct {
	ID       string          `xml:"id,attr" json:"id"`
	Titles   []LocalizedText `xml:"title,omitempty" json:"titles,omitempty"`
	Path     string          `xml:"path,attr,omitempty" json:"path,omitempty"`
	Order    int             `xml:"order,attr,omitempty" json:"order,omitempty"`
	Children []*AppletMenu   `xml:"menu,omitempty" json:"children,omitempty"`

	owner string
}

// Owner returns the id of the applet this menu node belongs to.
func (m *AppletMenu) Owner() string { return m.owner }

// Template is a named content template propagated into an external
// template repository at install time.
type Template struct {
	Mnemonic string `xml:"mnemonic,attr" json:"mnemonic"`
	Name     string `xml:"name,attr,omitempty" json:"name,omitempty"`
	Body     string `xml:",cdata" json:"body"`
}

// ViewModelDefinition describes a client-side view model. The engine
// treats it as an inert record.
type ViewModelDefinition struct {
	Name string `xml:"name,attr" json:"name"`
	Body string `xml:",cdata" json:"body"`
}

// AppletManifest is one applet's full declaration.
type AppletManifest struct {
	Info       AppletInfo            `xml:"info" json:"info"`
	Assets     []*AppletAsset        `xml:"assets>asset,omitempty" json:"assets,omitempty"`
	Locales    []AppletLocale        `xml:"locales>locale,omitempty" json:"locales,omitempty"`
	Menus      []*AppletMenu         `xml:"menus>menu,omitempty" json:"menus,omitempty"`
	Templates  []Template            `xml:"templates>template,omitempty" json:"templates,omitempty"`
	ViewModels []ViewModelDefinition `xml:"viewModels>viewModel,omitempty" json:"viewModels,omitempty"`
	Strings    []StringEntry         `xml:"strings>string,omitempty" json:"strings,omitempty"`
	Settings   []Setting             `xml:"configuration>setting,omitempty" json:"settings,omitempty"`
}

// Initialize stamps every asset and menu node with the owning applet id
// and normalizes asset names. It must run after deserialization and
// before the manifest enters a collection. Back-references are ids, not
// pointers; anything that needs the manifest looks it up in the owning
// collection.
func (m *AppletManifest) Initialize() {
	for _, a := range m.Assets {
		a.Name = strings.ToLower(a.Name)
		a.owner = m.Info.ID
	}
	var stamp func(nodes []*AppletMenu)
	stamp = func(nodes []*AppletMenu) {
		for _, n := range nodes {
			n.owner = m.Info.ID
			stamp(n.Children)
		}
	}
	stamp(m.Menus)
}

// Equal reports manifest identity. Two manifests naming the same applet
// id are the same applet regardless of content.
func (m *AppletManifest) Equal(other *AppletManifest) bool {
	if other == nil {
		return false
	}
	return strings.EqualFold(m.Info.ID, other.Info.ID)
}

// Asset returns the first asset whose name equals name, compared
// case-insensitively, or nil.
func (m *AppletManifest) Asset(name string) *AppletAsset {
	name = strings.ToLower(name)
	for _, a := range m.Assets {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// String resolves a localized string for key under lang. Among entries
// matching key, the highest-priority entry for the exact locale wins,
// then the highest-priority neutral entry. The second return reports
// whether any entry matched.
func (m *AppletManifest) String(key, lang string) (string, bool) {
	var (
		best        *StringEntry
		bestNeutral *StringEntry
	)
	for idx := range m.Strings {
		e := &m.Strings[idx]
		if e.Key != key {
			continue
		}
		switch {
		case lang != "" && strings.EqualFold(e.Lang, lang):
			if best == nil || e.Priority > best.Priority {
				best = e
			}
		case e.Lang == "":
			if bestNeutral == nil || e.Priority > bestNeutral.Priority {
				bestNeutral = e
			}
		}
	}
	if best != nil {
		return best.Value, true
	}
	if bestNeutral != nil {
		return bestNeutral.Value, true
	}
	return "", false
}

// DefaultLocale returns the locale flagged as default, or the first
// declared locale, or the empty string.
func (m *AppletManifest) DefaultLocale() string {
	for _, l := range m.Locales {
		if l.Default {
			return l.Code
		}
	}
	if len(m.Locales) > 0 {
		return m.Locales[0].Code
	}
	return ""
}
