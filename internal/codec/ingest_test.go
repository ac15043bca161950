package codec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appletforge/appletforge/internal/shared/types"
)

func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	return dir
}

func TestIngestDir(t *testing.T) {
	dir := writeTree(t, map[string][]byte{
		"applet.yaml": []byte(`
id: org.example.notes
version: 1.2.0
author: Example Org
displayNames:
  neutral: Notes
  de: Notizen
locales:
  - code: de
    name: Deutsch
strings:
  neutral:
    greeting: Hello
  de:
    greeting: Hallo
dependencies:
  - id: org.example.core
    version: 1.0.0
pages:
  index.html:
    layout: layout.html
    bundles: [main]
    titles:
      neutral: Notes
    scripts:
      - src: ~/extra.js
        lazy: true
virtual:
  all.css:
    - '.*\.css'
`),
		"index.html":  []byte("<p>notes</p>"),
		"layout.html": []byte("<html><body><!-- #include file=\"content\" --></body></html>"),
		"about.html":  []byte("<html><head><title>About Notes</title></head><body>hi</body></html>"),
		"extra.js":    []byte("console.log('hi');"),
		"data.xml":    []byte(`<?xml version="1.0"?><root/>`),
		"logo.bin":    {0x00, 0x01, 0x02, 0xff, 0xfe, 0x03},
	})

	m, err := IngestDir(dir)
	require.NoError(t, err)

	assert.Equal(t, "org.example.notes", m.Info.ID)
	assert.Equal(t, "1.2.0", m.Info.Version)
	require.Len(t, m.Info.Dependencies, 1)
	assert.Equal(t, "org.example.core", m.Info.Dependencies[0].ID)

	t.Run("strings sorted by locale then key", func(t *testing.T) {
		require.Len(t, m.Strings, 2)
		assert.Equal(t, "", m.Strings[0].Lang)
		assert.Equal(t, "de", m.Strings[1].Lang)
	})

	t.Run("page config applied", func(t *testing.T) {
		a := m.Asset("index.html")
		require.NotNil(t, a)
		require.Equal(t, types.KindHTML, a.Content.Kind)
		unit := a.Content.HTML
		assert.Equal(t, "layout.html", unit.Layout)
		assert.Equal(t, []string{"main"}, unit.Bundles)
		require.Len(t, unit.Scripts, 1)
		assert.True(t, unit.Scripts[0].Lazy)
		assert.Equal(t, "text/html", a.MimeType)
	})

	t.Run("title falls back to markup", func(t *testing.T) {
		a := m.Asset("about.html")
		require.NotNil(t, a)
		require.Len(t, a.Content.HTML.Titles, 1)
		assert.Equal(t, "About Notes", a.Content.HTML.Titles[0].Value)
	})

	t.Run("asset kinds", func(t *testing.T) {
		assert.Equal(t, types.KindText, m.Asset("extra.js").Content.Kind)
		assert.Equal(t, types.KindMarkup, m.Asset("data.xml").Content.Kind)
		assert.Equal(t, types.KindBinary, m.Asset("logo.bin").Content.Kind)
		assert.Equal(t, types.KindVirtual, m.Asset("all.css").Content.Kind)
	})

	t.Run("descriptor excluded", func(t *testing.T) {
		assert.Nil(t, m.Asset("applet.yaml"))
	})

	t.Run("owner stamped", func(t *testing.T) {
		assert.Equal(t, "org.example.notes", m.Asset("index.html").Owner())
	})
}

func TestIngestDirMissingDescriptor(t *testing.T) {
	_, err := IngestDir(t.TempDir())
	assert.Error(t, err)
}

func TestIngestDirRequiresID(t *testing.T) {
	dir := writeTree(t, map[string][]byte{"applet.yaml": []byte("version: 1.0.0\n")})
	_, err := IngestDir(dir)
	assert.ErrorContains(t, err, "id is required")
}
