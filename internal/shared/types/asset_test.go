package types

import (
	"bytes"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"
)

func TestAssetContentXMLRoundTrip(t *testing.T) {
	t.Run("html unit", func(t *testing.T) {
		asset := AppletAsset{
			Name:     "index.html",
			MimeType: "text/html",
			Content: AssetContent{
				Kind: KindHTML,
				HTML: &AssetHTML{
					Layout:  "~/layout.html",
					Scripts: []ScriptRef{{Src: "~/app.js"}, {Src: "~/heavy.js", Lazy: true}},
					Styles:  []string{"~/main.css"},
					Markup:  MarkupSource{Text: `<div class="hello">Hi</div>`},
				},
			},
		}

		data, err := xml.Marshal(asset)
		require.NoError(t, err)

		var back AppletAsset
		require.NoError(t, xml.Unmarshal(data, &back))

		require.Equal(t, KindHTML, back.Content.Kind)
		require.NotNil(t, back.Content.HTML)
		assert.Equal(t, "~/layout.html", back.Content.HTML.Layout)
		assert.Len(t, back.Content.HTML.Scripts, 2)
		assert.True(t, back.Content.HTML.Scripts[1].Lazy)
		assert.Equal(t, `<div class="hello">Hi</div>`, back.Content.HTML.Markup.Text)
	})

	t.Run("virtual patterns", func(t *testing.T) {
		asset := AppletAsset{
			Name:    "all.js",
			Content: AssetContent{Kind: KindVirtual, Patterns: []string{`^scripts/.*\.js$`}},
		}
		data, err := xml.Marshal(asset)
		require.NoError(t, err)

		var back AppletAsset
		require.NoError(t, xml.Unmarshal(data, &back))
		assert.Equal(t, []string{`^scripts/.*\.js$`}, back.Content.Patterns)
	})

	t.Run("unknown kind is skipped", func(t *testing.T) {
		var back AppletAsset
		require.NoError(t, xml.Unmarshal([]byte(`<asset name="x"><content kind="mystery"><blob>z</blob></content></asset>`), &back))
		assert.Equal(t, KindNone, back.Content.Kind)
	})
}

func TestSetBinaryDecompressesMarkedPayload(t *testing.T) {
	plain := []byte("binary payload with enough content to compress")

	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	framed := append(append([]byte(nil), LZIPMagic...), buf.Bytes()...)

	var c AssetContent
	require.NoError(t, c.SetBinary(framed))
	assert.Equal(t, KindBinary, c.Kind)
	assert.Equal(t, plain, c.Binary)

	t.Run("unmarked passes through", func(t *testing.T) {
		var c AssetContent
		require.NoError(t, c.SetBinary(plain))
		assert.Equal(t, plain, c.Binary)
	})
}

func TestHTMLUnitClone(t *testing.T) {
	unit := &AssetHTML{
		Bundles:   []string{"core"},
		Scripts:   []ScriptRef{{Src: "a.js"}},
		ViewState: &ViewState{Route: "/home"},
	}
	clone := unit.Clone()
	clone.Bundles[0] = "changed"
	clone.ViewState.Route = "/away"

	assert.Equal(t, "core", unit.Bundles[0])
	assert.Equal(t, "/home", unit.ViewState.Route)
}

func TestBlobXML(t *testing.T) {
	type wrapper struct {
		XMLName xml.Name `xml:"w"`
		Data    Blob     `xml:"data"`
	}
	in := wrapper{Data: Blob{0x00, 0x01, 0xFF, 'a'}}
	data, err := xml.Marshal(in)
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, xml.Unmarshal(data, &out))
	assert.Equal(t, in.Data, out.Data)
}
