package registry

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appletforge/appletforge/internal/shared/types"
)

func remoteAsset(id, name string) (*Collection, *types.AppletAsset) {
	m := &types.AppletManifest{
		Info:   types.AppletInfo{AppletName: types.AppletName{ID: id, Version: "1.0.0"}},
		Assets: []*types.AppletAsset{{Name: name}},
	}
	m.Initialize()
	col := NewCollection(nil)
	col.Add(m)
	return col, m.Assets[0]
}

func TestRemoteResolver(t *testing.T) {
	t.Run("text content", func(t *testing.T) {
		var path string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body { margin: 0 }"))
		}))
		defer srv.Close()

		_, asset := remoteAsset("org.example.hello", "main.css")
		content, err := NewRemoteResolver(srv.URL).Resolve(asset)
		require.NoError(t, err)
		assert.Equal(t, "/org.example.hello/main.css", path)
		assert.Equal(t, types.KindText, content.Kind)
		assert.Equal(t, "body { margin: 0 }", content.Text)
	})

	t.Run("binary content", func(t *testing.T) {
		payload := []byte{0x89, 0x50, 0x4e, 0x47}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(payload)
		}))
		defer srv.Close()

		_, asset := remoteAsset("org.example.hello", "logo.png")
		content, err := NewRemoteResolver(srv.URL).Resolve(asset)
		require.NoError(t, err)
		assert.Equal(t, types.KindBinary, content.Kind)
		assert.Equal(t, payload, content.Binary)
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, asset := remoteAsset("org.example.hello", "missing.css")
		_, err := NewRemoteResolver(srv.URL).Resolve(asset)
		assert.Error(t, err)
	})

	t.Run("retries transient server errors", func(t *testing.T) {
		var attempts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("recovered"))
		}))
		defer srv.Close()

		_, asset := remoteAsset("org.example.hello", "flaky.txt")
		content, err := NewRemoteResolver(srv.URL).Resolve(asset)
		require.NoError(t, err)
		assert.Equal(t, "recovered", content.Text)
		assert.Equal(t, int32(3), attempts.Load())
	})
}

func TestCollectionFetchesRemoteContentOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("export {}"))
	}))
	defer srv.Close()

	col, asset := remoteAsset("org.example.hello", "app.js")
	col.SetContentResolver(NewRemoteResolver(srv.URL).Resolve)

	first, err := col.ResolveContent(asset)
	require.NoError(t, err)
	assert.Equal(t, types.KindText, first.Kind)
	assert.Equal(t, "export {}", first.Text)

	second, err := col.ResolveContent(asset)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}
