package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/appletforge/appletforge/internal/codec"
	"github.com/appletforge/appletforge/internal/compose"
	"github.com/appletforge/appletforge/internal/lifecycle"
)

// renderAsset composes and serves one asset addressed by applet id and
// asset path. Locale comes from the lang query parameter or the
// Accept-Language header; remaining query parameters become binding
// values.
func (s *Server) renderAsset(c *gin.Context) {
	id := c.Param("id")
	path := strings.TrimPrefix(c.Param("asset"), "/")
	address := "app://" + id + "/" + path

	lang := c.Query("lang")
	if lang == "" {
		lang = primaryLanguage(c.GetHeader("Accept-Language"))
	}

	asset := s.col.ResolveAsset(address, nil, lang)
	if asset == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found", "address": address})
		return
	}

	params := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if key == "lang" || len(values) == 0 {
			continue
		}
		params[key] = values[0]
	}

	out, err := s.renderer.Render(asset, compose.Options{
		Lang:     lang,
		Params:   params,
		Sanitize: s.cfg.Sanitize,
	})
	switch {
	case errors.Is(err, compose.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mime := asset.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Data(http.StatusOK, mime, out)
}

func (s *Server) listPackages(c *gin.Context) {
	type row struct {
		ID      string `json:"id"`
		Version string `json:"version"`
		Name    string `json:"name,omitempty"`
		Signed  bool   `json:"signed"`
	}
	manifests := s.col.Manifests()
	rows := make([]row, 0, len(manifests))
	for _, m := range manifests {
		rows = append(rows, row{
			ID:      m.Info.ID,
			Version: m.Info.Version,
			Name:    m.Info.DisplayName(""),
			Signed:  len(m.Info.Signature) > 0,
		})
	}
	c.JSON(http.StatusOK, gin.H{"packages": rows, "count": len(rows)})
}

func (s *Server) installPackage(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 64<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	upgrade := c.Query("upgrade") == "true"

	manifest, err := s.manager.Install(data, upgrade)
	switch {
	case errors.Is(err, lifecycle.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, codec.ErrFormat), errors.Is(err, codec.ErrCorrupt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case manifest == nil:
		c.JSON(http.StatusCreated, gin.H{"installed": "solution"})
	default:
		c.JSON(http.StatusCreated, gin.H{"installed": manifest.Info.ID, "version": manifest.Info.Version})
	}
}

func (s *Server) uninstallPackage(c *gin.Context) {
	id := c.Param("id")
	err := s.manager.Uninstall(id)
	switch {
	case errors.Is(err, lifecycle.ErrNotInstalled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrHasDependents):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"uninstalled": id})
	}
}

// getTemplate serves a named template shared by any installed applet.
func (s *Server) getTemplate(c *gin.Context) {
	mnemonic := c.Param("mnemonic")
	t, ok := s.col.FindTemplate(mnemonic)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found", "mnemonic": mnemonic})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mnemonic": t.Mnemonic, "name": t.Name, "body": t.Body})
}

// getViewModel serves a named view model definition.
func (s *Server) getViewModel(c *gin.Context) {
	name := c.Param("name")
	vm, ok := s.col.FindViewModel(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "view model not found", "name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": vm.Name, "body": vm.Body})
}

func (s *Server) listSolutions(c *gin.Context) {
	infos := s.manager.Solutions()
	type row struct {
		ID      string `json:"id"`
		Version string `json:"version"`
		Applets int    `json:"applets"`
	}
	rows := make([]row, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, row{
			ID:      info.ID,
			Version: info.Version,
			Applets: len(s.manager.GetApplets(info.ID)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"solutions": rows, "count": len(rows)})
}

// primaryLanguage extracts the first language tag from an
// Accept-Language header value.
func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}
	first := strings.SplitN(header, ",", 2)[0]
	first = strings.SplitN(first, ";", 2)[0]
	return strings.TrimSpace(first)
}
