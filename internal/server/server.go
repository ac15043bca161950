// Package server exposes the development server: asset rendering over
// HTTP, a package management API, a websocket change feed, and
// prometheus metrics.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/appletforge/appletforge/internal/compose"
	"github.com/appletforge/appletforge/internal/lifecycle"
	"github.com/appletforge/appletforge/internal/logging"
	"github.com/appletforge/appletforge/internal/monitoring"
	"github.com/appletforge/appletforge/internal/registry"
)

// Config contains server configuration.
type Config struct {
	Port              string
	AllowOrigins      []string
	RequestsPerSecond int
	Burst             int
	Sanitize          bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Port:              "8090",
		AllowOrigins:      []string{"*"},
		RequestsPerSecond: 100,
		Burst:             200,
	}
}

// Server wraps the router and its collaborators.
type Server struct {
	cfg      Config
	router   *gin.Engine
	manager  *lifecycle.Manager
	renderer *compose.Renderer
	col      *registry.Collection
	feed     *Feed
	log      *logging.Logger
}

// New builds the router with middleware and routes registered. metrics
// and gatherer may be nil to disable collection and the metrics
// endpoint.
func New(cfg Config, manager *lifecycle.Manager, renderer *compose.Renderer, col *registry.Collection, metrics *monitoring.Metrics, gatherer prometheus.Gatherer, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORS(cfg.AllowOrigins))
	router.Use(RateLimit(cfg.RequestsPerSecond, cfg.Burst))
	router.Use(monitoring.Middleware(metrics))

	s := &Server{
		cfg:      cfg,
		router:   router,
		manager:  manager,
		renderer: renderer,
		col:      col,
		feed:     NewFeed(col, metrics, log),
		log:      log,
	}

	router.GET("/", s.root)
	router.GET("/health", s.health)

	router.GET("/applets/:id/*asset", s.renderAsset)

	api := router.Group("/api")
	api.GET("/packages", s.listPackages)
	api.POST("/packages", s.installPackage)
	api.DELETE("/packages/:id", s.uninstallPackage)
	api.GET("/solutions", s.listSolutions)
	api.GET("/templates/:mnemonic", s.getTemplate)
	api.GET("/viewmodels/:name", s.getViewModel)

	router.GET("/ws", s.feed.HandleConnection)

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Run starts serving on the configured port, blocking until the
// listener fails.
func (s *Server) Run() error {
	s.log.Info("dev server listening", zap.String("port", s.cfg.Port))
	return s.router.Run(":" + s.cfg.Port)
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "appletforge",
		"status":  "running",
		"applets": s.col.Len(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
