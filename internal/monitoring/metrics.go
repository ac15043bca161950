// Package monitoring exposes the engine's Prometheus metrics.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	RenderTotal     *prometheus.CounterVec
	RenderDuration  *prometheus.HistogramVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	InstallsTotal   *prometheus.CounterVec
	UninstallsTotal *prometheus.CounterVec
	AppletsGauge    prometheus.Gauge
	WSConnections   prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates the metric collectors registered against reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a
// fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RenderTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appletforge_render_total",
			Help: "Total renders by content kind and outcome",
		}, []string{"kind", "outcome"}),
		RenderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appletforge_render_duration_seconds",
			Help:    "Render latency by content kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "appletforge_render_cache_hits_total",
			Help: "Render cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "appletforge_render_cache_misses_total",
			Help: "Render cache misses",
		}),
		InstallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appletforge_installs_total",
			Help: "Package installs by outcome",
		}, []string{"outcome"}),
		UninstallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appletforge_uninstalls_total",
			Help: "Package uninstalls by outcome",
		}, []string{"outcome"}),
		AppletsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "appletforge_applets_installed",
			Help: "Applets currently registered in the default scope",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "appletforge_ws_connections",
			Help: "Active websocket change-feed connections",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appletforge_http_requests_total",
			Help: "HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appletforge_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveRender records one render.
func (m *Metrics) ObserveRender(kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.RenderTotal.WithLabelValues(kind, outcome(err == nil)).Inc()
	m.RenderDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// CacheHit records a render cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// CacheMiss records a render cache miss.
func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// Install records an install attempt.
func (m *Metrics) Install(ok bool) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(outcome(ok)).Inc()
}

// Uninstall records an uninstall attempt.
func (m *Metrics) Uninstall(ok bool) {
	if m == nil {
		return
	}
	m.UninstallsTotal.WithLabelValues(outcome(ok)).Inc()
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// WSConnect records a websocket client attaching to the change feed.
func (m *Metrics) WSConnect() {
	if m != nil {
		m.WSConnections.Inc()
	}
}

// WSDisconnect records a websocket client going away.
func (m *Metrics) WSDisconnect() {
	if m != nil {
		m.WSConnections.Dec()
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// SetApplets records the registered applet count.
func (m *Metrics) SetApplets(n int) {
	if m != nil {
		m.AppletsGauge.Set(float64(n))
	}
}
