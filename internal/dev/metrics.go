package dev

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiln-dev/kiln/internal/cache"
)

const metricsNamespace = "kiln"

// Metrics holds the Prometheus collectors of one dev session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rebuildsTotal   *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	requestsTotal   *prometheus.CounterVec
	subscribers     prometheus.Gauge
	reloadsTotal    prometheus.Counter
}

// NewMetrics registers the dev session collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		rebuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rebuilds_total",
			Help:      "Total number of rebuilds by result",
		}, []string{"result"}),

		rebuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Rebuild duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Dev server requests by status code",
		}, []string{"code"}),

		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "reload_subscribers",
			Help:      "Number of connected hot reload subscribers",
		}),

		reloadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reload_broadcasts_total",
			Help:      "Total number of reload broadcasts",
		}),
	}
}

// WatchCache exports the entry count and hit/miss counters of c, labelled
// with the bundle target it serves.
func (m *Metrics) WatchCache(target string, c *cache.BuildCache) {
	if m == nil || c == nil {
		return
	}
	factory := promauto.With(m.registry)
	labels := prometheus.Labels{"target": target}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "cache_entries",
		Help:        "Number of compiled units in the build cache",
		ConstLabels: labels,
	}, func() float64 { return float64(c.Len()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "cache_hits_total",
		Help:        "Component transforms served from the build cache",
		ConstLabels: labels,
	}, func() float64 { return float64(c.Stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "cache_misses_total",
		Help:        "Component transforms that ran the compiler",
		ConstLabels: labels,
	}, func() float64 { return float64(c.Stats().Misses) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeRebuild(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.rebuildsTotal.WithLabelValues(result).Inc()
	m.rebuildDuration.Observe(d.Seconds())
}

func (m *Metrics) observeRequest(status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) reloadSent() {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
}
