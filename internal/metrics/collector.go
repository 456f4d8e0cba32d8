// Package metrics exposes prometheus instrumentation for the cache tiers
// and the analysis orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediacache/mediacache/pkg/errors"
)

// Config represents metrics settings.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Collector owns a private prometheus registry. It implements the recorder
// hooks of both the cache coordinator and the orchestrator; a nil *Collector
// is safe to use and records nothing.
type Collector struct {
	registry *prometheus.Registry

	cacheHits        *prometheus.CounterVec
	cacheMisses      prometheus.Counter
	analysisDuration *prometheus.HistogramVec
	analysisFailures *prometheus.CounterVec
	inFlight         prometheus.Gauge
}

// NewCollector creates a collector. A disabled config yields nil, which
// every recording method tolerates.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "mediacache"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits attributed per tier.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Lookups that missed every tier.",
		}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of completed analyses per kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		analysisFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      "Failed analyses per kind and outcome.",
		}, []string{"kind", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analysis_in_flight",
			Help:      "Number of analyses currently running.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.cacheHits, c.cacheMisses, c.analysisDuration, c.analysisFailures, c.inFlight,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler returns an HTTP handler serving the collector's registry. The
// caller owns the server; this package never binds a port.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTierHit implements the cache coordinator's recorder hook.
func (c *Collector) RecordTierHit(tier string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordMiss implements the cache coordinator's recorder hook.
func (c *Collector) RecordMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// ObserveAnalysis implements the orchestrator's recorder hook.
func (c *Collector) ObserveAnalysis(kind string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	if err == nil {
		c.analysisDuration.WithLabelValues(kind).Observe(duration.Seconds())
		return
	}
	outcome := "error"
	if errors.IsCancelled(err) {
		outcome = "cancelled"
	}
	c.analysisFailures.WithLabelValues(kind, outcome).Inc()
}

// AddInFlight implements the orchestrator's recorder hook.
func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}
