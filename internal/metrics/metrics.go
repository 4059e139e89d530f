// Package metrics provides the Prometheus collectors for the cache, the
// strategy router, the mutation queue and the reconciliation engine.
//
// Every Record method is safe on a nil *Collector, so components can run
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for metrics collection
type Config struct {
	Namespace        string
	HistogramBuckets []float64
	ConstLabels      map[string]string
	// ProcessMetrics registers the Go runtime and process collectors.
	ProcessMetrics bool
}

// ConfigOption is a functional option for metrics configuration
type ConfigOption func(*Config)

func WithNamespace(ns string) ConfigOption {
	return func(c *Config) { c.Namespace = ns }
}

func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithProcessMetrics() ConfigOption {
	return func(c *Config) { c.ProcessMetrics = true }
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "shiftsync",
		HistogramBuckets: []float64{
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
		},
	}
}

// Collector owns a private registry with every shiftsync metric.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheBytes     prometheus.Gauge
	cacheEntries   prometheus.Gauge

	strategyRequests *prometheus.CounterVec
	liveDuration     *prometheus.HistogramVec

	queueDepth prometheus.Gauge
	mutations  *prometheus.CounterVec
	drains     *prometheus.CounterVec

	online prometheus.Gauge
}

// New creates a collector and registers all metrics.
func New(opts ...ConfigOption) *Collector {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	ns := config.Namespace
	cl := config.ConstLabels

	c.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "lookups_total",
		Help: "Cache lookups by result (hit, stale, miss).", ConstLabels: cl,
	}, []string{"result"})
	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "evictions_total",
		Help: "Cache entries removed by reason (expired, size, invalidated).", ConstLabels: cl,
	}, []string{"reason"})
	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "bytes",
		Help: "Total serialized size of cached entries.", ConstLabels: cl,
	})
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "entries",
		Help: "Number of cached entries.", ConstLabels: cl,
	})
	c.strategyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "router", Name: "requests_total",
		Help: "Read requests by strategy and outcome.", ConstLabels: cl,
	}, []string{"strategy", "outcome"})
	c.liveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "transport", Name: "live_call_duration_seconds",
		Help: "Duration of live calls to the server.", Buckets: config.HistogramBuckets, ConstLabels: cl,
	}, []string{"method", "result"})
	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queue", Name: "depth",
		Help: "Mutations waiting for reconciliation.", ConstLabels: cl,
	})
	c.mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "queue", Name: "mutations_total",
		Help: "Mutations by outcome (direct, queued, synced, retry, abandoned).", ConstLabels: cl,
	}, []string{"outcome"})
	c.drains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "reconcile", Name: "drains_total",
		Help: "Drain cycles by outcome (ok, partial, failed, skipped).", ConstLabels: cl,
	}, []string{"outcome"})
	c.online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "connectivity", Name: "online",
		Help: "1 when the server is reachable.", ConstLabels: cl,
	})

	c.registry.MustRegister(
		c.cacheLookups, c.cacheEvictions, c.cacheBytes, c.cacheEntries,
		c.strategyRequests, c.liveDuration,
		c.queueDepth, c.mutations, c.drains,
		c.online,
	)
	if config.ProcessMetrics {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) CacheEvicted(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) CacheSize(entries int, bytes int64) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

func (c *Collector) StrategyRequest(strategy, outcome string) {
	if c == nil {
		return
	}
	c.strategyRequests.WithLabelValues(strategy, outcome).Inc()
}

func (c *Collector) LiveCall(method, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.liveDuration.WithLabelValues(method, result).Observe(d.Seconds())
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) Mutation(outcome string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(outcome).Inc()
}

func (c *Collector) Drain(outcome string) {
	if c == nil {
		return
	}
	c.drains.WithLabelValues(outcome).Inc()
}

func (c *Collector) Online(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
	} else {
		c.online.Set(0)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
