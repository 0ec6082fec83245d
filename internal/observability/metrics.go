// Package observability exposes the coordination layer's operational
// metrics on a private prometheus registry. The Collector implements the
// metrics interfaces the distributor, batch engine, and cache accept,
// consumes availability snapshots, and bridges the per-adapter stat
// trackers into scrape output.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

// Collector holds the service's prometheus instruments. Every instance
// carries its own registry, so tests and the service never fight over
// registration.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Distribution
	Distributions        *prometheus.CounterVec
	DistributionDuration *prometheus.HistogramVec

	// Batch engine
	BatchesDispatched *prometheus.CounterVec
	BatchSizes        *prometheus.HistogramVec
	BatchSuccessRatio *prometheus.GaugeVec
	BatchSizeLimit    *prometheus.GaugeVec

	// Record cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Availability
	StoreHealthy      *prometheus.GaugeVec
	StoreProbeLatency *prometheus.GaugeVec
}

// NewCollector creates a collector with all instruments registered under
// the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		Distributions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "distributions_total",
				Help:      "Completed distributions by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		),
		DistributionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "distribution_duration_seconds",
				Help:      "End-to-end distribution duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		BatchesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_dispatched_total",
				Help:      "Batches flushed to a store adapter.",
			},
			[]string{"store", "op"},
		),
		BatchSizes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Items per dispatched batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"store", "op"},
		),
		BatchSuccessRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_success_ratio",
				Help:      "Success ratio of the most recent batch.",
			},
			[]string{"store", "op"},
		),
		BatchSizeLimit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_size_limit",
				Help:      "Current adaptive batch size ceiling.",
			},
			[]string{"store", "op"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Record cache hits.",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Record cache misses.",
			},
		),
		StoreHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_healthy",
				Help:      "1 when the availability monitor believes the store is reachable.",
			},
			[]string{"store"},
		),
		StoreProbeLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_probe_latency_seconds",
				Help:      "Latency of the most recent health probe.",
			},
			[]string{"store"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Distributions,
		c.DistributionDuration,
		c.BatchesDispatched,
		c.BatchSizes,
		c.BatchSuccessRatio,
		c.BatchSizeLimit,
		c.CacheHits,
		c.CacheMisses,
		c.StoreHealthy,
		c.StoreProbeLatency,
	)
	return c
}

// GetRegistry returns the collector's registry for scrape handlers.
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// ============================================================================
// SINK IMPLEMENTATIONS
// ============================================================================

// ObserveHTTP implements the HTTP metrics middleware's sink.
func (c *Collector) ObserveHTTP(method, route string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDistribution implements the distributor's metrics sink.
func (c *Collector) ObserveDistribution(strategyKind string, success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.Distributions.WithLabelValues(strategyKind, outcome).Inc()
	c.DistributionDuration.WithLabelValues(strategyKind).Observe(duration.Seconds())
}

// BatchDispatched implements the batch engine's metrics sink.
func (c *Collector) BatchDispatched(storeKind, op string, size int, duration time.Duration, successRatio float64) {
	c.BatchesDispatched.WithLabelValues(storeKind, op).Inc()
	c.BatchSizes.WithLabelValues(storeKind, op).Observe(float64(size))
	c.BatchSuccessRatio.WithLabelValues(storeKind, op).Set(successRatio)
}

// BatchSizeChanged implements the batch engine's metrics sink.
func (c *Collector) BatchSizeChanged(storeKind, op string, size int) {
	c.BatchSizeLimit.WithLabelValues(storeKind, op).Set(float64(size))
}

// CacheHit implements the record cache's metrics sink.
func (c *Collector) CacheHit() { c.CacheHits.Inc() }

// CacheMiss implements the record cache's metrics sink.
func (c *Collector) CacheMiss() { c.CacheMisses.Inc() }

// ObserveAvailability updates the health gauges from a snapshot. Wire it
// to the availability monitor's subscription.
func (c *Collector) ObserveAvailability(snap *strategy.Snapshot) {
	if snap == nil {
		return
	}
	for kind, healthy := range snap.Healthy {
		v := 0.0
		if healthy {
			v = 1.0
		}
		c.StoreHealthy.WithLabelValues(string(kind)).Set(v)
	}
	for kind, latency := range snap.Latency {
		c.StoreProbeLatency.WithLabelValues(string(kind)).Set(latency.Seconds())
	}
}

// TrackStores registers a scrape-time bridge over the adapters' internal
// stat trackers. Call it once, after the adapter set is final.
func (c *Collector) TrackStores(namespace string, adapters map[store.Kind]store.Store) {
	c.registry.MustRegister(newStatsBridge(namespace, adapters))
}

// ============================================================================
// ADAPTER STATS BRIDGE
// ============================================================================

// statsBridge turns each adapter's Stats snapshot into const metrics at
// scrape time, so the scrape reflects the live counters without double
// instrumentation inside the adapters.
type statsBridge struct {
	adapters map[store.Kind]store.Store
	ops      *prometheus.Desc
	errors   *prometheus.Desc
	latency  *prometheus.Desc
	bounds   []float64
}

func newStatsBridge(namespace string, adapters map[store.Kind]store.Store) *statsBridge {
	durations := store.LatencyBucketBounds()
	bounds := make([]float64, len(durations))
	for i, d := range durations {
		bounds[i] = d.Seconds()
	}
	return &statsBridge{
		adapters: adapters,
		ops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "ops_total"),
			"Operations issued to a store adapter.",
			[]string{"store", "op"}, nil,
		),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "op_errors_total"),
			"Store operations that returned an error.",
			[]string{"store", "op"}, nil,
		),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "op_duration_seconds"),
			"Latency distribution per store operation.",
			[]string{"store", "op"}, nil,
		),
		bounds: bounds,
	}
}

func (b *statsBridge) Describe(ch chan<- *prometheus.Desc) {
	ch <- b.ops
	ch <- b.errors
	ch <- b.latency
}

func (b *statsBridge) Collect(ch chan<- prometheus.Metric) {
	for kind, adapter := range b.adapters {
		snap := adapter.Stats()
		for op, opStats := range snap.ByOp {
			labels := []string{string(kind), op}
			ch <- prometheus.MustNewConstMetric(b.ops, prometheus.CounterValue,
				float64(opStats.Count), labels...)
			ch <- prometheus.MustNewConstMetric(b.errors, prometheus.CounterValue,
				float64(opStats.Errors), labels...)

			// The tracker's bins are per-bucket; prometheus wants them
			// cumulative. The overflow bin is implied by the total count.
			buckets := make(map[float64]uint64, len(b.bounds))
			var cumulative uint64
			for i, bound := range b.bounds {
				cumulative += opStats.Buckets[i]
				buckets[bound] = cumulative
			}
			ch <- prometheus.MustNewConstHistogram(b.latency,
				opStats.Count, opStats.TotalTime.Seconds(), buckets, labels...)
		}
	}
}
