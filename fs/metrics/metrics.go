// Package metrics exposes the Prometheus counters and histograms named in
// SPEC_FULL.md §4.10: cache hit/miss/corruption counts, fetch retries by
// reason, fetch latency, and bytes served by origin.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache holds the counters a rangecache.Cache reports on every lookup and
// insert.
type Cache struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	corrupted prometheus.Counter
}

// NewCache registers the cache counters against reg. Passing a nil reg
// creates counters that are not registered with any registry.
func NewCache(reg prometheus.Registerer) *Cache {
	f := promauto.With(reg)
	return &Cache{
		hits: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_cache_hits_total",
			Help: "Range reads fully satisfied from the on-disk cache.",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_cache_misses_total",
			Help: "Range reads not found in the on-disk cache.",
		}),
		corrupted: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_cache_corrupted_total",
			Help: "Cache entries discarded after a leader/trailer digest mismatch.",
		}),
	}
}

// Hit, Miss, and Corrupt are no-ops on a nil *Cache so callers in tests
// can pass one without registering a Prometheus registry.
func (c *Cache) Hit() {
	if c != nil {
		c.hits.Inc()
	}
}

func (c *Cache) Miss() {
	if c != nil {
		c.misses.Inc()
	}
}

func (c *Cache) Corrupt() {
	if c != nil {
		c.corrupted.Inc()
	}
}

// Fetch holds the counters and histograms a fetch orchestrator reports.
type Fetch struct {
	retries      *prometheus.CounterVec
	latency      prometheus.Histogram
	bytesOrigin  prometheus.Counter
	bytesCache   prometheus.Counter
	mismatches   prometheus.Counter
}

// NewFetch registers the fetch counters against reg.
func NewFetch(reg prometheus.Registerer) *Fetch {
	f := promauto.With(reg)
	return &Fetch{
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "httpfs_fetch_retries_total",
			Help: "Fetch retries, labelled by reason (reset, redirect, stale-keepalive, digest-mismatch).",
		}, []string{"reason"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "httpfs_fetch_duration_seconds",
			Help:    "Time to satisfy one read request from the origin (cache misses only).",
			Buckets: prometheus.DefBuckets,
		}),
		bytesOrigin: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_bytes_origin_total",
			Help: "Bytes served from an origin fetch.",
		}),
		bytesCache: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_bytes_cache_total",
			Help: "Bytes served from the on-disk cache.",
		}),
		mismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "httpfs_digest_mismatches_total",
			Help: "Fetches whose body failed X-MD5 verification and were retried.",
		}),
	}
}

func (m *Fetch) Retry(reason string) {
	if m != nil {
		m.retries.WithLabelValues(reason).Inc()
	}
}

func (m *Fetch) ObserveLatency(seconds float64) {
	if m != nil {
		m.latency.Observe(seconds)
	}
}

func (m *Fetch) BytesOrigin(n int) {
	if m != nil {
		m.bytesOrigin.Add(float64(n))
	}
}

func (m *Fetch) BytesCache(n int) {
	if m != nil {
		m.bytesCache.Add(float64(n))
	}
}

func (m *Fetch) Mismatch() {
	if m != nil {
		m.mismatches.Inc()
	}
}

// Handler returns the standard Prometheus scrape handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
