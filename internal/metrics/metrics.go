// Package metrics exposes Prometheus metrics for the pattern cache.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for modcache.
type Metrics struct {
	// Matcher metrics
	Hits   prometheus.Counter
	Misses prometheus.Counter

	// Store metrics
	Patterns      *prometheus.GaugeVec
	Flushes       prometheus.Counter
	FlushDuration prometheus.Histogram
	Degraded      prometheus.Gauge

	// Merge metrics: result is one of new, updated, stale, malformed
	MergeRecords *prometheus.CounterVec

	// Hot cache metrics
	HotCacheHits   prometheus.Counter
	HotCacheMisses prometheus.Counter

	// Estimated tokens the external service did not have to generate
	// because a cached artifact was served instead.
	TokensSaved prometheus.Counter
}

var (
	once   sync.Once
	shared *Metrics
)

// New returns the process-wide metrics set, registering it on first use.
func New() *Metrics {
	once.Do(func() {
		shared = &Metrics{
			Hits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "modcache_hits_total",
				Help: "Total number of matcher hits",
			}),
			Misses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "modcache_misses_total",
				Help: "Total number of matcher misses",
			}),
			Patterns: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "modcache_patterns",
					Help: "Number of stored patterns by category",
				},
				[]string{"category"},
			),
			Flushes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "modcache_flushes_total",
				Help: "Total number of store flushes to durable storage",
			}),
			FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "modcache_flush_duration_seconds",
				Help:    "Duration of store flushes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
			}),
			Degraded: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "modcache_degraded",
				Help: "1 when the backing store is unavailable and the cache runs in memory only",
			}),
			MergeRecords: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "modcache_merge_records_total",
					Help: "Total merge batch records by result",
				},
				[]string{"result"},
			),
			HotCacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "modcache_hot_cache_hits_total",
				Help: "Total number of hot response cache hits",
			}),
			HotCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "modcache_hot_cache_misses_total",
				Help: "Total number of hot response cache misses",
			}),
			TokensSaved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "modcache_tokens_saved_total",
				Help: "Estimated tokens saved by serving cached artifacts",
			}),
		}
	})
	return shared
}

// EstimateTokens approximates the token count of an artifact. The usual
// four-characters-per-token heuristic is close enough for a savings
// counter that only feeds dashboards.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
