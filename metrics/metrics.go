// Package metrics exposes the operational counters/histograms for the
// engine: acquire outcomes, store call latency, breaker state, and the
// resolver/entity cache hit rate. Grounded on cuemby-warren's
// pkg/metrics/metrics.go (package-level prometheus.MustRegister vars plus a
// Timer helper for histogram observation).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_acquire_total",
			Help: "Total number of Acquire calls by outcome",
		},
		[]string{"outcome"}, // allowed, exceeded, unavailable, degraded, error
	)

	AcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ratelimit_acquire_duration_seconds",
			Help:    "Acquire call duration in seconds, including any store round trips",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_store_call_duration_seconds",
			Help:    "Repository call duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // read_bucket, write_bucket, transact_write
	)

	StoreCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_store_call_total",
			Help: "Repository call outcomes by operation and result",
		},
		[]string{"op", "result"}, // result: ok, condition_failed, transient, fatal, breaker_open
	)

	WritePathTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_write_path_total",
			Help: "Bucket writes by path (create, normal, retry, adjust)",
		},
		[]string{"path"},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratelimit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open",
		},
	)

	ConfigCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_config_cache_total",
			Help: "Config resolver cache lookups by level and result",
		},
		[]string{"level", "result"}, // result: hit, miss, negative_hit
	)

	EntityCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_entity_cache_total",
			Help: "Entity (#META) cache lookups by result",
		},
		[]string{"result"}, // hit, miss, negative_hit
	)

	LeaseOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_lease_outcome_total",
			Help: "Lease exits by outcome",
		},
		[]string{"outcome"}, // committed, rolled_back, adjusted
	)
)

func init() {
	prometheus.MustRegister(AcquireTotal)
	prometheus.MustRegister(AcquireDuration)
	prometheus.MustRegister(StoreCallDuration)
	prometheus.MustRegister(StoreCallTotal)
	prometheus.MustRegister(WritePathTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ConfigCacheTotal)
	prometheus.MustRegister(EntityCacheTotal)
	prometheus.MustRegister(LeaseOutcomeTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}
