// Package metrics holds the Prometheus collectors agentgate exports.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentgate"

// Metrics records cache, rate-limit and sweep activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	sweepReclaimed   *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Calls answered from the response cache.",
		}, []string{"agent"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cacheable calls that had to reach the agent.",
		}, []string{"agent"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Cache store operations that failed and were bypassed.",
		}, []string{"agent", "op"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Calls rejected by the rate limiter.",
		}, []string{"agent"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Agent calls that returned an error.",
		}, []string{"agent"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of agent calls that missed the cache.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"agent"}),
		sweepReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reclaimed_total",
			Help:      "Rows removed by the maintenance sweeper.",
		}, []string{"kind"}),
	}
}

// CacheHit counts a call served from cache.
func (m *Metrics) CacheHit(agent string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(agent).Inc()
}

// CacheMiss counts a cacheable call that missed.
func (m *Metrics) CacheMiss(agent string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(agent).Inc()
}

// StoreError counts a failed cache store operation.
func (m *Metrics) StoreError(agent, op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(agent, op).Inc()
}

// RateLimited counts a rejected call.
func (m *Metrics) RateLimited(agent string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(agent).Inc()
}

// Upstream records one agent call.
func (m *Metrics) Upstream(agent string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(agent).Observe(d.Seconds())
	if err != nil {
		m.upstreamErrors.WithLabelValues(agent).Inc()
	}
}

// Reclaimed counts rows removed by a sweep. kind is "cache" or "windows".
func (m *Metrics) Reclaimed(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepReclaimed.WithLabelValues(kind).Add(float64(n))
}
