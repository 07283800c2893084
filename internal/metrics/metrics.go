// Package metrics holds the Prometheus instruments for the authorization
// core. Everything is registered against the default registry and served
// from /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheHits counts cache hits per cache name (capabilities, org_meta, user_orgs).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcore_cache_hits_total",
		Help: "Cache hits by cache name.",
	}, []string{"cache"})

	// CacheMisses counts cache misses per cache name.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcore_cache_misses_total",
		Help: "Cache misses by cache name.",
	}, []string{"cache"})

	// EpochBumps counts global cache invalidations. Frequent bumps indicate
	// targeted invalidation is failing and deserve review.
	EpochBumps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantcore_cache_epoch_bumps_total",
		Help: "Global cache epoch bumps.",
	})

	// AuthzChecks counts authorization resolutions by outcome (member, non_member, error).
	AuthzChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcore_authz_checks_total",
		Help: "Authorization checks by outcome.",
	}, []string{"outcome"})

	// RateLimitDenials counts rate-limited mutations by action key.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantcore_ratelimit_denials_total",
		Help: "Rate limiter denials by action.",
	}, []string{"action"})
)

// RegisterCacheSize exposes a cache's live entry count as a gauge.
func RegisterCacheSize(name string, size func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "tenantcore_cache_entries",
		Help:        "Current cache entry count.",
		ConstLabels: prometheus.Labels{"cache": name},
	}, func() float64 {
		return float64(size())
	}))
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
