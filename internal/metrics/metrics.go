package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudstream"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total control API requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Control API request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 1, 3, 10, 30},
	}, []string{"method", "route"})

	ListingCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listing_cache_hits_total",
		Help:      "Directory listings answered from the cache.",
	})

	ListingCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listing_cache_misses_total",
		Help:      "Directory listings that required a fetch.",
	})

	ListingFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listing_fetches_total",
		Help:      "Listing subprocess invocations.",
	})

	ListingFetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listing_fetch_failures_total",
		Help:      "Failed listing fetches by error code.",
	}, []string{"code"})

	ServeStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "serve_starts_total",
		Help:      "Serving processes launched.",
	})

	ServeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "serve_failures_total",
		Help:      "Serving process failures by reason.",
	}, []string{"reason"})

	ServeStartupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "serve_startup_duration_seconds",
		Help:      "Time from spawn until the serving process answered its first probe.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	ServeRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "serve_running",
		Help:      "1 while a serving process is running, else 0.",
	})

	CacheSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_size_bytes",
		Help:      "On-disk byte cache usage per remote.",
	}, []string{"remote"})

	AuthFlowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_flows_total",
		Help:      "Finished authorization flows by outcome.",
	}, []string{"outcome"})
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ListingCacheHits,
			ListingCacheMisses,
			ListingFetchesTotal,
			ListingFetchFailures,
			ServeStartsTotal,
			ServeFailuresTotal,
			ServeStartupDuration,
			ServeRunning,
			CacheSizeBytes,
			AuthFlowsTotal,
		)
	})
}
