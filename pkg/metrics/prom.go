package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolver and pricing collectors, registered on the default registry.

var (
	// Resolver
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin_resolver",
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Ticker resolutions by stage and outcome",
	}, []string{"via", "outcome"})

	ResolutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin_resolver",
		Subsystem: "resolver",
		Name:      "failures_total",
		Help:      "Failed resolutions by reason",
	}, []string{"reason"})

	AutoBans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin_resolver",
		Subsystem: "resolver",
		Name:      "auto_bans_total",
		Help:      "Tickers banned by anti-poisoning rules",
	}, []string{"rule"})

	ResolveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coin_resolver",
		Subsystem: "resolver",
		Name:      "resolve_duration_seconds",
		Help:      "Learning store resolution latency by stage",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"via"})

	ResolverCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coin_resolver",
		Subsystem: "resolver",
		Name:      "cache_entries",
		Help:      "Entries in the in-memory resolution cache",
	})

	// Pricing
	UpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin_resolver",
		Subsystem: "pricing",
		Name:      "upstream_calls_total",
		Help:      "Batched price requests sent to the primary provider",
	}, []string{"result"})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coin_resolver",
		Subsystem: "pricing",
		Name:      "upstream_duration_seconds",
		Help:      "Primary provider request latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coin_resolver",
		Subsystem: "pricing",
		Name:      "batch_ids",
		Help:      "Distinct ids per upstream price request",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	QuoteCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coin_resolver",
		Subsystem: "pricing",
		Name:      "quote_cache_entries",
		Help:      "Entries in the local quote cache",
	})

	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coin_resolver",
		Subsystem: "pricing",
		Name:      "breaker_open",
		Help:      "1 while the primary provider is cooling down",
	})

	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coin_resolver",
		Subsystem: "pricing",
		Name:      "breaker_trips_total",
		Help:      "Transitions into cooldown",
	})

	// Upstream HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin_resolver",
		Subsystem: "upstream",
		Name:      "http_requests_total",
		Help:      "Provider HTTP requests by endpoint and status code",
	}, []string{"endpoint", "status"})
)
