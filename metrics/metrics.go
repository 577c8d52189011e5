package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// CacheHitsTotal counts reads served from a fresh entry.
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_hits_total",
		Help:      "Total number of cache reads served from a fresh entry.",
	}, []string{"cache"})

	// CacheMissesTotal counts reads that found no fresh entry.
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_misses_total",
		Help:      "Total number of cache reads that found no fresh entry.",
	}, []string{"cache"})

	// CacheJoinsTotal counts callers that received the result of another caller's load.
	CacheJoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_joins_total",
		Help:      "Total number of callers that shared an in-flight load.",
	}, []string{"cache"})

	// CacheLoadsTotal counts loader invocations by outcome.
	CacheLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_loads_total",
		Help:      "Total number of loader invocations, labeled by result.",
	}, []string{"cache", "result"})

	// CacheEvictionsTotal counts entries removed by LRU eviction.
	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_evictions_total",
		Help:      "Total number of entries removed by LRU eviction.",
	}, []string{"cache"})

	// CacheInvalidationsTotal counts entries removed by explicit invalidation.
	CacheInvalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_invalidations_total",
		Help:      "Total number of entries removed by explicit invalidation.",
	}, []string{"cache"})

	// CacheEntries is the current number of stored entries.
	CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "cache_entries",
		Help:      "Current number of stored cache entries.",
	}, []string{"cache"})

	// UpstreamRequestsTotal counts calls to the reports API by operation and result.
	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "upstream_requests_total",
		Help:      "Total number of reports API requests, labeled by operation and result.",
	}, []string{"op", "result"})

	// UpstreamDurationSeconds is the latency of reports API requests.
	UpstreamDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "upstream_request_duration_seconds",
		Help:      "Latency of reports API requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "circuit_breaker_state",
		Help:      "Reports API circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	// StoreReports is the number of reports held per classification.
	StoreReports = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "store_reports",
		Help:      "Number of reports held by the dashboard store, labeled by classification.",
	}, []string{"classification"})

	// StoreFetchesTotal counts collection fetches by classification and result.
	StoreFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "store_fetches_total",
		Help:      "Total number of collection fetches, labeled by classification and result.",
	}, []string{"classification", "result"})

	// LiveConnected is 1 while the upstream live stream is connected.
	LiveConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "live_connected",
		Help:      "Whether the upstream live report stream is connected.",
	})

	// LiveReportsTotal counts live reports routed into the store, labeled by classification.
	LiveReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "live_reports_total",
		Help:      "Total number of live reports routed into the store, labeled by classification.",
	}, []string{"classification"})

	// DashboardClients is the number of connected dashboard websocket clients.
	DashboardClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "dashboard_clients",
		Help:      "Number of connected dashboard websocket clients.",
	})

	// InvalidationEventsTotal counts AMQP invalidation events by result.
	InvalidationEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "invalidation_events_total",
		Help:      "Total number of AMQP invalidation events processed, labeled by result.",
	}, []string{"result"})

	// RabbitMQConnected is 1 when the invalidation subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "report_sync",
		Name:      "rabbitmq_connected",
		Help:      "Whether the invalidation RabbitMQ subscriber is currently connected (best-effort).",
	})
)

// Register registers service metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CacheHitsTotal,
			CacheMissesTotal,
			CacheJoinsTotal,
			CacheLoadsTotal,
			CacheEvictionsTotal,
			CacheInvalidationsTotal,
			CacheEntries,
			UpstreamRequestsTotal,
			UpstreamDurationSeconds,
			CircuitBreakerState,
			StoreReports,
			StoreFetchesTotal,
			LiveConnected,
			LiveReportsTotal,
			DashboardClients,
			InvalidationEventsTotal,
			RabbitMQConnected,
		)
	})
}
