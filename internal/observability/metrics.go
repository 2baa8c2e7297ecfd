package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Weather API call rate by operation kind and outcome.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Weather API failures by category (network, timeout, rate_limited, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker transitions and current state (0 closed, 1 half-open, 2 open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Cache lookups by result (hit, miss, expired).
	CacheLookupsTotal *prometheus.CounterVec

	// Cache entries dropped by reason (capacity, expired, removed).
	CacheEvictionsTotal *prometheus.CounterVec

	// Entries currently in the persisted cache list.
	CacheItems prometheus.Gauge

	// Durable store failures that were swallowed. Watch for: quota, corrupt.
	StorageErrorsTotal *prometheus.CounterVec

	// Durable store operation latency.
	StorageOperationDuration *prometheus.HistogramVec

	// Queue items enqueued by kind.
	QueueEnqueuedTotal *prometheus.CounterVec

	// Queue items dropped without success, by reason.
	QueueDroppedTotal *prometheus.CounterVec

	// Items currently waiting in the offline queue.
	QueueSize prometheus.Gauge

	// Queue drain runs by result (completed, skipped, interrupted).
	QueueDrainsTotal *prometheus.CounterVec

	// Per-item drain outcomes (processed, requeued, failed).
	QueueDrainItemsTotal *prometheus.CounterVec

	// 1 while a drain is running.
	QueueProcessing prometheus.Gauge

	// Retry attempts and give-ups per policy name.
	RetryAttemptsTotal  *prometheus.CounterVec
	RetryExhaustedTotal *prometheus.CounterVec

	// Stale cached snapshots served in place of a fresh fetch.
	FallbackServedTotal *prometheus.CounterVec

	// Requests that produced no data at all, by reason (offline, fetch_failed).
	NoCachedDataTotal *prometheus.CounterVec

	// 1 when the network is considered online.
	NetworkOnline prometheus.Gauge

	// Network state transitions by target state.
	NetworkTransitionsTotal *prometheus.CounterVec

	// Connectivity probes by result.
	NetworkProbesTotal *prometheus.CounterVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherApiCallsTotal", Help: "Total number of weather API calls"},
		[]string{"kind", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Weather API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherApiErrorsTotal", Help: "Weather API failures by category"},
		[]string{"category"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"},
		[]string{"component"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheLookupsTotal", Help: "Weather cache lookups by result"},
		[]string{"result"},
	)
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheEvictionsTotal", Help: "Weather cache entries dropped by reason"},
		[]string{"reason"},
	)
	CacheItems = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "cacheItems", Help: "Entries in the persisted weather cache"},
	)
	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storageErrorsTotal", Help: "Durable store failures (recovered locally)"},
		[]string{"component", "op", "category"},
	)
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storageOperationDurationSeconds",
			Help:    "Durable store operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"component", "op"},
	)
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queueEnqueuedTotal", Help: "Offline queue enqueues by operation kind"},
		[]string{"kind"},
	)
	QueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queueDroppedTotal", Help: "Offline queue items dropped without success"},
		[]string{"reason"},
	)
	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "queueSize", Help: "Items waiting in the offline queue"},
	)
	QueueDrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queueDrainsTotal", Help: "Offline queue drain runs by result"},
		[]string{"result"},
	)
	QueueDrainItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queueDrainItemsTotal", Help: "Offline queue item outcomes during drains"},
		[]string{"outcome"},
	)
	QueueProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "queueProcessing", Help: "1 while an offline queue drain is running"},
	)
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "retryAttemptsTotal", Help: "Attempts started by retry policies"},
		[]string{"policy"},
	)
	RetryExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "retryExhaustedTotal", Help: "Retry policies that reached their attempt limit"},
		[]string{"policy"},
	)
	FallbackServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fallbackServedTotal", Help: "Cached snapshots served in place of a fresh fetch"},
		[]string{"kind", "reason"},
	)
	NoCachedDataTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "noCachedDataTotal", Help: "Requests that produced no data, by reason"},
		[]string{"reason"},
	)
	NetworkOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "networkOnline", Help: "1 when the network is considered online"},
	)
	NetworkTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "networkTransitionsTotal", Help: "Network state transitions by target state"},
		[]string{"to"},
	)
	NetworkProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "networkProbesTotal", Help: "Connectivity probes by result"},
		[]string{"result"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed location"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		CacheLookupsTotal, CacheEvictionsTotal, CacheItems,
		StorageErrorsTotal, StorageOperationDuration,
		QueueEnqueuedTotal, QueueDroppedTotal, QueueSize,
		QueueDrainsTotal, QueueDrainItemsTotal, QueueProcessing,
		RetryAttemptsTotal, RetryExhaustedTotal,
		FallbackServedTotal, NoCachedDataTotal,
		NetworkOnline, NetworkTransitionsTotal, NetworkProbesTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
	)
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locationIDs []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locationIDs))
	for _, id := range locationIDs {
		trackedLocations[normalizeLocationForMetrics(id)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given location id.
func RecordWeatherQuery(locationID string) {
	loc := normalizeLocationForMetrics(locationID)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		WeatherQueriesByLocationTotal.WithLabelValues(loc).Inc()
	} else {
		WeatherQueriesByLocationTotal.WithLabelValues("other").Inc()
	}
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SetNetworkOnline mirrors the network state into the networkOnline gauge.
func SetNetworkOnline(online bool) {
	if online {
		NetworkOnline.Set(1)
		return
	}
	NetworkOnline.Set(0)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
