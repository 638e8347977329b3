package portalclient

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request pipeline. All
// methods are safe on a nil receiver, which disables collection.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	attemptsTotal *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheSize          prometheus.Gauge
	cacheInvalidations prometheus.Counter
	deduplicated       *prometheus.CounterVec

	sessionRefreshes *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetricsCollector registers the collector's metrics on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry registers the collector's metrics on registry.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_requests_total",
				Help: "Total number of logical API calls",
			},
			[]string{"method", "status_code", "path"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portalclient_request_duration_seconds",
				Help:    "Duration of logical API calls in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portalclient_requests_in_flight",
				Help: "Number of logical API calls currently in flight",
			},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_attempts_total",
				Help: "Total number of sends handed to the transport",
			},
			[]string{"method", "path", "outcome"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "path", "attempt"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portalclient_circuit_breaker_state",
				Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"path"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"path"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portalclient_cache_entries",
				Help: "Current number of entries in the response cache",
			},
		),
		cacheInvalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "portalclient_cache_invalidations_total",
				Help: "Total number of cache entries dropped after mutating calls",
			},
		),
		deduplicated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_deduplicated_total",
				Help: "Total number of GETs served by joining an identical in-flight call",
			},
			[]string{"path"},
		),
		sessionRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_session_refreshes_total",
				Help: "Total number of session refresh operations",
			},
			[]string{"result"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portalclient_errors_total",
				Help: "Total number of failed calls by error kind",
			},
			[]string{"kind", "method", "path"},
		),
	}
	if g, ok := registry.(prometheus.Gatherer); ok {
		mc.gatherer = g
	}
	return mc
}

// RecordRequest records a finished call.
func (mc *MetricsCollector) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode), path).Inc()
	mc.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart() {
	if mc == nil {
		return
	}
	mc.requestsInFlight.Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd() {
	if mc == nil {
		return
	}
	mc.requestsInFlight.Dec()
}

// RecordAttempt counts a send by outcome ("success", "transient", "unauthorized", ...).
func (mc *MetricsCollector) RecordAttempt(method, path, outcome string) {
	if mc == nil {
		return
	}
	mc.attemptsTotal.WithLabelValues(method, path, outcome).Inc()
}

// RecordRetry counts a retry attempt.
func (mc *MetricsCollector) RecordRetry(method, path string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, path, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets the breaker gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}
	var v float64
	switch state {
	case StateOpen:
		v = 1
	case StateHalfOpen:
		v = 2
	}
	mc.circuitBreakerState.WithLabelValues(name).Set(v)
}

// RecordCacheHit counts a cache hit.
func (mc *MetricsCollector) RecordCacheHit(path string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(path).Inc()
}

// RecordCacheMiss counts a cache miss.
func (mc *MetricsCollector) RecordCacheMiss(path string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(path).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordCacheInvalidations adds n dropped entries.
func (mc *MetricsCollector) RecordCacheInvalidations(n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.cacheInvalidations.Add(float64(n))
}

// RecordDeduplicated counts a caller that joined an in-flight GET.
func (mc *MetricsCollector) RecordDeduplicated(path string) {
	if mc == nil {
		return
	}
	mc.deduplicated.WithLabelValues(path).Inc()
}

// RecordSessionRefresh counts a refresh by result ("success" or "failure").
func (mc *MetricsCollector) RecordSessionRefresh(result string) {
	if mc == nil {
		return
	}
	mc.sessionRefreshes.WithLabelValues(result).Inc()
}

// RecordError counts a failed call.
func (mc *MetricsCollector) RecordError(kind Kind, method, path string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(string(kind), method, path).Inc()
}

// Gatherer exposes the registry the metrics were registered on, when it can gather.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	if mc == nil {
		return nil
	}
	return mc.gatherer
}
