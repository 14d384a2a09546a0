// Package metrics holds the Prometheus instruments exposed on the admin
// listener. Every recording method is safe to call on a nil *Metrics.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline modes recorded per request.
const (
	ModePersonalized = "personalized"
	ModePassthrough  = "passthrough"
	ModeFallback     = "fallback"
	ModeFailed       = "failed"
)

// Cache lookup results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheStale  = "stale"
	CacheBypass = "bypass"
)

// Metrics holds all Prometheus metrics for the edge
type Metrics struct {
	// Pipeline metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	enrollments     prometheus.Counter
	skippedEntries  *prometheus.CounterVec

	// Cache metrics
	cacheLookups     *prometheus.CounterVec
	cacheStoreErrors *prometheus.CounterVec

	// Background metrics
	backgroundFailures *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// Upstream circuit breaker metrics
	breakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a new metrics instance with all edge metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_requests_total",
				Help: "Total number of data-plane requests by pipeline mode and status code",
			},
			[]string{"mode", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_request_duration_seconds",
				Help:    "Data-plane request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),

		enrollments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_experiment_enrollments_total",
				Help: "Total number of experiment enrollments emitted",
			},
		),

		skippedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_content_entries_skipped_total",
				Help: "Content entries skipped because their type is unknown or they are malformed",
			},
			[]string{"content_type", "reason"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_cache_lookups_total",
				Help: "Edge cache lookups by result",
			},
			[]string{"result"},
		),

		cacheStoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_cache_store_errors_total",
				Help: "Response store errors by operation",
			},
			[]string{"op"},
		),

		backgroundFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_background_failures_total",
				Help: "Background tasks that failed by task name",
			},
			[]string{"task"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_upstream_breaker_open",
				Help: "1 while the circuit breaker of an upstream is open or half-open",
			},
			[]string{"upstream"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.enrollments,
		m.skippedEntries,
		m.cacheLookups,
		m.cacheStoreErrors,
		m.backgroundFailures,
		m.configReloads,
		m.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a finished data-plane request
func (m *Metrics) RecordRequest(mode string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(mode, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordEnrollment records an experiment enrollment
func (m *Metrics) RecordEnrollment() {
	if m == nil {
		return
	}
	m.enrollments.Inc()
}

// RecordSkippedEntry records a content entry that was not mapped
func (m *Metrics) RecordSkippedEntry(contentType, reason string) {
	if m == nil {
		return
	}
	m.skippedEntries.WithLabelValues(contentType, reason).Inc()
}

// RecordCacheLookup records the outcome of an edge cache lookup
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheStoreError records a failed response store operation
func (m *Metrics) RecordCacheStoreError(op string) {
	if m == nil {
		return
	}
	m.cacheStoreErrors.WithLabelValues(op).Inc()
}

// RecordBackgroundFailure records a failed background task
func (m *Metrics) RecordBackgroundFailure(task string, _ error) {
	if m == nil {
		return
	}
	m.backgroundFailures.WithLabelValues(task).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordBreakerState records whether the breaker of upstream is letting calls through
func (m *Metrics) RecordBreakerState(upstream string, closed bool) {
	if m == nil {
		return
	}
	value := 1.0
	if closed {
		value = 0
	}
	m.breakerState.WithLabelValues(upstream).Set(value)
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RequestTimer measures one data-plane request.
type RequestTimer struct {
	start   time.Time
	metrics *Metrics
}

// NewRequestTimer starts timing a request
func (m *Metrics) NewRequestTimer() *RequestTimer {
	return &RequestTimer{start: time.Now(), metrics: m}
}

// Done records the request under mode.
func (rt *RequestTimer) Done(mode string, statusCode int) {
	rt.metrics.RecordRequest(mode, statusCode, time.Since(rt.start))
}

// StatusRecorder wraps http.ResponseWriter to capture the status code
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

// NewStatusRecorder wraps w with a default status of 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *StatusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.StatusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *StatusRecorder) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *StatusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *StatusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
