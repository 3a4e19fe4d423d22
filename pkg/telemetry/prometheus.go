package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the export service.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Job metrics
	jobTransitions *prometheus.CounterVec
	submissions    *prometheus.CounterVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec
	cachePurged  prometheus.Counter

	// Execution metrics
	executionsTotal    *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	executionsInFlight prometheus.Gauge

	// Dispatch metrics
	dispatchTotal *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec

	// Webhook metrics
	webhookRejections *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoexport_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_job_transitions_total",
				Help: "Job status transitions by source and target status",
			},
			[]string{"from", "to"},
		),

		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_submissions_total",
				Help: "Export submissions by outcome (cached, attached, queued, rejected)",
			},
			[]string{"outcome"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_cache_lookups_total",
				Help: "Fingerprint cache lookups by result",
			},
			[]string{"result"},
		),

		cachePurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "geoexport_cache_purged_total",
				Help: "Expired cache entries removed by the sweeper",
			},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_executions_total",
				Help: "Engine executions by outcome",
			},
			[]string{"outcome"},
		),

		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geoexport_execution_duration_seconds",
				Help:    "Engine execution wall-clock time in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
		),

		executionsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "geoexport_executions_in_flight",
				Help: "Engine processes currently running",
			},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_dispatch_total",
				Help: "Task enqueue attempts by backend and result",
			},
			[]string{"backend", "result"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "geoexport_dispatch_circuit_state",
				Help: "Dispatch circuit breaker state (1 for the current state)",
			},
			[]string{"state"},
		),

		webhookRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_webhook_rejections_total",
				Help: "Rejected webhook deliveries by reason",
			},
			[]string{"reason"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoexport_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.jobTransitions,
		m.submissions,
		m.cacheLookups,
		m.cachePurged,
		m.executionsTotal,
		m.executionDuration,
		m.executionsInFlight,
		m.dispatchTotal,
		m.circuitState,
		m.webhookRejections,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegisterGaugeFunc exposes a value computed at scrape time, such as the
// registry size or cache length.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordJobTransition records a status change.
func (m *Metrics) RecordJobTransition(from, to string) {
	m.jobTransitions.WithLabelValues(from, to).Inc()
}

// RecordSubmission records how a submission was answered.
func (m *Metrics) RecordSubmission(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a hit or a miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCachePurge records entries removed by a sweep.
func (m *Metrics) RecordCachePurge(removed int) {
	m.cachePurged.Add(float64(removed))
}

// ExecutionStarted increments the in-flight gauge.
func (m *Metrics) ExecutionStarted() {
	m.executionsInFlight.Inc()
}

// ExecutionFinished records an engine run outcome.
func (m *Metrics) ExecutionFinished(outcome string, duration time.Duration) {
	m.executionsInFlight.Dec()
	m.executionsTotal.WithLabelValues(outcome).Inc()
	m.executionDuration.Observe(duration.Seconds())
}

// RecordExecutionRejected records a run refused because all slots are busy.
func (m *Metrics) RecordExecutionRejected() {
	m.executionsTotal.WithLabelValues("saturated").Inc()
}

// RecordDispatch records an enqueue attempt.
func (m *Metrics) RecordDispatch(backend, result string) {
	m.dispatchTotal.WithLabelValues(backend, result).Inc()
}

// SetCircuitState marks state as the current breaker state.
func (m *Metrics) SetCircuitState(state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.circuitState.WithLabelValues(s).Set(v)
	}
}

// RecordWebhookRejection records a rejected webhook delivery.
func (m *Metrics) RecordWebhookRejection(reason string) {
	m.webhookRejections.WithLabelValues(reason).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware records request counts and latency labelled by the
// matched chi route pattern, so ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
