// Package metrics holds the prometheus collectors for authentication, metering,
// usage logging and the HTTP surface. Every recording method is safe on a nil
// *Metrics so components can run without metrics wired in.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devkeys"

// Metrics owns a private registry so that several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	authTotal           *prometheus.CounterVec
	meterTotal          *prometheus.CounterVec
	usageLogRecorded    prometheus.Counter
	usageLogDropped     prometheus.Counter
	usageLogFlushErrors prometheus.Counter
	rolloverResets      prometheus.Counter
	lifecycleTotal      *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpLatency         *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by outcome code.",
		}, []string{"outcome"}),
		meterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meter_decisions_total",
			Help:      "Usage limiter decisions by outcome.",
		}, []string{"outcome"}),
		usageLogRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_log_entries_total",
			Help:      "Usage log entries written.",
		}),
		usageLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_log_dropped_total",
			Help:      "Usage events dropped because the buffer was full or the recorder stopped.",
		}),
		usageLogFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_log_flush_errors_total",
			Help:      "Usage log batches that failed to persist.",
		}),
		rolloverResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_rollover_resets_total",
			Help:      "Monthly counters zeroed by the rollover worker.",
		}),
		lifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by action and result.",
		}, []string{"action", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authTotal,
		m.meterTotal,
		m.usageLogRecorded,
		m.usageLogDropped,
		m.usageLogFlushErrors,
		m.rolloverResets,
		m.lifecycleTotal,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveAuth counts an authentication attempt. outcome is "success" or an error code.
func (m *Metrics) ObserveAuth(outcome string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(outcome).Inc()
}

// ObserveMeter counts a limiter decision. outcome is "allowed" or an error code.
func (m *Metrics) ObserveMeter(outcome string) {
	if m == nil {
		return
	}
	m.meterTotal.WithLabelValues(outcome).Inc()
}

// UsageLogRecorded adds n persisted usage log entries.
func (m *Metrics) UsageLogRecorded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.usageLogRecorded.Add(float64(n))
}

// UsageLogDropped counts one dropped usage event.
func (m *Metrics) UsageLogDropped() {
	if m == nil {
		return
	}
	m.usageLogDropped.Inc()
}

// UsageLogFlushFailed counts one failed batch.
func (m *Metrics) UsageLogFlushFailed() {
	if m == nil {
		return
	}
	m.usageLogFlushErrors.Inc()
}

// RolloverReset adds n counters zeroed by a rollover sweep.
func (m *Metrics) RolloverReset(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rolloverResets.Add(float64(n))
}

// ObserveLifecycle counts a lifecycle operation.
func (m *Metrics) ObserveLifecycle(action, result string) {
	if m == nil {
		return
	}
	m.lifecycleTotal.WithLabelValues(action, result).Inc()
}

// ObserveHTTP records one handled request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpLatency.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}
