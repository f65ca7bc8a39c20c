// Package observability provides Prometheus metrics, health probes,
// structured logging and OpenTelemetry tracing for playlistgate.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "playlistgate"

// Metrics mirrors hot-path atomic counters into Prometheus collectors.
// Endpoint labels are bounded by the gateway's fixed endpoint set.
type Metrics struct {
	admitted         int64
	rejected         int64
	admissionErrors  int64
	fallbackUsed     int64
	attempts         int64
	retries          int64
	dispatchFailures int64
	configFatal      int64
	validationFailed int64
	shareCacheHits   int64
	eventsDropped    int64
	eventsFailed     int64

	promAdmitted         *prometheus.CounterVec
	promRejected         *prometheus.CounterVec
	promAdmissionErrors  prometheus.Counter
	promFallbackUsed     prometheus.Counter
	promAttempts         prometheus.Counter
	promRetries          prometheus.Counter
	promDispatchFailures *prometheus.CounterVec
	promConfigFatal      prometheus.Counter
	promValidationFailed *prometheus.CounterVec
	promShareOps         *prometheus.CounterVec
	promEventsDropped    prometheus.Counter
	promEventsFailed     prometheus.Counter

	PromRequestDuration  *prometheus.HistogramVec
	PromUpstreamDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_admitted_total",
			Help:      "Requests admitted by admission control.",
		}, []string{"endpoint"}),
		promRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected by admission control.",
		}, []string{"endpoint"}),
		promAdmissionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_errors_total",
			Help:      "Admission backend errors (Redis unreachable, script failures).",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_fallback_used_total",
			Help:      "Admission decisions taken by the in-memory fallback.",
		}),
		promAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts sent, including retries.",
		}),
		promRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream attempts beyond the first.",
		}),
		promDispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Dispatches that ended without a usable upstream response.",
		}, []string{"kind"}),
		promConfigFatal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_fatal_total",
			Help:      "Requests aborted by a missing or unsafe backend target.",
		}),
		promValidationFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failed_total",
			Help:      "Requests rejected by input validation.",
		}, []string{"stage"}),
		promShareOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_operations_total",
			Help:      "Snapshot share operations by result.",
		}, []string{"op", "result"}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outcome events dropped because the buffer was full.",
		}),
		promEventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_send_failures_total",
			Help:      "Outcome event batches that could not be delivered.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end gateway request duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint", "status_code"}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of individual upstream attempts.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
	}
}

func (m *Metrics) IncAdmitted(endpoint string) {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) IncRejected(endpoint string) {
	atomic.AddInt64(&m.rejected, 1)
	m.promRejected.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) IncAdmissionErrors() {
	atomic.AddInt64(&m.admissionErrors, 1)
	m.promAdmissionErrors.Inc()
}

func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// ObserveAttempt records one upstream attempt. attempt is 1-based;
// outcome is "response", "timeout", "network" or "canceled".
func (m *Metrics) ObserveAttempt(attempt int, outcome string, d time.Duration) {
	atomic.AddInt64(&m.attempts, 1)
	m.promAttempts.Inc()
	if attempt > 1 {
		atomic.AddInt64(&m.retries, 1)
		m.promRetries.Inc()
	}
	m.PromUpstreamDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncDispatchFailure(kind string) {
	atomic.AddInt64(&m.dispatchFailures, 1)
	m.promDispatchFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncConfigFatal() {
	atomic.AddInt64(&m.configFatal, 1)
	m.promConfigFatal.Inc()
}

func (m *Metrics) IncValidationFailed(stage string) {
	atomic.AddInt64(&m.validationFailed, 1)
	m.promValidationFailed.WithLabelValues(stage).Inc()
}

// IncShare records a share operation ("create" or "get") and its result.
func (m *Metrics) IncShare(op, result string) {
	if op == "get" && result == "cache_hit" {
		atomic.AddInt64(&m.shareCacheHits, 1)
	}
	m.promShareOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

func (m *Metrics) IncEventsSendFailures() {
	atomic.AddInt64(&m.eventsFailed, 1)
	m.promEventsFailed.Inc()
}

// ObserveRequest records the end-to-end duration of a finished request.
func (m *Metrics) ObserveRequest(endpoint string, status int, d time.Duration) {
	m.PromRequestDuration.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(d.Seconds())
}

// MetricsSnapshot is a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Admitted         int64
	Rejected         int64
	AdmissionErrors  int64
	FallbackUsed     int64
	Attempts         int64
	Retries          int64
	DispatchFailures int64
	ConfigFatal      int64
	ValidationFailed int64
	ShareCacheHits   int64
	EventsDropped    int64
	EventsFailed     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:         atomic.LoadInt64(&m.admitted),
		Rejected:         atomic.LoadInt64(&m.rejected),
		AdmissionErrors:  atomic.LoadInt64(&m.admissionErrors),
		FallbackUsed:     atomic.LoadInt64(&m.fallbackUsed),
		Attempts:         atomic.LoadInt64(&m.attempts),
		Retries:          atomic.LoadInt64(&m.retries),
		DispatchFailures: atomic.LoadInt64(&m.dispatchFailures),
		ConfigFatal:      atomic.LoadInt64(&m.configFatal),
		ValidationFailed: atomic.LoadInt64(&m.validationFailed),
		ShareCacheHits:   atomic.LoadInt64(&m.shareCacheHits),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
		EventsFailed:     atomic.LoadInt64(&m.eventsFailed),
	}
}
