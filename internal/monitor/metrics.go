package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal       *prometheus.CounterVec
	ExecutionDuration     *prometheus.HistogramVec
	ExecutionErrors       *prometheus.CounterVec
	ActiveExecutions      prometheus.Gauge
	SecurityEvents        *prometheus.CounterVec
	PolicyDenials         *prometheus.CounterVec
	ConnectionsActive     prometheus.Gauge
	ConnectionsRejected   *prometheus.CounterVec
	RateLimitedRequests   prometheus.Counter
	WorkspacesActive      prometheus.Gauge
	WorkspaceEvictions    prometheus.Counter
	IsolationDegradations prometheus.Counter
	ProviderLatency       *prometheus.HistogramVec
	RequestsInFlight      prometheus.Gauge
	CodeSizeBytes         prometheus.Histogram
	OutputSizeBytes       prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total failed executions by error kind.",
			},
			[]string{"kind"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of executions currently running.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "security_events_total",
				Help:      "Suspicious patterns detected in scripts or output.",
			},
			[]string{"type"},
		),

		PolicyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "policy",
				Name:      "denials_total",
				Help:      "Operations rejected by the security policy, by operation kind.",
			},
			[]string{"kind"},
		),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "admission",
				Name:      "connections_active",
				Help:      "Number of registered client connections.",
			},
		),

		ConnectionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "admission",
				Name:      "connections_rejected_total",
				Help:      "Connections rejected by admission control, by reason.",
			},
			[]string{"reason"},
		),

		RateLimitedRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "admission",
				Name:      "rate_limited_total",
				Help:      "Requests denied by the per-connection rate limiter.",
			},
		),

		WorkspacesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "workspace",
				Name:      "active",
				Help:      "Number of active workspaces.",
			},
		),

		WorkspaceEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "workspace",
				Name:      "evictions_total",
				Help:      "Workspaces evicted to make room or after idling.",
			},
		),

		IsolationDegradations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "workspace",
				Name:      "isolation_degradations_total",
				Help:      "Workspaces that fell back to filesystem-only isolation.",
			},
		),

		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Subsystem: "isolation",
				Name:      "operation_duration_seconds",
				Help:      "Duration of isolation provider operations.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend", "operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.PolicyDenials,
		m.ConnectionsActive,
		m.ConnectionsRejected,
		m.RateLimitedRequests,
		m.WorkspacesActive,
		m.WorkspaceEvictions,
		m.IsolationDegradations,
		m.ProviderLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64, codeSize, outputSize int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeSize))
	m.OutputSizeBytes.Observe(float64(outputSize))
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}

func (m *Metrics) RecordSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordPolicyDenial(kind string) {
	if m == nil {
		return
	}
	m.PolicyDenials.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

func (m *Metrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedRequests.Inc()
}

func (m *Metrics) SetWorkspaces(n int) {
	if m == nil {
		return
	}
	m.WorkspacesActive.Set(float64(n))
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.WorkspaceEvictions.Inc()
}

func (m *Metrics) RecordDegradation() {
	if m == nil {
		return
	}
	m.IsolationDegradations.Inc()
}

func (m *Metrics) ObserveProvider(backend, operation string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(backend, operation).Observe(seconds)
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Inc()
}

func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Dec()
}
