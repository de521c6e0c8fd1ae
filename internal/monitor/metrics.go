package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the executor.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge
	SlotWait           prometheus.Histogram
	TeardownFailures   *prometheus.CounterVec
	SecurityDetections *prometheus.CounterVec
	OrphansReaped      prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_executor",
				Name:      "executions_total",
				Help:      "Total executions by tool, language and outcome.",
			},
			[]string{"tool", "language", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "code_executor",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions, staging and teardown included.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"tool", "outcome"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "code_executor",
				Name:      "active_executions",
				Help:      "Number of containers currently running.",
			},
		),

		SlotWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "code_executor",
				Name:      "slot_wait_seconds",
				Help:      "Time spent waiting for a free execution slot.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		TeardownFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_executor",
				Name:      "teardown_failures_total",
				Help:      "Resources that could not be reclaimed after an execution.",
			},
			[]string{"resource"},
		),

		SecurityDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_executor",
				Name:      "security_detections_total",
				Help:      "Suspicious patterns found in submitted code or output.",
			},
			[]string{"pattern", "severity"},
		),

		OrphansReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "code_executor",
				Name:      "orphans_reaped_total",
				Help:      "Leftover sandbox containers removed by the reaper.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "code_executor",
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "code_executor",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "code_executor",
				Name:      "output_size_bytes",
				Help:      "Size of returned result text in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.SlotWait,
		m.TeardownFailures,
		m.SecurityDetections,
		m.OrphansReaped,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(tool, language, outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(tool, language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(tool, outcome).Observe(durationSec)
}

// RecordTeardownFailure counts a staging area or container left behind.
func (m *Metrics) RecordTeardownFailure(resource string) {
	m.TeardownFailures.WithLabelValues(resource).Inc()
}

// RecordDetections counts every detection by pattern.
func (m *Metrics) RecordDetections(dets []Detection) {
	for _, d := range dets {
		m.SecurityDetections.WithLabelValues(d.Pattern, d.Severity).Inc()
	}
}
