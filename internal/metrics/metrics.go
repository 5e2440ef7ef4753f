// Package metrics provides Prometheus collectors for the execution
// orchestrator: admissions, runs, sandbox resource usage, streaming,
// git operations, and HTTP.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Execution lifecycle
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsActive  prometheus.Gauge
	AdmissionRejects  *prometheus.CounterVec

	// Sandbox resources (live samples)
	SandboxCPUPercent *prometheus.GaugeVec
	SandboxMemBytes   *prometheus.GaugeVec
	SandboxPids       *prometheus.GaugeVec

	// Streaming
	FramesPublished    *prometheus.CounterVec
	SubscribersDropped prometheus.Counter

	// Git worker
	GitOperationsTotal   *prometheus.CounterVec
	GitOperationDuration *prometheus.HistogramVec

	// Abuse
	AbuseAlertsTotal *prometheus.CounterVec

	// System
	StartupTime prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nimbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total number of executions by language and terminal status",
		},
		[]string{"language", "status"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nimbus",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall-clock execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "execution",
			Name:      "active",
			Help:      "Number of executions currently running",
		},
	)

	m.AdmissionRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "admission",
			Name:      "rejects_total",
			Help:      "Total number of admission rejections by kind",
		},
		[]string{"kind"},
	)

	m.SandboxCPUPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "sandbox",
			Name:      "cpu_percent",
			Help:      "Sandbox CPU usage percentage",
		},
		[]string{"execution_id", "language"},
	)

	m.SandboxMemBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "sandbox",
			Name:      "memory_bytes",
			Help:      "Sandbox resident memory in bytes",
		},
		[]string{"execution_id", "language"},
	)

	m.SandboxPids = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "sandbox",
			Name:      "pids",
			Help:      "Sandbox process count",
		},
		[]string{"execution_id", "language"},
	)

	m.FramesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Total number of published stream frames by kind",
		},
		[]string{"kind"},
	)

	m.SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "stream",
			Name:      "subscribers_dropped_total",
			Help:      "Total number of subscribers dropped for lagging",
		},
	)

	m.GitOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "git",
			Name:      "operations_total",
			Help:      "Total number of git worker operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	m.GitOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nimbus",
			Subsystem: "git",
			Name:      "operation_duration_seconds",
			Help:      "Git worker operation duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	m.AbuseAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "abuse",
			Name:      "alerts_total",
			Help:      "Total number of abuse alerts by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)
	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(language, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordSample updates the live sandbox gauges for one execution.
func (m *Metrics) RecordSample(executionID, language string, cpuPct float64, memBytes int64, pids int) {
	m.SandboxCPUPercent.WithLabelValues(executionID, language).Set(cpuPct)
	m.SandboxMemBytes.WithLabelValues(executionID, language).Set(float64(memBytes))
	m.SandboxPids.WithLabelValues(executionID, language).Set(float64(pids))
}

// ForgetSample removes the live gauges once an execution finishes.
func (m *Metrics) ForgetSample(executionID, language string) {
	m.SandboxCPUPercent.DeleteLabelValues(executionID, language)
	m.SandboxMemBytes.DeleteLabelValues(executionID, language)
	m.SandboxPids.DeleteLabelValues(executionID, language)
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, statusCodeToLabel(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
