package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// Metrics provides Prometheus metrics for Dockyard. A disabled config yields
// an instance whose methods do nothing.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	resourcesByStatus *prometheus.GaugeVec
	reclaimed         prometheus.Counter

	// Server metrics
	checks *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Total number of lifecycle operations by result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_operation_duration_seconds",
				Help:      "Duration of lifecycle operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "kind"},
		),
		resourcesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_by_status",
				Help:      "Current number of resources in each lifecycle status",
			},
			[]string{"status"},
		),
		reclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stuck_deployments_reclaimed_total",
				Help:      "Total number of deployments demoted after exceeding the deadline",
			},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_checks_total",
				Help:      "Total number of server connectivity checks by result",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "code"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.resourcesByStatus,
		m.reclaimed,
		m.checks,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordOperation records one lifecycle operation.
func (m *Metrics) RecordOperation(op string, kind engine.ResourceKind, result string, d time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op, string(kind)).Observe(d.Seconds())
}

// RecordCheck records a server connectivity check.
func (m *Metrics) RecordCheck(result string) {
	if m.checks == nil {
		return
	}
	m.checks.WithLabelValues(result).Inc()
}

// RecordReclaimed adds n demoted deployments.
func (m *Metrics) RecordReclaimed(n int) {
	if m.reclaimed == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

// SetResourcesByStatus replaces the status histogram. Statuses missing from
// counts are reported as zero.
func (m *Metrics) SetResourcesByStatus(counts map[engine.ResourceStatus]int) {
	if m.resourcesByStatus == nil {
		return
	}
	for _, status := range engine.AllResourceStatuses {
		m.resourcesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured endpoint path.
func (m *Metrics) Path() string {
	if m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
