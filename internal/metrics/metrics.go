// Package metrics provides standardized Prometheus metrics for
// backend-level observability in the router.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "router"
	subsystem = "backend"
)

// RouterMetrics holds all backend-level Prometheus metrics.
type RouterMetrics struct {
	RequestsTotal              *prometheus.CounterVec
	FailuresTotal              *prometheus.CounterVec
	ResponseDurationSeconds    *prometheus.HistogramVec
	ActiveConnections          *prometheus.GaugeVec
	HealthCheckStatus          *prometheus.GaugeVec
	HealthChecksTotal          *prometheus.CounterVec
	HealthCheckDurationSeconds *prometheus.HistogramVec
	ConsecutiveFailures        *prometheus.GaugeVec
	LBSelectionsTotal          *prometheus.CounterVec
	RetriesTotal               *prometheus.CounterVec
	DispatchExhaustedTotal     prometheus.Counter
	PoolSize                   prometheus.Gauge
}

var (
	routerMetricsInstance *RouterMetrics
	routerMetricsOnce     sync.Once
)

// NewRouterMetrics creates a new RouterMetrics instance with all metrics
// registered via promauto (default global registry).
func NewRouterMetrics() *RouterMetrics {
	return &RouterMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of requests dispatched to backend",
			},
			[]string{"backend", "outcome"},
		),
		FailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "failures_total",
				Help:      "Total number of failed backend attempts by type",
			},
			[]string{"backend", "error_type"},
		),
		ResponseDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "response_duration_seconds",
				Help:      "Duration of backend responses in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_connections",
				Help:      "Current number of in-flight requests per backend",
			},
			[]string{"backend"},
		),
		HealthCheckStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_check_status",
				Help:      "Backend health status (1=healthy, 0=unhealthy)",
			},
			[]string{"backend"},
		),
		HealthChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_checks_total",
				Help:      "Total number of health check probes by result",
			},
			[]string{"backend", "result"},
		),
		HealthCheckDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_check_duration_seconds",
				Help:      "Duration of health check probes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		ConsecutiveFailures: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "consecutive_failures",
				Help:      "Current consecutive failure count per backend",
			},
			[]string{"backend"},
		),
		LBSelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lb_selections_total",
				Help:      "Total number of load balancer selections by strategy",
			},
			[]string{"backend", "strategy"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_total",
				Help:      "Total number of failover retries by reason",
			},
			[]string{"reason"},
		),
		DispatchExhaustedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_exhausted_total",
				Help:      "Total number of requests that exhausted all candidates",
			},
		),
		PoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pool_size",
				Help:      "Number of registered backends",
			},
		),
	}
}

// GetRouterMetrics returns the singleton RouterMetrics instance.
func GetRouterMetrics() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerMetricsInstance = NewRouterMetrics()
	})
	return routerMetricsInstance
}

// RecordRequest records a completed dispatch attempt.
func (m *RouterMetrics) RecordRequest(backend, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(backend, outcome).Inc()
	if outcome == "success" {
		m.ResponseDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

// RecordFailure records a failed attempt by error type.
func (m *RouterMetrics) RecordFailure(backend, errorType string) {
	m.FailuresTotal.WithLabelValues(backend, errorType).Inc()
}

// RecordHealthCheck records a probe result.
func (m *RouterMetrics) RecordHealthCheck(backend, result string, duration time.Duration) {
	m.HealthChecksTotal.WithLabelValues(backend, result).Inc()
	if duration > 0 {
		m.HealthCheckDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

// RecordSelection records a load balancer selection.
func (m *RouterMetrics) RecordSelection(backend, strategy string) {
	m.LBSelectionsTotal.WithLabelValues(backend, strategy).Inc()
}

// RecordRetry records a failover retry by reason.
func (m *RouterMetrics) RecordRetry(reason string) {
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// SetHealthStatus sets the health gauge for a backend.
func (m *RouterMetrics) SetHealthStatus(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(backend).Set(v)
}

// DeleteBackend removes all per-backend series after backend removal.
func (m *RouterMetrics) DeleteBackend(backend string) {
	labels := prometheus.Labels{"backend": backend}
	m.ActiveConnections.DeletePartialMatch(labels)
	m.HealthCheckStatus.DeletePartialMatch(labels)
	m.ConsecutiveFailures.DeletePartialMatch(labels)
}
