// Package probe provides Prometheus metrics for health probe
// scheduling and target status tracking.
package probe

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kontainers"
	subsystem = "probe"
)

// Probe result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// ProbeMetrics holds all health probe Prometheus metrics.
type ProbeMetrics struct {
	ChecksTotal          *prometheus.CounterVec
	CheckDurationSeconds *prometheus.HistogramVec
	TargetStatus         *prometheus.GaugeVec
	TransitionsTotal     *prometheus.CounterVec
	ConsecutiveFailures  *prometheus.GaugeVec
	ActiveLoops          prometheus.Gauge
	InFlight             prometheus.Gauge
}

var (
	probeMetricsInstance *ProbeMetrics
	probeMetricsOnce     sync.Once
)

// NewProbeMetrics creates a new ProbeMetrics instance with all metrics
// registered via promauto (default global registry).
func NewProbeMetrics() *ProbeMetrics {
	return &ProbeMetrics{
		ChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "checks_total",
				Help: "Total number of health checks " +
					"by rule, target and result",
			},
			[]string{"rule", "target", "result"},
		),
		CheckDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "check_duration_seconds",
				Help: "Duration of health check " +
					"execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"rule"},
		),
		TargetStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "target_status",
				Help: "Target health status " +
					"(0=starting, 1=unknown, 2=healthy, 3=unhealthy)",
			},
			[]string{"rule", "target"},
		),
		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transitions_total",
				Help: "Total number of health status " +
					"transitions by rule",
			},
			[]string{"rule", "from", "to"},
		),
		ConsecutiveFailures: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "consecutive_failures",
				Help: "Number of consecutive probe " +
					"failures for a target",
			},
			[]string{"rule", "target"},
		),
		ActiveLoops: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_loops",
				Help:      "Number of scheduled probe loops",
			},
		),
		InFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "in_flight",
				Help:      "Number of probes currently executing",
			},
		),
	}
}

// GetProbeMetrics returns the singleton probe metrics instance.
func GetProbeMetrics() *ProbeMetrics {
	probeMetricsOnce.Do(func() {
		probeMetricsInstance = NewProbeMetrics()
	})
	return probeMetricsInstance
}

// MustRegister registers all probe metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored so
// recreated components can share collectors.
func (m *ProbeMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// RecordCheck records a completed health check.
func (m *ProbeMetrics) RecordCheck(rule, target, result string, duration time.Duration) {
	m.ChecksTotal.WithLabelValues(rule, target, result).Inc()
	m.CheckDurationSeconds.WithLabelValues(rule).Observe(duration.Seconds())
}

// RecordTransition records a health status transition.
func (m *ProbeMetrics) RecordTransition(rule, from, to string) {
	m.TransitionsTotal.WithLabelValues(rule, from, to).Inc()
}

// SetTargetStatus sets the status gauge for a target.
func (m *ProbeMetrics) SetTargetStatus(rule, target string, status float64) {
	m.TargetStatus.WithLabelValues(rule, target).Set(status)
}

// SetConsecutiveFailures sets the consecutive-failure gauge for a target.
func (m *ProbeMetrics) SetConsecutiveFailures(rule, target string, n int) {
	m.ConsecutiveFailures.WithLabelValues(rule, target).Set(float64(n))
}

// ForgetTarget drops per-target series after a target is removed so
// stale label combinations do not linger in /metrics output.
func (m *ProbeMetrics) ForgetTarget(rule, target string) {
	m.TargetStatus.DeleteLabelValues(rule, target)
	m.ConsecutiveFailures.DeleteLabelValues(rule, target)
}

// collectors returns all metric collectors for registration.
func (m *ProbeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChecksTotal,
		m.CheckDurationSeconds,
		m.TargetStatus,
		m.TransitionsTotal,
		m.ConsecutiveFailures,
		m.ActiveLoops,
		m.InFlight,
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
