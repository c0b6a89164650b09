// Package alerting provides Prometheus metrics for error aggregation,
// alert evaluation and notification delivery.
package alerting

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kontainers"
	subsystem = "alerting"
)

// Evaluation result label values.
const (
	EvalTriggered      = "triggered"
	EvalBelowThreshold = "below_threshold"
	EvalSkipped        = "skipped"
)

// Notification result label values.
const (
	NotifySent      = "sent"
	NotifyThrottled = "throttled"
	NotifyFailed    = "failed"
)

// AlertingMetrics holds all alerting Prometheus metrics.
type AlertingMetrics struct {
	ErrorsRecordedTotal       *prometheus.CounterVec
	RequestsRecordedTotal     prometheus.Counter
	EvaluationsTotal          *prometheus.CounterVec
	EvaluationDurationSeconds prometheus.Histogram
	AlertsRaisedTotal         *prometheus.CounterVec
	AlertsActive              prometheus.Gauge
	NotificationsTotal        *prometheus.CounterVec
}

var (
	alertingMetricsInstance *AlertingMetrics
	alertingMetricsOnce     sync.Once
)

// NewAlertingMetrics creates a new AlertingMetrics instance with all
// metrics registered via promauto (default global registry).
func NewAlertingMetrics() *AlertingMetrics {
	return &AlertingMetrics{
		ErrorsRecordedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_recorded_total",
				Help: "Total number of error events " +
					"recorded by kind",
			},
			[]string{"kind"},
		),
		RequestsRecordedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_recorded_total",
				Help: "Total number of request samples " +
					"recorded for alert gating",
			},
		),
		EvaluationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "evaluations_total",
				Help: "Total number of alert config " +
					"evaluations by result",
			},
			[]string{"result"},
		),
		EvaluationDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "evaluation_duration_seconds",
				Help: "Duration of a full evaluation " +
					"pass in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		AlertsRaisedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "alerts_raised_total",
				Help: "Total number of alerts raised " +
					"by alert config",
			},
			[]string{"config"},
		),
		AlertsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "alerts_active",
				Help:      "Number of currently active alerts",
			},
		),
		NotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "notifications_total",
				Help: "Total number of notification " +
					"attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
	}
}

// GetAlertingMetrics returns the singleton alerting metrics instance.
func GetAlertingMetrics() *AlertingMetrics {
	alertingMetricsOnce.Do(func() {
		alertingMetricsInstance = NewAlertingMetrics()
	})
	return alertingMetricsInstance
}

// MustRegister registers all alerting metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored so
// recreated components can share collectors.
func (m *AlertingMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// Init pre-initializes result label combinations with zero values so
// the vectors appear in /metrics output immediately after startup.
func (m *AlertingMetrics) Init() {
	for _, result := range []string{EvalTriggered, EvalBelowThreshold, EvalSkipped} {
		m.EvaluationsTotal.WithLabelValues(result)
	}
}

// RecordError records an error event by kind.
func (m *AlertingMetrics) RecordError(kind string) {
	m.ErrorsRecordedTotal.WithLabelValues(kind).Inc()
}

// RecordEvaluation records one alert config evaluation result.
func (m *AlertingMetrics) RecordEvaluation(result string) {
	m.EvaluationsTotal.WithLabelValues(result).Inc()
}

// RecordEvaluationPass records the duration of a full evaluation pass.
func (m *AlertingMetrics) RecordEvaluationPass(duration time.Duration) {
	m.EvaluationDurationSeconds.Observe(duration.Seconds())
}

// RecordNotification records a notification attempt.
func (m *AlertingMetrics) RecordNotification(channel, result string) {
	m.NotificationsTotal.WithLabelValues(channel, result).Inc()
}

// collectors returns all metric collectors for registration.
func (m *AlertingMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ErrorsRecordedTotal,
		m.RequestsRecordedTotal,
		m.EvaluationsTotal,
		m.EvaluationDurationSeconds,
		m.AlertsRaisedTotal,
		m.AlertsActive,
		m.NotificationsTotal,
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
