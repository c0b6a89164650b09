// Package reload provides Prometheus metrics for the rule compilation
// and configuration reload pipeline.
package reload

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kontainers"
	subsystem = "reload"
)

// Pipeline step label values.
const (
	StepStage    = "stage"
	StepVerify   = "verify"
	StepActivate = "activate"
	StepRollback = "rollback"
)

// ReloadMetrics holds all reload pipeline Prometheus metrics.
type ReloadMetrics struct {
	SubmittedTotal         prometheus.Counter
	SupersededTotal        prometheus.Counter
	ActivatedTotal         prometheus.Counter
	RollbacksTotal         prometheus.Counter
	FailuresTotal          *prometheus.CounterVec
	StepDurationSeconds    *prometheus.HistogramVec
	CompileDurationSeconds prometheus.Histogram
	CompileErrorsTotal     prometheus.Counter
	ActiveGeneration       prometheus.Gauge
	ActiveRuleCount        prometheus.Gauge
}

var (
	reloadMetricsInstance *ReloadMetrics
	reloadMetricsOnce     sync.Once
)

// NewReloadMetrics creates a new ReloadMetrics instance with all
// metrics registered via promauto (default global registry).
func NewReloadMetrics() *ReloadMetrics {
	return &ReloadMetrics{
		SubmittedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "generations_submitted_total",
				Help: "Total number of configuration " +
					"generations submitted",
			},
		),
		SupersededTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "generations_superseded_total",
				Help: "Total number of generations " +
					"superseded before activation",
			},
		),
		ActivatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "generations_activated_total",
				Help: "Total number of generations " +
					"activated successfully",
			},
		),
		RollbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rollbacks_total",
				Help: "Total number of rollbacks to " +
					"the previous active generation",
			},
		),
		FailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "failures_total",
				Help: "Total number of reload failures " +
					"by pipeline step",
			},
			[]string{"step"},
		),
		StepDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "step_duration_seconds",
				Help: "Duration of reload pipeline " +
					"steps in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		CompileDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "compile_duration_seconds",
				Help: "Duration of rule compilation " +
					"in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		CompileErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "compile_errors_total",
				Help:      "Total number of compilation errors",
			},
		),
		ActiveGeneration: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_generation",
				Help: "Sequence number of the active " +
					"configuration generation",
			},
		),
		ActiveRuleCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_rule_count",
				Help: "Number of enabled rules in the " +
					"active generation",
			},
		),
	}
}

// GetReloadMetrics returns the singleton reload metrics instance.
func GetReloadMetrics() *ReloadMetrics {
	reloadMetricsOnce.Do(func() {
		reloadMetricsInstance = NewReloadMetrics()
	})
	return reloadMetricsInstance
}

// MustRegister registers all reload metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored so
// recreated components can share collectors.
func (m *ReloadMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// Init pre-initializes step label combinations with zero values so the
// vectors appear in /metrics output immediately after startup.
func (m *ReloadMetrics) Init() {
	steps := []string{StepStage, StepVerify, StepActivate, StepRollback}
	for _, step := range steps {
		m.FailuresTotal.WithLabelValues(step)
		m.StepDurationSeconds.WithLabelValues(step)
	}
}

// RecordStep records the duration of a completed pipeline step.
func (m *ReloadMetrics) RecordStep(step string, duration time.Duration) {
	m.StepDurationSeconds.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordFailure records a reload failure at the given step.
func (m *ReloadMetrics) RecordFailure(step string) {
	m.FailuresTotal.WithLabelValues(step).Inc()
}

// RecordCompile records a compilation outcome and duration.
func (m *ReloadMetrics) RecordCompile(duration time.Duration, err error) {
	m.CompileDurationSeconds.Observe(duration.Seconds())
	if err != nil {
		m.CompileErrorsTotal.Inc()
	}
}

// RecordActivation records a successful activation.
func (m *ReloadMetrics) RecordActivation(generation uint64, ruleCount int) {
	m.ActivatedTotal.Inc()
	m.ActiveGeneration.Set(float64(generation))
	m.ActiveRuleCount.Set(float64(ruleCount))
}

// collectors returns all metric collectors for registration.
func (m *ReloadMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SubmittedTotal,
		m.SupersededTotal,
		m.ActivatedTotal,
		m.RollbacksTotal,
		m.FailuresTotal,
		m.StepDurationSeconds,
		m.CompileDurationSeconds,
		m.CompileErrorsTotal,
		m.ActiveGeneration,
		m.ActiveRuleCount,
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
