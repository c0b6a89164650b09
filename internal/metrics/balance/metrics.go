// Package balance provides Prometheus metrics for load balancing
// target selection.
package balance

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kontainers"
	subsystem = "balance"
)

// BalanceMetrics holds all load balancing Prometheus metrics.
type BalanceMetrics struct {
	SelectionsTotal      *prometheus.CounterVec
	StickyHitsTotal      *prometheus.CounterVec
	NoHealthyTargetTotal *prometheus.CounterVec
	InFlightRequests     *prometheus.GaugeVec
}

var (
	balanceMetricsInstance *BalanceMetrics
	balanceMetricsOnce     sync.Once
)

// NewBalanceMetrics creates a new BalanceMetrics instance with all
// metrics registered via promauto (default global registry).
func NewBalanceMetrics() *BalanceMetrics {
	return &BalanceMetrics{
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "selections_total",
				Help: "Total number of target selections " +
					"by rule and policy",
			},
			[]string{"rule", "policy"},
		),
		StickyHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sticky_hits_total",
				Help: "Total number of selections " +
					"short-circuited by a sticky cookie",
			},
			[]string{"rule"},
		),
		NoHealthyTargetTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "no_healthy_target_total",
				Help: "Total number of selections that " +
					"found no healthy target",
			},
			[]string{"rule"},
		),
		InFlightRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "in_flight_requests",
				Help: "Number of in-flight requests " +
					"per target",
			},
			[]string{"rule", "target"},
		),
	}
}

// GetBalanceMetrics returns the singleton balance metrics instance.
func GetBalanceMetrics() *BalanceMetrics {
	balanceMetricsOnce.Do(func() {
		balanceMetricsInstance = NewBalanceMetrics()
	})
	return balanceMetricsInstance
}

// MustRegister registers all balance metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored so
// recreated components can share collectors.
func (m *BalanceMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// RecordSelection records a successful target selection.
func (m *BalanceMetrics) RecordSelection(rule, policy string) {
	m.SelectionsTotal.WithLabelValues(rule, policy).Inc()
}

// RecordStickyHit records a selection short-circuited by a sticky cookie.
func (m *BalanceMetrics) RecordStickyHit(rule string) {
	m.StickyHitsTotal.WithLabelValues(rule).Inc()
}

// RecordNoHealthyTarget records a selection that found no healthy target.
func (m *BalanceMetrics) RecordNoHealthyTarget(rule string) {
	m.NoHealthyTargetTotal.WithLabelValues(rule).Inc()
}

// SetInFlight sets the in-flight request gauge for a target.
func (m *BalanceMetrics) SetInFlight(rule, target string, n int64) {
	m.InFlightRequests.WithLabelValues(rule, target).Set(float64(n))
}

// ForgetRule removes all label series belonging to a removed rule.
func (m *BalanceMetrics) ForgetRule(rule string) {
	labels := prometheus.Labels{"rule": rule}
	m.SelectionsTotal.DeletePartialMatch(labels)
	m.StickyHitsTotal.DeletePartialMatch(labels)
	m.NoHealthyTargetTotal.DeletePartialMatch(labels)
	m.InFlightRequests.DeletePartialMatch(labels)
}

// collectors returns all metric collectors for registration.
func (m *BalanceMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SelectionsTotal,
		m.StickyHitsTotal,
		m.NoHealthyTargetTotal,
		m.InFlightRequests,
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
