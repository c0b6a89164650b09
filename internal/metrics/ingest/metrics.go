// Package ingest provides Prometheus metrics for the Redis event
// intake.
package ingest

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kontainers"
	subsystem = "ingest"
)

// Message result label values.
const (
	ResultOK        = "ok"
	ResultMalformed = "malformed"
)

// IngestMetrics holds all event intake Prometheus metrics.
type IngestMetrics struct {
	MessagesTotal       *prometheus.CounterVec
	ConnectRetriesTotal prometheus.Counter
	ConnectErrorsTotal  prometheus.Counter
	Connected           prometheus.Gauge
}

var (
	ingestMetricsInstance *IngestMetrics
	ingestMetricsOnce     sync.Once
)

// NewIngestMetrics creates a new IngestMetrics instance with all
// metrics registered via promauto (default global registry).
func NewIngestMetrics() *IngestMetrics {
	return &IngestMetrics{
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_total",
				Help: "Total number of intake messages " +
					"by envelope type and result",
			},
			[]string{"type", "result"},
		),
		ConnectRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connect_retries_total",
				Help:      "Total number of Redis connection retry attempts",
			},
		),
		ConnectErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connect_errors_total",
				Help:      "Total number of Redis connection errors",
			},
		),
		Connected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connected",
				Help:      "Whether the intake is connected to Redis (0 or 1)",
			},
		),
	}
}

// GetIngestMetrics returns the singleton ingest metrics instance.
func GetIngestMetrics() *IngestMetrics {
	ingestMetricsOnce.Do(func() {
		ingestMetricsInstance = NewIngestMetrics()
	})
	return ingestMetricsInstance
}

// MustRegister registers all ingest metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored so
// recreated components can share collectors.
func (m *IngestMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// RecordMessage records one intake message outcome.
func (m *IngestMetrics) RecordMessage(envelopeType, result string) {
	m.MessagesTotal.WithLabelValues(envelopeType, result).Inc()
}

// RecordConnectRetry records one connection retry attempt.
func (m *IngestMetrics) RecordConnectRetry() {
	m.ConnectRetriesTotal.Inc()
}

// RecordConnectError records one failed connection attempt.
func (m *IngestMetrics) RecordConnectError() {
	m.ConnectErrorsTotal.Inc()
}

// SetConnected flips the connection gauge.
func (m *IngestMetrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

// collectors returns all metric collectors for registration.
func (m *IngestMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesTotal,
		m.ConnectRetriesTotal,
		m.ConnectErrorsTotal,
		m.Connected,
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
