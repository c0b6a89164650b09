// Package probe schedules active health checks per (rule, target)
// pair and owns the resulting health state. Each pair runs its own
// loop whose timer re-arms after the probe completes, so a slow
// backend stretches its own schedule instead of stacking probes.
// Other components read health through Snapshot and Status or consume
// Transition events; nothing outside this package mutates health.
package probe

import (
	"time"
)

// Status is a target's health state.
type Status string

// Target health states. Targets with a health check start STARTING
// and never drop from STARTING to UNHEALTHY; targets without a health
// check stay UNKNOWN and selection treats them as eligible.
const (
	StatusUnknown   Status = "UNKNOWN"
	StatusStarting  Status = "STARTING"
	StatusHealthy   Status = "HEALTHY"
	StatusUnhealthy Status = "UNHEALTHY"
)

// gaugeValue maps a status onto the target_status gauge.
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusStarting:
		return 0
	case StatusUnknown:
		return 1
	case StatusHealthy:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 1
	}
}

// TargetHealth is the per-(rule, target) health record. Snapshots are
// plain copies, safe to hand across component boundaries.
type TargetHealth struct {
	Status               Status    `json:"status"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	LastProbeAt          time.Time `json:"lastProbeAt"`
	LastErr              string    `json:"lastErr,omitempty"`
}

// Transition is emitted on the scheduler's outbound channel whenever a
// target's status changes.
type Transition struct {
	RuleID string
	Target string
	From   Status
	To     Status
	At     time.Time
	Reason string
}
