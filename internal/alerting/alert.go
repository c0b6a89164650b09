// Package alerting evaluates error-rate thresholds over the traffic
// aggregator and owns the alert lifecycle. Alerts are created by
// evaluation and only ever resolved by an operator; rate recovery on
// its own never closes an alert.
package alerting

import (
	"fmt"
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

// Alert lifecycle states. RESOLVED is terminal.
const (
	StatusActive       AlertStatus = "ACTIVE"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
)

// Alert is one firing instance of an AlertConfig's threshold breach.
type Alert struct {
	ID             string      `json:"id"`
	ConfigID       string      `json:"configId"`
	ConfigName     string      `json:"configName,omitempty"`
	RuleID         string      `json:"ruleId,omitempty"`
	Status         AlertStatus `json:"status"`
	ErrorRate      float64     `json:"errorRate"`
	Threshold      float64     `json:"threshold"`
	WindowErrors   int         `json:"windowErrors"`
	WindowRequests int64       `json:"windowRequests"`
	Message        string      `json:"message"`
	CreatedAt      time.Time   `json:"createdAt"`
	AcknowledgedAt time.Time   `json:"acknowledgedAt"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	ResolvedAt     time.Time   `json:"resolvedAt"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
}

// Clone returns a copy of the alert.
func (a *Alert) Clone() *Alert {
	c := *a
	return &c
}

// AlertConfig scopes and parameterizes one error-rate check. An empty
// RuleID spans all rules; empty Kinds/StatusCodes match every event.
type AlertConfig struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	RuleID      string              `json:"ruleId,omitempty" yaml:"ruleId,omitempty"`
	Kinds       []traffic.ErrorKind `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	StatusCodes []int               `json:"statusCodes,omitempty" yaml:"statusCodes,omitempty"`
	Threshold   float64             `json:"threshold" yaml:"threshold"`
	Window      config.Duration     `json:"window" yaml:"window"`
	MinRequests int                 `json:"minRequests,omitempty" yaml:"minRequests,omitempty"`
	Channels    []string            `json:"channels,omitempty" yaml:"channels,omitempty"`
	Expression  string              `json:"expression,omitempty" yaml:"expression,omitempty"`
	Enabled     bool                `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time           `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time           `json:"updatedAt" yaml:"-"`
}

// Clone returns a deep copy of the config.
func (c *AlertConfig) Clone() *AlertConfig {
	clone := *c
	if c.Kinds != nil {
		clone.Kinds = append([]traffic.ErrorKind(nil), c.Kinds...)
	}
	if c.StatusCodes != nil {
		clone.StatusCodes = append([]int(nil), c.StatusCodes...)
	}
	if c.Channels != nil {
		clone.Channels = append([]string(nil), c.Channels...)
	}
	return &clone
}

// Matches reports whether the event falls inside the config's scope.
// The CEL expression is applied separately by the evaluator.
func (c *AlertConfig) Matches(ev traffic.ErrorEvent) bool {
	if c.RuleID != "" && c.RuleID != ev.RuleID {
		return false
	}
	if len(c.Kinds) > 0 {
		found := false
		for _, k := range c.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.StatusCodes) > 0 {
		found := false
		for _, code := range c.StatusCodes {
			if code == ev.StatusCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Validate reports every problem with the config. The expression is
// checked separately because compilation needs the evaluator's CEL
// environment.
func (c *AlertConfig) Validate() error {
	var issues []string
	if c.Name == "" {
		issues = append(issues, "name is required")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		issues = append(issues, fmt.Sprintf("threshold %v outside [0, 1]", c.Threshold))
	}
	if c.Window.Duration() <= 0 {
		issues = append(issues, "window must be positive")
	}
	if c.MinRequests < 0 {
		issues = append(issues, "minRequests must not be negative")
	}
	for _, k := range c.Kinds {
		if !traffic.ValidKind(k) {
			issues = append(issues, fmt.Sprintf("unknown error kind %q", k))
		}
	}
	for _, code := range c.StatusCodes {
		if code < 100 || code > 599 {
			issues = append(issues, fmt.Sprintf("status code %d outside 100-599", code))
		}
	}
	if len(issues) > 0 {
		return util.NewValidationIssues(c.Name, issues)
	}
	return nil
}

// FromConfig converts daemon-config alert rules into alert configs.
func FromConfig(rules []config.AlertRule) []AlertConfig {
	out := make([]AlertConfig, 0, len(rules))
	for _, r := range rules {
		kinds := make([]traffic.ErrorKind, 0, len(r.Kinds))
		for _, k := range r.Kinds {
			kinds = append(kinds, traffic.ErrorKind(k))
		}
		out = append(out, AlertConfig{
			ID:          r.ID,
			Name:        r.Name,
			RuleID:      r.RuleID,
			Kinds:       kinds,
			StatusCodes: append([]int(nil), r.StatusCodes...),
			Threshold:   r.Threshold,
			Window:      r.Window,
			MinRequests: r.MinRequests,
			Channels:    append([]string(nil), r.Channels...),
			Expression:  r.Expression,
			Enabled:     r.Enabled,
		})
	}
	return out
}
