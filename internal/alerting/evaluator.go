package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	alertingmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/alerting"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// notifyTimeout bounds one notification delivery.
const notifyTimeout = 5 * time.Second

// Evaluator owns alert configs and the alert lifecycle. It evaluates
// on every recorded error event and on a periodic tick; both paths
// converge on evaluateConfig. Alerts never resolve automatically.
type Evaluator struct {
	aggregator *traffic.Aggregator
	notifier   *Notifier
	filter     *expressionFilter
	logger     observability.Logger
	metrics    *alertingmetrics.AlertingMetrics
	clock      util.Clock
	tick       time.Duration

	mu           sync.Mutex
	configs      map[string]*AlertConfig
	alerts       map[string]*Alert
	open         map[string]string
	suppressed   map[string]bool
	loggedIssues map[string]bool
	running      bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger observability.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// WithEvaluatorClock sets the time source driving windows.
func WithEvaluatorClock(clock util.Clock) EvaluatorOption {
	return func(e *Evaluator) { e.clock = clock }
}

// NewEvaluator creates an evaluator seeded with the alerting config's
// alert rules. It registers itself on the aggregator's error feed; the
// periodic tick runs between Start and Stop.
func NewEvaluator(
	aggregator *traffic.Aggregator,
	notifier *Notifier,
	cfg config.AlertingConfig,
	opts ...EvaluatorOption,
) (*Evaluator, error) {
	tick := cfg.TickInterval.Duration()
	if tick <= 0 {
		tick = config.DefaultAlertTickInterval
	}

	e := &Evaluator{
		aggregator:   aggregator,
		notifier:     notifier,
		logger:       observability.L(),
		metrics:      alertingmetrics.GetAlertingMetrics(),
		clock:        util.RealClock{},
		tick:         tick,
		configs:      make(map[string]*AlertConfig),
		alerts:       make(map[string]*Alert),
		open:         make(map[string]string),
		suppressed:   make(map[string]bool),
		loggedIssues: make(map[string]bool),
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(observability.String("component", "alerting"))

	filter, err := newExpressionFilter(e.logger)
	if err != nil {
		return nil, err
	}
	e.filter = filter

	e.SetConfigs(FromConfig(cfg.Configs))
	aggregator.OnError(e.onErrorEvent)
	return e, nil
}

// Start launches the periodic evaluation tick.
func (e *Evaluator) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.run()
}

// Stop halts the tick. Event-driven evaluation keeps working; Stop
// only silences the periodic pass.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	close(e.stopCh)
	<-e.stoppedCh
}

func (e *Evaluator) run() {
	defer close(e.stoppedCh)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.EvaluateAll()
		}
	}
}

// AddConfig validates and stores a new alert config.
func (e *Evaluator) AddConfig(cfg AlertConfig) (*AlertConfig, error) {
	if err := e.configIssue(cfg); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	} else if _, exists := e.configs[cfg.ID]; exists {
		return nil, fmt.Errorf("alert config %q already exists: %w", cfg.ID, util.ErrInvalidInput)
	}
	now := e.clock.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	stored := cfg.Clone()
	e.configs[stored.ID] = stored
	delete(e.loggedIssues, stored.ID)
	e.pushRetentionLocked()
	return stored.Clone(), nil
}

// UpdateConfig replaces an existing config. The breach suppression
// state resets because the config's semantics changed.
func (e *Evaluator) UpdateConfig(cfg AlertConfig) (*AlertConfig, error) {
	if err := e.configIssue(cfg); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.configs[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("alert config %q: %w", cfg.ID, util.ErrNotFound)
	}
	cfg.CreatedAt = prev.CreatedAt
	cfg.UpdatedAt = e.clock.Now()

	stored := cfg.Clone()
	e.configs[stored.ID] = stored
	delete(e.loggedIssues, stored.ID)
	delete(e.suppressed, stored.ID)
	e.pushRetentionLocked()
	e.pruneExpressionsLocked()
	return stored.Clone(), nil
}

// RemoveConfig deletes a config. Alerts it raised remain until
// resolved.
func (e *Evaluator) RemoveConfig(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.configs[id]; !ok {
		return fmt.Errorf("alert config %q: %w", id, util.ErrNotFound)
	}
	delete(e.configs, id)
	delete(e.suppressed, id)
	delete(e.loggedIssues, id)
	e.pushRetentionLocked()
	e.pruneExpressionsLocked()
	return nil
}

// GetConfig returns a copy of one config.
func (e *Evaluator) GetConfig(id string) (*AlertConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[id]
	if !ok {
		return nil, fmt.Errorf("alert config %q: %w", id, util.ErrNotFound)
	}
	return cfg.Clone(), nil
}

// ListConfigs returns copies of all configs, ordered by name then ID.
func (e *Evaluator) ListConfigs() []*AlertConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*AlertConfig, 0, len(e.configs))
	for _, cfg := range e.configs {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetConfigs replaces the whole config set, typically from a daemon
// config reload. Configs are stored as given; invalid ones are skipped
// at evaluation with a logged issue.
func (e *Evaluator) SetConfigs(cfgs []AlertConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	next := make(map[string]*AlertConfig, len(cfgs))
	for i := range cfgs {
		cfg := cfgs[i].Clone()
		if cfg.ID == "" {
			cfg.ID = uuid.New().String()
		}
		if prev, ok := e.configs[cfg.ID]; ok {
			cfg.CreatedAt = prev.CreatedAt
		} else {
			cfg.CreatedAt = now
		}
		cfg.UpdatedAt = now
		next[cfg.ID] = cfg
	}
	e.configs = next

	for id := range e.suppressed {
		if _, ok := next[id]; !ok {
			delete(e.suppressed, id)
		}
	}
	e.loggedIssues = make(map[string]bool)
	e.pushRetentionLocked()
	e.pruneExpressionsLocked()
}

// EvaluateAll runs one evaluation pass over every enabled config.
func (e *Evaluator) EvaluateAll() {
	start := time.Now()

	e.mu.Lock()
	configs := make([]*AlertConfig, 0, len(e.configs))
	for _, cfg := range e.configs {
		if cfg.Enabled {
			configs = append(configs, cfg.Clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	for _, cfg := range configs {
		e.evaluateConfig(*cfg)
	}
	e.metrics.RecordEvaluationPass(time.Since(start))
}

// Alerts returns copies of all alerts, newest first.
func (e *Evaluator) Alerts() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetAlert returns a copy of one alert.
func (e *Evaluator) GetAlert(id string) (*Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %q: %w", id, util.ErrNotFound)
	}
	return a.Clone(), nil
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (e *Evaluator) Acknowledge(id, by string) (*Alert, error) {
	e.mu.Lock()
	alert, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("alert %q: %w", id, util.ErrNotFound)
	}
	if alert.Status != StatusActive {
		from := alert.Status
		e.mu.Unlock()
		return nil, util.NewTransitionError("alert", id, string(from), string(StatusAcknowledged))
	}
	alert.Status = StatusAcknowledged
	alert.AcknowledgedAt = e.clock.Now()
	alert.AcknowledgedBy = by

	out := alert.Clone()
	n := e.notificationLocked(alert, fmt.Sprintf("acknowledged by %s", by))
	e.mu.Unlock()

	e.logger.Info("alert acknowledged",
		observability.String("alert", id),
		observability.String("by", by),
	)
	e.deliver(n)
	return out, nil
}

// Resolve moves an ACTIVE or ACKNOWLEDGED alert to RESOLVED and
// suppresses re-raising for the same breach until the rate recovers
// below the threshold once.
func (e *Evaluator) Resolve(id, by string) (*Alert, error) {
	e.mu.Lock()
	alert, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("alert %q: %w", id, util.ErrNotFound)
	}
	if alert.Status != StatusActive && alert.Status != StatusAcknowledged {
		from := alert.Status
		e.mu.Unlock()
		return nil, util.NewTransitionError("alert", id, string(from), string(StatusResolved))
	}
	alert.Status = StatusResolved
	alert.ResolvedAt = e.clock.Now()
	alert.ResolvedBy = by
	if e.open[alert.ConfigID] == id {
		delete(e.open, alert.ConfigID)
		e.suppressed[alert.ConfigID] = true
	}
	e.metrics.AlertsActive.Set(float64(len(e.open)))

	out := alert.Clone()
	n := e.notificationLocked(alert, fmt.Sprintf("resolved by %s", by))
	e.mu.Unlock()

	e.logger.Info("alert resolved",
		observability.String("alert", id),
		observability.String("by", by),
	)
	e.deliver(n)
	return out, nil
}

// onErrorEvent is the aggregator's error feed. Only configs scoping
// the event are evaluated.
func (e *Evaluator) onErrorEvent(ev traffic.ErrorEvent) {
	e.mu.Lock()
	matched := make([]*AlertConfig, 0, 2)
	for _, cfg := range e.configs {
		if cfg.Enabled && cfg.Matches(ev) {
			matched = append(matched, cfg.Clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	for _, cfg := range matched {
		e.evaluateConfig(*cfg)
	}
}

// evaluateConfig runs one config against the aggregator. Both the
// event trigger and the periodic tick end up here.
func (e *Evaluator) evaluateConfig(cfg AlertConfig) {
	if err := e.configIssue(cfg); err != nil {
		e.logIssueOnce(cfg, err)
		e.metrics.RecordEvaluation(alertingmetrics.EvalSkipped)
		return
	}

	now := e.clock.Now()
	since := now.Add(-cfg.Window.Duration())

	requests := e.aggregator.RequestsSince(cfg.RuleID, since)
	if requests < int64(cfg.MinRequests) {
		// Insufficient data: no alert, no suppression change.
		e.metrics.RecordEvaluation(alertingmetrics.EvalSkipped)
		return
	}

	matching := 0
	for _, ev := range e.aggregator.EventsSince(cfg.RuleID, since) {
		if cfg.Matches(ev) && e.filter.match(cfg.Expression, ev) {
			matching++
		}
	}
	var errorRate float64
	if requests > 0 {
		errorRate = float64(matching) / float64(requests)
	}

	if matching == 0 || errorRate < cfg.Threshold {
		e.mu.Lock()
		delete(e.suppressed, cfg.ID)
		e.mu.Unlock()
		e.metrics.RecordEvaluation(alertingmetrics.EvalBelowThreshold)
		return
	}
	e.metrics.RecordEvaluation(alertingmetrics.EvalTriggered)

	e.mu.Lock()
	if _, hasOpen := e.open[cfg.ID]; hasOpen {
		// The existing alert covers this breach.
		e.mu.Unlock()
		return
	}
	if e.suppressed[cfg.ID] {
		// Resolved breach that has not recovered yet.
		e.mu.Unlock()
		return
	}

	alert := &Alert{
		ID:             uuid.New().String(),
		ConfigID:       cfg.ID,
		ConfigName:     cfg.Name,
		RuleID:         cfg.RuleID,
		Status:         StatusActive,
		ErrorRate:      errorRate,
		Threshold:      cfg.Threshold,
		WindowErrors:   matching,
		WindowRequests: requests,
		Message: fmt.Sprintf("error rate %.1f%% breaches %.1f%% over %s (%d errors / %d requests)",
			errorRate*100, cfg.Threshold*100, cfg.Window.Duration(), matching, requests),
		CreatedAt: now,
	}
	e.alerts[alert.ID] = alert
	e.open[cfg.ID] = alert.ID
	e.metrics.AlertsRaisedTotal.WithLabelValues(cfg.Name).Inc()
	e.metrics.AlertsActive.Set(float64(len(e.open)))

	n := e.notificationLocked(alert, alert.Message)
	e.mu.Unlock()

	e.logger.Warn("alert raised",
		observability.String("alert", alert.ID),
		observability.String("config", cfg.Name),
		observability.String("rule", cfg.RuleID),
		observability.Float64("rate", errorRate),
		observability.Float64("threshold", cfg.Threshold),
	)
	e.deliver(n)
}

// configIssue reports why a config cannot be evaluated, nil when it
// can.
func (e *Evaluator) configIssue(cfg AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Expression != "" {
		if _, err := e.filter.compile(cfg.Expression); err != nil {
			return util.NewValidationIssues(cfg.Name, []string{err.Error()})
		}
	}
	return nil
}

// logIssueOnce reports a skipped config once per config revision.
func (e *Evaluator) logIssueOnce(cfg AlertConfig, err error) {
	e.mu.Lock()
	seen := e.loggedIssues[cfg.ID]
	e.loggedIssues[cfg.ID] = true
	e.mu.Unlock()
	if seen {
		return
	}
	e.logger.Warn("skipping malformed alert config",
		observability.String("config", cfg.Name),
		observability.Error(err),
	)
}

// notificationLocked builds the outbound notification for an alert's
// current status. Caller holds e.mu.
func (e *Evaluator) notificationLocked(alert *Alert, message string) Notification {
	var channels []string
	if cfg, ok := e.configs[alert.ConfigID]; ok {
		channels = append([]string(nil), cfg.Channels...)
	}
	return Notification{
		AlertID:  alert.ID,
		ConfigID: alert.ConfigID,
		RuleID:   alert.RuleID,
		Status:   alert.Status,
		Message:  message,
		Channels: channels,
		At:       e.clock.Now(),
	}
}

func (e *Evaluator) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	e.notifier.Send(ctx, n)
}

// pushRetentionLocked hands the aggregator the longest enabled window.
// Caller holds e.mu.
func (e *Evaluator) pushRetentionLocked() {
	var longest time.Duration
	for _, cfg := range e.configs {
		if cfg.Enabled && cfg.Window.Duration() > longest {
			longest = cfg.Window.Duration()
		}
	}
	e.aggregator.SetRetention(longest)
}

// pruneExpressionsLocked drops cached CEL programs no config uses.
// Caller holds e.mu.
func (e *Evaluator) pruneExpressionsLocked() {
	active := make(map[string]bool, len(e.configs))
	for _, cfg := range e.configs {
		if cfg.Expression != "" {
			active[cfg.Expression] = true
		}
	}
	e.filter.prune(active)
}
