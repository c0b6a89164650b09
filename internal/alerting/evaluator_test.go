package alerting

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

type evalFixture struct {
	clock      *util.FakeClock
	aggregator *traffic.Aggregator
	sink       *ChannelSink
	evaluator  *Evaluator
}

func newEvalFixture(t *testing.T, cfgs ...AlertConfig) *evalFixture {
	t.Helper()

	clock := &util.FakeClock{T: time.Unix(10000, 0)}
	aggregator := traffic.NewAggregator(
		traffic.WithAggregatorClock(clock),
		traffic.WithAggregatorLogger(observability.NopLogger()),
	)
	sink := NewChannelSink(64)
	notifier := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 1000, ChannelBurst: 1000},
		WithNotifierLogger(observability.NopLogger()),
	)
	evaluator, err := NewEvaluator(aggregator, notifier, config.AlertingConfig{},
		WithEvaluatorClock(clock),
		WithEvaluatorLogger(observability.NopLogger()),
	)
	require.NoError(t, err)
	if len(cfgs) > 0 {
		evaluator.SetConfigs(cfgs)
	}
	return &evalFixture{clock: clock, aggregator: aggregator, sink: sink, evaluator: evaluator}
}

func alertCfg(id, name, ruleID string, threshold float64, window time.Duration, minRequests int) AlertConfig {
	return AlertConfig{
		ID:          id,
		Name:        name,
		RuleID:      ruleID,
		Threshold:   threshold,
		Window:      config.Duration(window),
		MinRequests: minRequests,
		Channels:    []string{"ops"},
		Enabled:     true,
	}
}

func serverError(ruleID, path string) traffic.ErrorEvent {
	return traffic.ErrorEvent{
		RuleID:     ruleID,
		Kind:       traffic.KindServerError,
		StatusCode: 500,
		Path:       path,
		ClientIP:   "10.0.0.1",
		Message:    "upstream returned 500",
	}
}

func (f *evalFixture) drainNotifications() []Notification {
	var out []Notification
	for {
		select {
		case n := <-f.sink.Notifications():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestEvaluator_MinRequestsGate(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t, alertCfg("c1", "high-errors", "r1", 0.5, time.Minute, 10))

	f.aggregator.RecordRequests("r1", 9, time.Time{})
	for i := 0; i < 9; i++ {
		f.aggregator.RecordError(serverError("r1", "/api"))
	}
	f.evaluator.EvaluateAll()
	assert.Empty(t, f.evaluator.Alerts(), "below the request floor nothing fires")

	f.aggregator.RecordRequests("r1", 1, time.Time{})
	f.evaluator.EvaluateAll()

	alerts := f.evaluator.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, StatusActive, alerts[0].Status)
	assert.Equal(t, 9, alerts[0].WindowErrors)
	assert.Equal(t, int64(10), alerts[0].WindowRequests)
}

func TestEvaluator_BreachLifecycle(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t)
	f.aggregator.RecordRequests("r1", 25, time.Time{})
	for i := 0; i < 3; i++ {
		f.aggregator.RecordError(serverError("r1", "/api"))
	}

	_, err := f.evaluator.AddConfig(alertCfg("c1", "api-errors", "r1", 0.05, time.Minute, 20))
	require.NoError(t, err)
	f.evaluator.EvaluateAll()

	alerts := f.evaluator.Alerts()
	require.Len(t, alerts, 1)
	raised := alerts[0]
	assert.Equal(t, StatusActive, raised.Status)
	assert.Equal(t, "c1", raised.ConfigID)
	assert.Equal(t, "api-errors", raised.ConfigName)
	assert.Equal(t, "r1", raised.RuleID)
	assert.InDelta(t, 0.12, raised.ErrorRate, 0.001)
	assert.InDelta(t, 0.05, raised.Threshold, 0.001)
	assert.Equal(t, 3, raised.WindowErrors)
	assert.Equal(t, int64(25), raised.WindowRequests)
	assert.Equal(t, f.clock.T, raised.CreatedAt)
	_, err = uuid.Parse(raised.ID)
	assert.NoError(t, err)

	acked, err := f.evaluator.Acknowledge(raised.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	assert.False(t, acked.AcknowledgedAt.IsZero())

	resolved, err := f.evaluator.Resolve(raised.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	assert.False(t, resolved.ResolvedAt.IsZero())

	// The breach is still live, but the resolved alert suppresses a
	// rerun until the rate dips below the threshold.
	f.aggregator.RecordError(serverError("r1", "/api"))
	f.evaluator.EvaluateAll()
	assert.Len(t, f.evaluator.Alerts(), 1)

	// Recover: a fresh window with enough traffic and no errors.
	f.clock.Advance(2 * time.Minute)
	f.aggregator.RecordRequests("r1", 30, time.Time{})
	f.evaluator.EvaluateAll()
	assert.Len(t, f.evaluator.Alerts(), 1)

	// Breach again: now a new alert may fire.
	f.aggregator.RecordError(serverError("r1", "/api"))
	f.aggregator.RecordError(serverError("r1", "/api"))

	alerts = f.evaluator.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, StatusActive, alerts[0].Status)
	assert.NotEqual(t, raised.ID, alerts[0].ID)
	assert.Equal(t, StatusResolved, alerts[1].Status)
}

func TestEvaluator_NoFlappingWhileOpen(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t, alertCfg("c1", "flappy", "r1", 0.1, time.Minute, 1))
	f.aggregator.RecordRequests("r1", 5, time.Time{})
	f.aggregator.RecordError(serverError("r1", "/api"))
	require.Len(t, f.evaluator.Alerts(), 1)

	for i := 0; i < 5; i++ {
		f.aggregator.RecordError(serverError("r1", "/api"))
		f.evaluator.EvaluateAll()
	}
	alerts := f.evaluator.Alerts()
	require.Len(t, alerts, 1, "open alert absorbs the ongoing breach")

	_, err := f.evaluator.Acknowledge(alerts[0].ID, "bob")
	require.NoError(t, err)
	f.aggregator.RecordError(serverError("r1", "/api"))
	f.evaluator.EvaluateAll()
	alerts = f.evaluator.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, StatusAcknowledged, alerts[0].Status)
}

func TestEvaluator_TransitionErrors(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t, alertCfg("c1", "strict", "r1", 0.1, time.Minute, 1))
	f.aggregator.RecordRequests("r1", 2, time.Time{})
	f.aggregator.RecordError(serverError("r1", "/api"))
	alerts := f.evaluator.Alerts()
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	_, err := f.evaluator.Acknowledge("nope", "alice")
	assert.ErrorIs(t, err, util.ErrNotFound)
	_, err = f.evaluator.Resolve("nope", "alice")
	assert.ErrorIs(t, err, util.ErrNotFound)

	_, err = f.evaluator.Acknowledge(id, "alice")
	require.NoError(t, err)

	_, err = f.evaluator.Acknowledge(id, "bob")
	var transition *util.TransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "ACKNOWLEDGED", transition.From)
	assert.Equal(t, "ACKNOWLEDGED", transition.To)
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	_, err = f.evaluator.Resolve(id, "alice")
	require.NoError(t, err)

	_, err = f.evaluator.Resolve(id, "bob")
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "RESOLVED", transition.From)

	_, err = f.evaluator.Acknowledge(id, "bob")
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "RESOLVED", transition.From)
	assert.Equal(t, "ACKNOWLEDGED", transition.To)
}

func TestEvaluator_MalformedConfigSkipped(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t)
	broken := alertCfg("c1", "broken", "r1", 2.0, time.Minute, 1)
	badExpr := alertCfg("c2", "bad-expr", "r1", 0.1, time.Minute, 1)
	badExpr.Expression = "status >>> 500"
	f.evaluator.SetConfigs([]AlertConfig{broken, badExpr})

	f.aggregator.RecordRequests("r1", 10, time.Time{})
	for i := 0; i < 10; i++ {
		f.aggregator.RecordError(serverError("r1", "/api"))
	}
	f.evaluator.EvaluateAll()
	f.evaluator.EvaluateAll()

	assert.Empty(t, f.evaluator.Alerts())
}

func TestEvaluator_ExpressionFiltersEvents(t *testing.T) {
	t.Parallel()

	cfg := alertCfg("c1", "api-5xx", "", 0.5, time.Minute, 1)
	cfg.Expression = `status >= 500 && path.startsWith("/api")`
	f := newEvalFixture(t, cfg)

	f.aggregator.RecordRequests("r1", 4, time.Time{})
	f.aggregator.RecordError(serverError("r1", "/web"))
	f.aggregator.RecordError(traffic.ErrorEvent{
		RuleID: "r1", Kind: traffic.KindClientError, StatusCode: 404, Path: "/api/x",
	})
	f.aggregator.RecordError(serverError("r1", "/api/x"))
	assert.Empty(t, f.evaluator.Alerts(), "one matching error out of four requests stays under 50%")

	f.aggregator.RecordError(serverError("r1", "/api/y"))

	alerts := f.evaluator.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].WindowErrors, "only expression matches count")
}

func TestEvaluator_RetentionFollowsLongestWindow(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t, alertCfg("c1", "slow-burn", "r1", 0.01, 30*time.Minute, 1))

	f.aggregator.RecordError(serverError("r1", "/api"))
	f.clock.Advance(20 * time.Minute)
	f.aggregator.RecordRequests("r1", 10, time.Time{})
	f.evaluator.EvaluateAll()

	alerts := f.evaluator.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 1, alerts[0].WindowErrors,
		"a 20 minute old error is still visible through a 30 minute window")
}

func TestEvaluator_NotificationsPerTransition(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t, alertCfg("c1", "notify-me", "r1", 0.1, time.Minute, 1))
	f.aggregator.RecordRequests("r1", 2, time.Time{})
	f.aggregator.RecordError(serverError("r1", "/api"))

	notifications := f.drainNotifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, StatusActive, notifications[0].Status)
	assert.Equal(t, "c1", notifications[0].ConfigID)
	assert.Equal(t, []string{"ops"}, notifications[0].Channels)

	id := f.evaluator.Alerts()[0].ID
	_, err := f.evaluator.Acknowledge(id, "alice")
	require.NoError(t, err)
	notifications = f.drainNotifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, StatusAcknowledged, notifications[0].Status)
	assert.Contains(t, notifications[0].Message, "alice")

	_, err = f.evaluator.Resolve(id, "alice")
	require.NoError(t, err)
	notifications = f.drainNotifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, StatusResolved, notifications[0].Status)

	// Re-evaluating an already handled breach is silent.
	f.evaluator.EvaluateAll()
	assert.Empty(t, f.drainNotifications())
}

func TestEvaluator_ConfigCRUD(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t)

	added, err := f.evaluator.AddConfig(alertCfg("", "zeta", "r1", 0.1, time.Minute, 5))
	require.NoError(t, err)
	_, err = uuid.Parse(added.ID)
	assert.NoError(t, err)
	assert.Equal(t, f.clock.T, added.CreatedAt)

	got, err := f.evaluator.GetConfig(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "zeta", got.Name)
	got.Name = "mutated"
	again, err := f.evaluator.GetConfig(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "zeta", again.Name, "returned configs are copies")

	f.clock.Advance(time.Minute)
	update := *added
	update.Threshold = 0.2
	updated, err := f.evaluator.UpdateConfig(update)
	require.NoError(t, err)
	assert.Equal(t, added.CreatedAt, updated.CreatedAt)
	assert.Equal(t, f.clock.T, updated.UpdatedAt)
	assert.InDelta(t, 0.2, updated.Threshold, 0.001)

	_, err = f.evaluator.AddConfig(alertCfg("", "alpha", "r2", 0.1, time.Minute, 5))
	require.NoError(t, err)
	names := make([]string, 0, 2)
	for _, cfg := range f.evaluator.ListConfigs() {
		names = append(names, cfg.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)

	require.NoError(t, f.evaluator.RemoveConfig(added.ID))
	_, err = f.evaluator.GetConfig(added.ID)
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.ErrorIs(t, f.evaluator.RemoveConfig(added.ID), util.ErrNotFound)

	missing := alertCfg("ghost", "ghost", "r1", 0.1, time.Minute, 5)
	_, err = f.evaluator.UpdateConfig(missing)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestEvaluator_AddConfigValidation(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t)

	bad := alertCfg("c1", "over-unit", "r1", 1.5, time.Minute, 5)
	_, err := f.evaluator.AddConfig(bad)
	var issues *util.ValidationIssues
	require.ErrorAs(t, err, &issues)
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	badExpr := alertCfg("c2", "bad-expr", "r1", 0.1, time.Minute, 5)
	badExpr.Expression = "kind =="
	_, err = f.evaluator.AddConfig(badExpr)
	require.ErrorAs(t, err, &issues)

	ok := alertCfg("c3", "fine", "r1", 0.1, time.Minute, 5)
	_, err = f.evaluator.AddConfig(ok)
	require.NoError(t, err)
	_, err = f.evaluator.AddConfig(ok)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.Contains(t, err.Error(), "already exists")
}

func TestEvaluator_DisabledConfigIgnored(t *testing.T) {
	t.Parallel()

	cfg := alertCfg("c1", "dormant", "r1", 0.1, time.Minute, 1)
	cfg.Enabled = false
	f := newEvalFixture(t, cfg)

	f.aggregator.RecordRequests("r1", 2, time.Time{})
	f.aggregator.RecordError(serverError("r1", "/api"))
	f.evaluator.EvaluateAll()

	assert.Empty(t, f.evaluator.Alerts())
}

func TestEvaluator_ScopedConfigIgnoresOtherRules(t *testing.T) {
	t.Parallel()

	f := newEvalFixture(t, alertCfg("c1", "r1-only", "r1", 0.1, time.Minute, 1))

	f.aggregator.RecordRequests("r2", 2, time.Time{})
	f.aggregator.RecordError(serverError("r2", "/api"))
	f.evaluator.EvaluateAll()

	assert.Empty(t, f.evaluator.Alerts())
}

func TestEvaluator_TickDrivenEvaluation(t *testing.T) {
	t.Parallel()

	clock := &util.FakeClock{T: time.Unix(10000, 0)}
	aggregator := traffic.NewAggregator(
		traffic.WithAggregatorClock(clock),
		traffic.WithAggregatorLogger(observability.NopLogger()),
	)
	sink := NewChannelSink(8)
	notifier := NewNotifier(sink,
		config.AlertingConfig{ChannelRate: 1000, ChannelBurst: 1000},
		WithNotifierLogger(observability.NopLogger()),
	)
	evaluator, err := NewEvaluator(aggregator, notifier,
		config.AlertingConfig{TickInterval: config.Duration(10 * time.Millisecond)},
		WithEvaluatorClock(clock),
		WithEvaluatorLogger(observability.NopLogger()),
	)
	require.NoError(t, err)

	// Seed traffic before the config exists so only the tick can fire.
	aggregator.RecordRequests("r1", 4, time.Time{})
	aggregator.RecordError(serverError("r1", "/api"))
	_, err = evaluator.AddConfig(alertCfg("c1", "ticked", "r1", 0.1, time.Minute, 1))
	require.NoError(t, err)

	evaluator.Start()
	defer evaluator.Stop()

	assert.Eventually(t, func() bool {
		return len(evaluator.Alerts()) == 1
	}, 3*time.Second, 5*time.Millisecond)

	evaluator.Stop()
	evaluator.Stop()
}
