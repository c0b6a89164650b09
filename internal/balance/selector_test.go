package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/probe"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// fakeHealth maps target keys to statuses. Unlisted targets report
// UNKNOWN, which is eligible.
type fakeHealth map[string]probe.Status

func (f fakeHealth) Status(_ string, targetKey string) probe.Status {
	if st, ok := f[targetKey]; ok {
		return st
	}
	return probe.StatusUnknown
}

func tgt(container string, port, weight int) rules.Target {
	return rules.Target{Container: container, Port: port, Weight: weight}
}

func lbRule(id string, policy rules.Policy, targets ...rules.Target) *rules.Rule {
	return &rules.Rule{
		ID:         id,
		Name:       id,
		SourceHost: id + ".test",
		SourcePath: "/",
		Protocol:   rules.ProtocolHTTP,
		LoadBalancing: &rules.LoadBalancingSpec{
			Policy:  policy,
			Targets: targets,
		},
		Enabled: true,
	}
}

func newTestSelector(health HealthSource) *Selector {
	return NewSelector(health, WithSelectorLogger(observability.NopLogger()))
}

func selectKeys(t *testing.T, s *Selector, rule *rules.Rule, n int) []string {
	t.Helper()
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sel, err := s.Select(rule, Request{ClientIP: "10.0.0.1"})
		require.NoError(t, err)
		keys = append(keys, sel.Target.Key())
	}
	return keys
}

func TestSelector_RoundRobinHonorsWeights(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 2), tgt("b", 80, 1))

	got := selectKeys(t, s, rule, 6)
	want := []string{"a:80", "a:80", "b:80", "a:80", "a:80", "b:80"}
	assert.Equal(t, want, got)
}

func TestSelector_RoundRobinSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	health := fakeHealth{"a:80": probe.StatusUnhealthy, "b:80": probe.StatusHealthy}
	s := newTestSelector(health)
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 1), tgt("b", 80, 1))

	for _, key := range selectKeys(t, s, rule, 4) {
		assert.Equal(t, "b:80", key)
	}
}

func TestSelector_DegradesToStarting(t *testing.T) {
	t.Parallel()

	health := fakeHealth{"a:80": probe.StatusUnhealthy, "b:80": probe.StatusStarting}
	s := newTestSelector(health)
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 1), tgt("b", 80, 1))

	sel, err := s.Select(rule, Request{})
	require.NoError(t, err)
	assert.Equal(t, "b:80", sel.Target.Key())

	// A healthy target beats a STARTING one.
	health["a:80"] = probe.StatusHealthy
	for _, key := range selectKeys(t, s, rule, 4) {
		assert.Equal(t, "a:80", key)
	}
}

func TestSelector_NoEligibleTarget(t *testing.T) {
	t.Parallel()

	health := fakeHealth{"a:80": probe.StatusUnhealthy, "b:80": probe.StatusUnhealthy}
	s := newTestSelector(health)
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 1), tgt("b", 80, 1))

	_, err := s.Select(rule, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrNoHealthyTarget)

	var nht *util.NoHealthyTargetError
	require.ErrorAs(t, err, &nht)
	assert.Equal(t, "r1", nht.RuleID)
}

func TestSelector_StickyShortCircuit(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 1), tgt("b", 80, 1))
	rule.LoadBalancing.StickyCookie = "KONTAINERS_TARGET"
	rule.LoadBalancing.CookieTTL = config.Duration(time.Hour)

	for i := 0; i < 3; i++ {
		sel, err := s.Select(rule, Request{StickyValue: "b:80"})
		require.NoError(t, err)
		assert.Equal(t, "b:80", sel.Target.Key())
		assert.True(t, sel.SetSticky)
		assert.Equal(t, "b:80", sel.StickyValue)
		assert.Equal(t, time.Hour, sel.StickyTTL)
	}
}

func TestSelector_StickyIneligibleFallsThroughAndReissues(t *testing.T) {
	t.Parallel()

	health := fakeHealth{"b:80": probe.StatusUnhealthy}
	s := newTestSelector(health)
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 1), tgt("b", 80, 1))
	rule.LoadBalancing.StickyCookie = "KONTAINERS_TARGET"

	sel, err := s.Select(rule, Request{StickyValue: "b:80"})
	require.NoError(t, err)
	assert.Equal(t, "a:80", sel.Target.Key())
	assert.True(t, sel.SetSticky)
	assert.Equal(t, "a:80", sel.StickyValue)
}

func TestSelector_LeastConnPicksIdleTarget(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	rule := lbRule("r1", rules.PolicyLeastConn,
		tgt("a", 80, 1), tgt("b", 80, 1), tgt("c", 80, 1))

	s.Acquire("r1", "a:80")
	s.Acquire("r1", "a:80")
	s.Acquire("r1", "b:80")

	sel, err := s.Select(rule, Request{})
	require.NoError(t, err)
	assert.Equal(t, "c:80", sel.Target.Key())

	s.Release("r1", "a:80")
	s.Release("r1", "a:80")
	s.Release("r1", "b:80")

	// All idle: ties keep rule order.
	sel, err = s.Select(rule, Request{})
	require.NoError(t, err)
	assert.Equal(t, "a:80", sel.Target.Key())
}

func TestSelector_IPHashStableForClient(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	rule := lbRule("r1", rules.PolicyIPHash,
		tgt("a", 80, 1), tgt("b", 80, 1), tgt("c", 80, 1))

	first, err := s.Select(rule, Request{ClientIP: "192.168.7.13"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		sel, err := s.Select(rule, Request{ClientIP: "192.168.7.13"})
		require.NoError(t, err)
		assert.Equal(t, first.Target.Key(), sel.Target.Key())
	}
}

func TestSelector_RandomCoversWeightedTargets(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	rule := lbRule("r1", rules.PolicyRandom, tgt("a", 80, 2), tgt("b", 80, 1))

	seen := make(map[string]bool)
	for _, key := range selectKeys(t, s, rule, 100) {
		seen[key] = true
	}
	assert.True(t, seen["a:80"])
	assert.True(t, seen["b:80"])
}

func TestSelector_SingleTargetRule(t *testing.T) {
	t.Parallel()

	health := fakeHealth{}
	s := newTestSelector(health)
	rule := &rules.Rule{
		ID:              "r1",
		Name:            "r1",
		SourceHost:      "api.test",
		SourcePath:      "/",
		Protocol:        rules.ProtocolHTTP,
		TargetContainer: "api",
		TargetPort:      8080,
		Enabled:         true,
	}

	sel, err := s.Select(rule, Request{})
	require.NoError(t, err)
	assert.Equal(t, "api:8080", sel.Target.Key())
	assert.False(t, sel.SetSticky)

	health["api:8080"] = probe.StatusUnhealthy
	_, err = s.Select(rule, Request{})
	assert.ErrorIs(t, err, util.ErrNoHealthyTarget)
}

func TestSelector_ReleaseClampsAtZero(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	s.Release("r1", "a:80")
	assert.Zero(t, s.InFlight("r1", "a:80"))

	s.Acquire("r1", "a:80")
	assert.Equal(t, int64(1), s.InFlight("r1", "a:80"))
}

func TestSelector_ForgetResetsCursor(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	rule := lbRule("r1", rules.PolicyRoundRobin, tgt("a", 80, 1), tgt("b", 80, 1))

	sel, err := s.Select(rule, Request{})
	require.NoError(t, err)
	assert.Equal(t, "a:80", sel.Target.Key())

	s.Forget("r1")

	sel, err = s.Select(rule, Request{})
	require.NoError(t, err)
	assert.Equal(t, "a:80", sel.Target.Key())
}

func TestSelector_NilRule(t *testing.T) {
	t.Parallel()

	s := newTestSelector(fakeHealth{})
	_, err := s.Select(nil, Request{})
	assert.ErrorIs(t, err, util.ErrInvalidInput)
}
