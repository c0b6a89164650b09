package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget_Key(t *testing.T) {
	t.Parallel()

	target := Target{Container: "web-1", Port: 8080}
	assert.Equal(t, "web-1:8080", target.Key())
}

func TestTarget_EffectiveWeight(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, Target{Weight: 0}.EffectiveWeight())
	assert.Equal(t, 1, Target{Weight: -5}.EffectiveWeight())
	assert.Equal(t, 3, Target{Weight: 3}.EffectiveWeight())
}

func TestProtocol_IsStream(t *testing.T) {
	t.Parallel()

	assert.False(t, ProtocolHTTP.IsStream())
	assert.False(t, ProtocolHTTPS.IsStream())
	assert.True(t, ProtocolTCP.IsStream())
	assert.True(t, ProtocolUDP.IsStream())
}

func TestRule_Targets(t *testing.T) {
	t.Parallel()

	t.Run("single target", func(t *testing.T) {
		t.Parallel()

		rule := &Rule{TargetContainer: "web", TargetPort: 8080}
		targets := rule.Targets()
		require.Len(t, targets, 1)
		assert.Equal(t, "web:8080", targets[0].Key())
		assert.Equal(t, 1, targets[0].Weight)
	})

	t.Run("balanced set wins", func(t *testing.T) {
		t.Parallel()

		rule := &Rule{
			LoadBalancing: &LoadBalancingSpec{
				Targets: []Target{{Container: "a", Port: 1}, {Container: "b", Port: 2}},
			},
		}
		assert.Len(t, rule.Targets(), 2)
	})

	t.Run("no target", func(t *testing.T) {
		t.Parallel()

		rule := &Rule{}
		assert.Nil(t, rule.Targets())
	})
}

func TestRule_BalancingPolicy_Default(t *testing.T) {
	t.Parallel()

	rule := &Rule{}
	assert.Equal(t, PolicyRoundRobin, rule.BalancingPolicy())

	rule.LoadBalancing = &LoadBalancingSpec{Policy: PolicyIPHash}
	assert.Equal(t, PolicyIPHash, rule.BalancingPolicy())
}

func TestRule_RouteKey_CaseInsensitiveHost(t *testing.T) {
	t.Parallel()

	a := &Rule{SourceHost: "App.Example.COM", SourcePath: "/x"}
	b := &Rule{SourceHost: "app.example.com", SourcePath: "/x"}
	assert.Equal(t, a.RouteKey(), b.RouteKey())

	c := &Rule{SourceHost: "app.example.com", SourcePath: "/X"}
	assert.NotEqual(t, a.RouteKey(), c.RouteKey(), "paths stay case sensitive")
}

func TestRule_Clone_IsDeep(t *testing.T) {
	t.Parallel()

	rule := validRule()
	rule.LoadBalancing = &LoadBalancingSpec{
		Policy:  PolicyRoundRobin,
		Targets: []Target{{Container: "a", Port: 1}},
	}
	rule.TargetContainer = ""
	rule.TargetPort = 0
	rule.Headers = &HeaderSpec{
		Request: map[string]string{"X-A": "1"},
		Remove:  []string{"Server"},
	}
	rule.Advanced = &AdvancedSpec{
		AllowIPs: []string{"10.0.0.1"},
		WAF:      &WAFSpec{Mode: WAFModeDetect, Rulesets: []string{"core"}},
	}

	clone := rule.Clone()

	clone.LoadBalancing.Targets[0].Container = "mutated"
	clone.Headers.Request["X-A"] = "mutated"
	clone.Headers.Remove[0] = "mutated"
	clone.Advanced.AllowIPs[0] = "mutated"
	clone.Advanced.WAF.Rulesets[0] = "mutated"

	assert.Equal(t, "a", rule.LoadBalancing.Targets[0].Container)
	assert.Equal(t, "1", rule.Headers.Request["X-A"])
	assert.Equal(t, "Server", rule.Headers.Remove[0])
	assert.Equal(t, "10.0.0.1", rule.Advanced.AllowIPs[0])
	assert.Equal(t, "core", rule.Advanced.WAF.Rulesets[0])
}
