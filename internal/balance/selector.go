// Package balance selects upstream targets for routing rules. Selection
// operates on the rule's configured policy gated by probe health:
// HEALTHY and UNKNOWN targets are eligible, STARTING targets are used
// only when nothing better exists, UNHEALTHY targets never receive
// traffic.
package balance

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	balancemetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/balance"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/probe"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// HealthSource reports the probe status of one rule target. Untracked
// targets report UNKNOWN, which counts as eligible.
type HealthSource interface {
	Status(ruleID, targetKey string) probe.Status
}

// Request carries the per-request inputs selection depends on.
type Request struct {
	ClientIP    string
	StickyValue string
}

// Selection is the outcome of a successful Select. SetSticky tells the
// data plane to (re)issue the sticky cookie with StickyValue and
// StickyTTL.
type Selection struct {
	Target      rules.Target
	SetSticky   bool
	StickyValue string
	StickyTTL   time.Duration
}

// counterKey identifies per-(rule, target) selector state.
type counterKey struct {
	rule   string
	target string
}

// Selector picks targets for rules. It owns the per-rule round-robin
// cursors and the in-flight counters behind LEAST_CONN.
type Selector struct {
	health  HealthSource
	logger  observability.Logger
	metrics *balancemetrics.BalanceMetrics

	mu       sync.Mutex
	cursors  map[string]*atomic.Uint64
	inflight map[counterKey]*atomic.Int64
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorLogger sets the logger.
func WithSelectorLogger(logger observability.Logger) SelectorOption {
	return func(s *Selector) { s.logger = logger }
}

// NewSelector creates a selector backed by the given health source.
func NewSelector(health HealthSource, opts ...SelectorOption) *Selector {
	s := &Selector{
		health:   health,
		logger:   observability.L(),
		metrics:  balancemetrics.GetBalanceMetrics(),
		cursors:  make(map[string]*atomic.Uint64),
		inflight: make(map[counterKey]*atomic.Int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "balance"))
	return s
}

// Select picks a target for the rule. A sticky value naming a
// still-eligible target short-circuits the policy; otherwise the
// rule's policy runs over the eligible set.
func (s *Selector) Select(rule *rules.Rule, req Request) (Selection, error) {
	if rule == nil {
		return Selection{}, fmt.Errorf("%w: nil rule", util.ErrInvalidInput)
	}

	targets := s.eligible(rule)
	if len(targets) == 0 {
		s.metrics.RecordNoHealthyTarget(rule.ID)
		return Selection{}, util.NewNoHealthyTargetError(rule.ID)
	}

	if rule.LoadBalancing.Sticky() && req.StickyValue != "" {
		for _, t := range targets {
			if t.Key() == req.StickyValue {
				s.metrics.RecordStickyHit(rule.ID)
				return s.selection(rule, t), nil
			}
		}
		// Sticky target gone or ineligible: fall through to the
		// policy and re-issue the cookie for the new target.
	}

	var picked rules.Target
	policy := rule.BalancingPolicy()
	switch policy {
	case rules.PolicyLeastConn:
		picked = s.pickLeastConn(rule.ID, targets)
	case rules.PolicyIPHash:
		picked = pickIPHash(req.ClientIP, targets)
	case rules.PolicyRandom:
		picked = pickRandom(targets)
	default:
		picked = s.pickRoundRobin(rule.ID, targets)
	}

	s.metrics.RecordSelection(rule.ID, string(policy))
	return s.selection(rule, picked), nil
}

// Acquire records one in-flight request against a target. The data
// plane (or the ingest feed standing in for it) calls this when a
// request is dispatched.
func (s *Selector) Acquire(ruleID, targetKey string) {
	c := s.counter(ruleID, targetKey)
	s.metrics.SetInFlight(ruleID, targetKey, c.Add(1))
}

// Release records the completion of an in-flight request. Releases
// without a matching Acquire clamp at zero.
func (s *Selector) Release(ruleID, targetKey string) {
	c := s.counter(ruleID, targetKey)
	n := c.Add(-1)
	if n < 0 {
		c.Store(0)
		n = 0
	}
	s.metrics.SetInFlight(ruleID, targetKey, n)
}

// InFlight returns the current in-flight count for a target.
func (s *Selector) InFlight(ruleID, targetKey string) int64 {
	return s.counter(ruleID, targetKey).Load()
}

// Forget drops all selector state for a removed rule.
func (s *Selector) Forget(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, ruleID)
	for k := range s.inflight {
		if k.rule == ruleID {
			delete(s.inflight, k)
		}
	}
	s.metrics.ForgetRule(ruleID)
}

// eligible returns the targets selection may consider: HEALTHY and
// UNKNOWN first, STARTING only when nothing else qualifies.
func (s *Selector) eligible(rule *rules.Rule) []rules.Target {
	targets := rule.Targets()

	healthy := make([]rules.Target, 0, len(targets))
	var starting []rules.Target
	for _, t := range targets {
		switch s.health.Status(rule.ID, t.Key()) {
		case probe.StatusHealthy, probe.StatusUnknown:
			healthy = append(healthy, t)
		case probe.StatusStarting:
			starting = append(starting, t)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return starting
}

// selection wraps the picked target, attaching sticky-cookie issuance
// when the rule uses sticky sessions.
func (s *Selector) selection(rule *rules.Rule, t rules.Target) Selection {
	sel := Selection{Target: t}
	if lb := rule.LoadBalancing; lb.Sticky() {
		sel.SetSticky = true
		sel.StickyValue = t.Key()
		sel.StickyTTL = lb.CookieTTL.Duration()
	}
	return sel
}

// pickRoundRobin walks weighted virtual slots with the rule's cursor:
// a target with weight N occupies N consecutive slots in the rotation.
func (s *Selector) pickRoundRobin(ruleID string, targets []rules.Target) rules.Target {
	idx := s.cursor(ruleID).Add(1) - 1
	n := int(idx % uint64(totalWeight(targets))) //nolint:gosec // modulo bounds the value
	for _, t := range targets {
		n -= t.EffectiveWeight()
		if n < 0 {
			return t
		}
	}
	return targets[len(targets)-1]
}

// pickLeastConn returns the target with the fewest in-flight requests.
// Ties keep the first target in rule order.
func (s *Selector) pickLeastConn(ruleID string, targets []rules.Target) rules.Target {
	selected := targets[0]
	minConns := int64(-1)
	for _, t := range targets {
		conns := s.counter(ruleID, t.Key()).Load()
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = t
		}
	}
	return selected
}

// pickIPHash hashes the client IP over the eligible set, so a client
// keeps its target while the set is stable.
func pickIPHash(clientIP string, targets []rules.Target) rules.Target {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return targets[int(h.Sum32())%len(targets)]
}

// pickRandom picks uniformly over weighted slots.
func pickRandom(targets []rules.Target) rules.Target {
	r := secureRandomInt(totalWeight(targets))
	for _, t := range targets {
		r -= t.EffectiveWeight()
		if r < 0 {
			return t
		}
	}
	return targets[len(targets)-1]
}

func totalWeight(targets []rules.Target) int {
	total := 0
	for _, t := range targets {
		total += t.EffectiveWeight()
	}
	return total
}

// cursor returns the rule's round-robin cursor, creating it on first use.
func (s *Selector) cursor(ruleID string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[ruleID]
	if !ok {
		c = &atomic.Uint64{}
		s.cursors[ruleID] = c
	}
	return c
}

// counter returns the in-flight counter for a target, creating it on
// first use.
func (s *Selector) counter(ruleID, targetKey string) *atomic.Int64 {
	k := counterKey{rule: ruleID, target: targetKey}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.inflight[k]
	if !ok {
		c = &atomic.Int64{}
		s.inflight[k] = c
	}
	return c
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
