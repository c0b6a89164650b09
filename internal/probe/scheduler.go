package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/facts"
	probemetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/probe"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// eventBuffer bounds the outbound transition channel. A full channel
// drops transitions rather than stalling probe loops.
const eventBuffer = 128

// key identifies a (rule, target) pair.
type key struct {
	rule   string
	target string
}

// probeSpec is the immutable description of one probe loop.
type probeSpec struct {
	ruleID    string
	ruleName  string
	target    rules.Target
	kind      probeKind
	path      string
	scheme    string
	interval  time.Duration
	timeout   time.Duration
	retries   int
	accept    rules.StatusRanges
	acceptRaw string
}

// fingerprint identifies the spec for restart-on-change comparison.
func (p probeSpec) fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%s",
		p.kind, p.path, p.scheme, p.target.Key(),
		p.interval, p.timeout, p.retries, p.acceptRaw)
}

// loop is one running probe loop.
type loop struct {
	spec   probeSpec
	fp     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns per-(rule, target) health state and the probe loops
// that maintain it.
type Scheduler struct {
	resolver  facts.Resolver
	logger    observability.Logger
	metrics   *probemetrics.ProbeMetrics
	clock     util.Clock
	client    *http.Client
	sem       *semaphore.Weighted
	grpcConns *grpcConnPool

	defaultInterval time.Duration
	defaultTimeout  time.Duration
	defaultRetries  int
	defaultAccept   rules.StatusRanges
	defaultRaw      string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// setMu serializes reconciliation; mu guards the maps.
	setMu sync.Mutex
	mu    sync.Mutex

	loops   map[key]*loop
	health  map[key]*TargetHealth
	events  chan Transition
	stopped bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger observability.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSchedulerClock sets the time source used for health timestamps.
func WithSchedulerClock(clock util.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithProbeHTTPClient replaces the HTTP client used by HTTP probes.
func WithProbeHTTPClient(client *http.Client) SchedulerOption {
	return func(s *Scheduler) { s.client = client }
}

// NewScheduler creates a probe scheduler. Loops start on SetRules; the
// scheduler runs until Stop.
func NewScheduler(resolver facts.Resolver, cfg config.ProbesConfig, opts ...SchedulerOption) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultProbeWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		resolver:   resolver,
		logger:     observability.L(),
		metrics:    probemetrics.GetProbeMetrics(),
		clock:      util.RealClock{},
		client:     newProbeClient(),
		sem:        semaphore.NewWeighted(int64(workers)),
		baseCtx:    ctx,
		baseCancel: cancel,
		loops:      make(map[key]*loop),
		health:     make(map[key]*TargetHealth),
		events:     make(chan Transition, eventBuffer),

		defaultInterval: durationOr(cfg.DefaultInterval.Duration(), config.DefaultProbeInterval),
		defaultTimeout:  durationOr(cfg.DefaultTimeout.Duration(), config.DefaultProbeTimeout),
		defaultRetries:  intOr(cfg.DefaultRetries, config.DefaultProbeRetries),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "probe"))
	s.grpcConns = newGRPCConnPool(s.logger)

	s.defaultRaw = cfg.DefaultAcceptStatus
	if s.defaultRaw == "" {
		s.defaultRaw = config.DefaultProbeAcceptStatus
	}
	accept, err := rules.ParseAcceptStatus(s.defaultRaw)
	if err != nil {
		s.logger.Warn("invalid default accept-status, falling back",
			observability.String("expr", s.defaultRaw),
			observability.Error(err),
		)
		s.defaultRaw = config.DefaultProbeAcceptStatus
		accept, _ = rules.ParseAcceptStatus(s.defaultRaw)
	}
	s.defaultAccept = accept
	return s
}

// Events returns the outbound transition channel. It is closed by
// Stop after all loops have finished.
func (s *Scheduler) Events() <-chan Transition {
	return s.events
}

// SetRules reconciles probe loops against the given rule set. Loops
// for removed or disabled rules are cancelled before SetRules returns;
// loops whose spec changed are restarted. Targets without a health
// check are tracked as UNKNOWN without a loop.
func (s *Scheduler) SetRules(ruleSet []*rules.Rule) {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	desired := make(map[key]probeSpec)
	initial := make(map[key]Status)
	names := make(map[key]string)
	for _, r := range ruleSet {
		if r == nil || !r.Enabled {
			continue
		}
		for _, t := range r.Targets() {
			k := key{rule: r.ID, target: t.Key()}
			names[k] = r.Name
			if r.HealthCheck == nil {
				initial[k] = StatusUnknown
				continue
			}
			initial[k] = StatusStarting
			desired[k] = s.specFor(r, t)
		}
	}

	var stopping []*loop

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	for k, l := range s.loops {
		spec, want := desired[k]
		if want && spec.fingerprint() == l.fp {
			continue
		}
		stopping = append(stopping, l)
		delete(s.loops, k)
		if !want {
			// Target gone, or its health check was removed.
			if _, tracked := initial[k]; !tracked {
				delete(s.health, k)
				s.metrics.ForgetTarget(k.rule, k.target)
			}
		}
	}
	for k := range s.health {
		if _, tracked := initial[k]; !tracked {
			delete(s.health, k)
			s.metrics.ForgetTarget(k.rule, k.target)
		}
	}
	for k, status := range initial {
		th, exists := s.health[k]
		switch {
		case !exists:
			s.health[k] = &TargetHealth{Status: status}
			s.metrics.SetTargetStatus(k.rule, k.target, status.gaugeValue())
		case th.Status != StatusUnknown && status == StatusUnknown:
			// Health check removed: back to eligible-by-default.
			s.health[k] = &TargetHealth{Status: StatusUnknown}
			s.metrics.SetTargetStatus(k.rule, k.target, StatusUnknown.gaugeValue())
		case th.Status == StatusUnknown && status == StatusStarting:
			// Health check added: warm up before trusting the target.
			s.health[k] = &TargetHealth{Status: StatusStarting}
			s.metrics.SetTargetStatus(k.rule, k.target, StatusStarting.gaugeValue())
		}
	}
	s.mu.Unlock()

	// Cancelled loops finish their in-flight probe (the context abort
	// makes that quick) and are fully drained before we return.
	for _, l := range stopping {
		l.cancel()
		<-l.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for k, spec := range desired {
		if _, running := s.loops[k]; running {
			continue
		}
		if th := s.health[k]; th != nil {
			// A restarted loop keeps the target's status but begins
			// new streaks.
			th.ConsecutiveSuccesses = 0
			th.ConsecutiveFailures = 0
		}
		ctx, cancel := context.WithCancel(s.baseCtx)
		l := &loop{
			spec:   spec,
			fp:     spec.fingerprint(),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		s.loops[k] = l
		s.metrics.ActiveLoops.Inc()
		go s.runLoop(ctx, l)

		s.logger.Debug("probe loop started",
			observability.String("rule", names[k]),
			observability.String("target", k.target),
			observability.String("kind", string(spec.kind)),
			observability.Duration("interval", spec.interval),
		)
	}
}

// Stop cancels every loop, waits for them to drain and closes the
// event channel.
func (s *Scheduler) Stop() {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	stopping := make([]*loop, 0, len(s.loops))
	for _, l := range s.loops {
		stopping = append(stopping, l)
	}
	s.loops = make(map[key]*loop)
	s.mu.Unlock()

	s.baseCancel()
	for _, l := range stopping {
		<-l.done
	}
	s.grpcConns.closeAll()
	close(s.events)
}

// Snapshot returns a copy of all tracked health, keyed by rule ID then
// target key.
func (s *Scheduler) Snapshot() map[string]map[string]TargetHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]TargetHealth)
	for k, th := range s.health {
		m, ok := out[k.rule]
		if !ok {
			m = make(map[string]TargetHealth)
			out[k.rule] = m
		}
		m[k.target] = *th
	}
	return out
}

// Status returns the current status of one target. Untracked targets
// report UNKNOWN.
func (s *Scheduler) Status(ruleID, targetKey string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.health[key{rule: ruleID, target: targetKey}]
	if !ok {
		return StatusUnknown
	}
	return th.Status
}

// runLoop probes until cancelled, re-arming the timer only after each
// probe completes.
func (s *Scheduler) runLoop(ctx context.Context, l *loop) {
	defer close(l.done)
	defer s.metrics.ActiveLoops.Dec()

	for {
		if ctx.Err() != nil {
			return
		}
		s.probeOnce(ctx, l.spec)

		timer := time.NewTimer(l.spec.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// probeOnce executes a single probe through the shared worker
// semaphore and folds the outcome into the state machine.
func (s *Scheduler) probeOnce(ctx context.Context, spec probeSpec) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	s.metrics.InFlight.Inc()

	start := time.Now()
	out := s.execute(ctx, spec)
	duration := time.Since(start)

	s.metrics.InFlight.Dec()
	s.sem.Release(1)

	if ctx.Err() != nil {
		// Cancelled mid-probe; the aborted result is meaningless.
		return
	}

	result := probemetrics.ResultSuccess
	switch {
	case out.timeout:
		result = probemetrics.ResultTimeout
	case !out.ok:
		result = probemetrics.ResultFailure
	}
	s.metrics.RecordCheck(spec.ruleID, spec.target.Key(), result, duration)

	s.record(spec, out)
}

// execute resolves the target and dispatches to the configured probe
// kind. Resolution failure counts as a probe failure.
func (s *Scheduler) execute(ctx context.Context, spec probeSpec) outcome {
	ep, err := s.resolver.ResolvePort(spec.target.Container, spec.target.Port)
	if err != nil {
		return outcome{reason: "resolve: " + err.Error()}
	}
	addr := ep.HostPort()

	probeCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	switch spec.kind {
	case kindGRPC:
		return s.probeGRPC(probeCtx, addr, spec.path)
	case kindTCP:
		return probeTCP(probeCtx, addr)
	default:
		return s.probeHTTP(probeCtx, addr, spec)
	}
}

// record folds one probe result into the target's health state and
// emits a transition when the status flips.
func (s *Scheduler) record(spec probeSpec, out outcome) {
	k := key{rule: spec.ruleID, target: spec.target.Key()}

	s.mu.Lock()
	th, ok := s.health[k]
	if !ok {
		// The target was removed while this probe was in flight.
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	th.LastProbeAt = now

	from := th.Status
	if out.ok {
		th.ConsecutiveSuccesses++
		th.ConsecutiveFailures = 0
		th.LastErr = ""
		if th.Status != StatusHealthy && th.ConsecutiveSuccesses >= spec.retries {
			th.Status = StatusHealthy
		}
	} else {
		th.ConsecutiveFailures++
		th.ConsecutiveSuccesses = 0
		th.LastErr = out.reason
		// Warm-up failures keep a STARTING target STARTING.
		if th.Status == StatusHealthy && th.ConsecutiveFailures >= spec.retries {
			th.Status = StatusUnhealthy
		}
	}
	to := th.Status
	failures := th.ConsecutiveFailures
	s.mu.Unlock()

	s.metrics.SetConsecutiveFailures(k.rule, k.target, failures)
	if from == to {
		return
	}

	s.metrics.SetTargetStatus(k.rule, k.target, to.gaugeValue())
	s.metrics.RecordTransition(k.rule, string(from), string(to))

	if to == StatusHealthy {
		s.logger.Info("target became healthy",
			observability.String("rule", spec.ruleName),
			observability.String("target", k.target),
		)
	} else {
		s.logger.Warn("target became unhealthy",
			observability.String("rule", spec.ruleName),
			observability.String("target", k.target),
			observability.String("reason", out.reason),
		)
	}

	tr := Transition{
		RuleID: k.rule,
		Target: k.target,
		From:   from,
		To:     to,
		At:     now,
		Reason: out.reason,
	}
	select {
	case s.events <- tr:
	default:
		s.logger.Warn("transition channel full, dropping event",
			observability.String("rule", spec.ruleName),
			observability.String("target", k.target),
		)
	}
}

// specFor builds the probe spec for one rule target, filling omitted
// health-check fields from the scheduler defaults.
func (s *Scheduler) specFor(r *rules.Rule, t rules.Target) probeSpec {
	hc := r.HealthCheck

	interval := hc.Interval.Duration()
	if interval <= 0 {
		interval = s.defaultInterval
	}
	timeout := hc.Timeout.Duration()
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	retries := hc.Retries
	if retries <= 0 {
		retries = s.defaultRetries
	}

	acceptRaw := hc.AcceptStatus
	accept := s.defaultAccept
	if acceptRaw == "" {
		acceptRaw = s.defaultRaw
	} else {
		parsed, err := rules.ParseAcceptStatus(acceptRaw)
		if err != nil {
			s.logger.Warn("invalid accept-status, using default",
				observability.String("rule", r.Name),
				observability.String("expr", acceptRaw),
				observability.Error(err),
			)
			acceptRaw = s.defaultRaw
		} else {
			accept = parsed
		}
	}

	kind, arg := probeKindFor(r.Protocol, hc.Path)
	if kind == kindHTTP {
		if arg == "" {
			arg = "/"
		} else if !strings.HasPrefix(arg, "/") {
			arg = "/" + arg
		}
	}
	scheme := "http"
	if r.Protocol == rules.ProtocolHTTPS {
		scheme = "https"
	}

	return probeSpec{
		ruleID:    r.ID,
		ruleName:  r.Name,
		target:    t,
		kind:      kind,
		path:      arg,
		scheme:    scheme,
		interval:  interval,
		timeout:   timeout,
		retries:   retries,
		accept:    accept,
		acceptRaw: acceptRaw,
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
