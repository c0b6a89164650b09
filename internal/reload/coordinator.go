package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ataiva-software/kontainers-sub000/internal/compiler"
	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/engine"
	reloadmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/reload"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// Generation file names inside the engine config dir.
const (
	candidateFile = "candidate.conf"
	previousFile  = "previous.conf"
)

// Coordinator serializes the stage → verify → activate pipeline. At
// most one generation is in flight; a newer submission supersedes an
// in-flight older one, which finishes its current step and is then
// abandoned without activation.
type Coordinator struct {
	engine  engine.Controller
	dir     string
	active  string
	history int

	logger  observability.Logger
	tracer  *observability.Tracer
	metrics *reloadmetrics.ReloadMetrics
	clock   util.Clock

	// versions allocates new generation versions; latest is the
	// highest version claimed by a submission and is what supersede
	// checks compare against.
	versions atomic.Uint64
	latest   atomic.Uint64

	// mu serializes the pipeline; stateMu guards the inspection
	// surface so Active and History never block behind a slow engine
	// command.
	mu      sync.Mutex
	stateMu sync.RWMutex

	activeGen  *Generation
	previous   *Generation
	lastResult *Result
	results    []*Result
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger observability.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithCoordinatorClock sets the time source.
func WithCoordinatorClock(clock util.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithCoordinatorTracer sets the tracer used for submission spans.
func WithCoordinatorTracer(tracer *observability.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

// NewCoordinator creates a coordinator over the engine controller and
// the on-disk generation layout described by cfg.
func NewCoordinator(ctrl engine.Controller, cfg config.EngineConfig, opts ...Option) (*Coordinator, error) {
	dir := cfg.ConfigDir
	if dir == "" {
		dir = config.DefaultEngineConfigDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create engine config dir: %w", err)
	}

	active := cfg.ActiveFile
	if active == "" {
		active = config.DefaultEngineActiveFile
	}
	history := cfg.HistorySize
	if history <= 0 {
		history = config.DefaultReloadHistorySize
	}

	c := &Coordinator{
		engine:  ctrl,
		dir:     dir,
		active:  active,
		history: history,
		logger:  observability.L(),
		metrics: reloadmetrics.GetReloadMetrics(),
		clock:   util.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(observability.String("component", "reload"))
	if c.tracer == nil {
		tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "routingd"})
		if err != nil {
			return nil, err
		}
		c.tracer = tracer
	}
	return c, nil
}

// NextVersion allocates a monotonically increasing generation version
// for the next compile.
func (c *Coordinator) NextVersion() uint64 {
	return c.versions.Add(1)
}

// ActivePath returns the path of the active configuration file.
func (c *Coordinator) ActivePath() string {
	return filepath.Join(c.dir, c.active)
}

// Submit runs artifact through stage, verify and activate. It blocks
// while an older submission holds the pipeline; versions must be
// strictly increasing or the submission is rejected as stale.
func (c *Coordinator) Submit(ctx context.Context, artifact *compiler.Artifact) (*Result, error) {
	if artifact == nil {
		return nil, fmt.Errorf("nil artifact: %w", util.ErrInvalidInput)
	}

	// Claim the version slot before waiting on the pipeline lock so a
	// newer submission supersedes this one while it queues.
	for {
		latest := c.latest.Load()
		if artifact.Version <= latest {
			return nil, fmt.Errorf("version %d not newer than %d: %w",
				artifact.Version, latest, util.ErrStaleGeneration)
		}
		if c.latest.CompareAndSwap(latest, artifact.Version) {
			break
		}
	}
	// Keep the allocator ahead of externally numbered artifacts.
	for {
		v := c.versions.Load()
		if v >= artifact.Version || c.versions.CompareAndSwap(v, artifact.Version) {
			break
		}
	}
	c.metrics.SubmittedTotal.Inc()

	ctx, span := c.tracer.StartSpan(ctx, "reload.submit", trace.WithAttributes(
		attribute.Int64("generation.version", int64(artifact.Version)),
		attribute.String("artifact.checksum", artifact.Checksum),
		attribute.Int("artifact.rules", artifact.RuleCount),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.clock.Now()
	gen := &Generation{
		Version:  artifact.Version,
		State:    StateStaged,
		Artifact: artifact,
	}

	if c.isSuperseded(gen.Version) {
		return c.abandon(gen, start)
	}

	candidate, err := c.stage(ctx, gen)
	if err != nil {
		return c.fail(gen, start, reloadmetrics.StepStage, err)
	}
	if c.isSuperseded(gen.Version) {
		return c.abandon(gen, start)
	}

	if err := c.verify(ctx, gen, candidate); err != nil {
		return c.fail(gen, start, reloadmetrics.StepVerify, err)
	}
	gen.State = StateTested
	if c.isSuperseded(gen.Version) {
		return c.abandon(gen, start)
	}

	if err := c.activate(ctx, gen, candidate); err != nil {
		return c.fail(gen, start, reloadmetrics.StepActivate, err)
	}

	gen.State = StateActive
	gen.ActivatedAt = c.clock.Now()
	res := c.publish(gen, start, nil)
	c.metrics.RecordActivation(gen.Version, artifact.RuleCount)
	c.logger.Info("generation activated",
		observability.Uint64("version", gen.Version),
		observability.Int("rules", artifact.RuleCount),
		observability.String("checksum", shortChecksum(artifact.Checksum)),
		observability.Duration("duration", res.Duration),
	)
	return res, nil
}

// stage writes the candidate file without touching the running engine.
func (c *Coordinator) stage(ctx context.Context, gen *Generation) (string, error) {
	_, span := c.tracer.StartSpan(ctx, "reload.stage")
	defer span.End()

	start := c.clock.Now()
	path := filepath.Join(c.dir, candidateFile)
	if err := os.WriteFile(path, []byte(gen.Artifact.Text), 0o644); err != nil { //nolint:gosec // engine reads this file
		span.RecordError(err)
		return "", util.NewReloadError(reloadmetrics.StepStage, "cannot write candidate file", err)
	}
	gen.StagedAt = c.clock.Now()
	c.metrics.RecordStep(reloadmetrics.StepStage, c.clock.Now().Sub(start))
	c.logger.Debug("generation staged",
		observability.Uint64("version", gen.Version),
		observability.String("path", path),
	)
	return path, nil
}

// verify asks the engine to check the staged candidate.
func (c *Coordinator) verify(ctx context.Context, gen *Generation, candidate string) error {
	ctx, span := c.tracer.StartSpan(ctx, "reload.verify")
	defer span.End()

	start := c.clock.Now()
	if err := c.engine.Verify(ctx, candidate); err != nil {
		span.RecordError(err)
		return err
	}
	c.metrics.RecordStep(reloadmetrics.StepVerify, c.clock.Now().Sub(start))
	c.logger.Debug("generation verified", observability.Uint64("version", gen.Version))
	return nil
}

// activate retains the current active file, swaps the candidate into
// place and signals the engine. A failed reload restores the retained
// file so disk state matches what the engine is still serving.
func (c *Coordinator) activate(ctx context.Context, gen *Generation, candidate string) error {
	ctx, span := c.tracer.StartSpan(ctx, "reload.activate")
	defer span.End()

	start := c.clock.Now()
	activePath := c.ActivePath()
	prevPath := filepath.Join(c.dir, previousFile)

	retained := false
	if _, err := os.Stat(activePath); err == nil {
		if err := copyFileAtomic(activePath, prevPath); err != nil {
			span.RecordError(err)
			return util.NewReloadError(reloadmetrics.StepActivate, "cannot retain previous generation", err)
		}
		retained = true
	}

	if err := os.Rename(candidate, activePath); err != nil {
		span.RecordError(err)
		return util.NewReloadError(reloadmetrics.StepActivate, "cannot swap candidate into place", err)
	}

	if err := c.engine.Reload(ctx); err != nil {
		span.RecordError(err)
		c.restoreAfterFailedReload(ctx, retained, prevPath, activePath)
		return err
	}

	c.metrics.RecordStep(reloadmetrics.StepActivate, c.clock.Now().Sub(start))

	c.stateMu.Lock()
	if retained {
		c.previous = c.activeGen
	}
	c.stateMu.Unlock()
	return nil
}

// restoreAfterFailedReload puts the last known good file back after a
// failed reload signal. The previous slot is consumed: after an
// automatic rollback the active generation is already the last known
// good one, so a manual rollback has nothing older to return to.
func (c *Coordinator) restoreAfterFailedReload(ctx context.Context, retained bool, prevPath, activePath string) {
	start := c.clock.Now()
	if !retained {
		// First activation: nothing was ever live, remove the
		// rejected file.
		if err := os.Remove(activePath); err != nil && !os.IsNotExist(err) {
			c.logger.Error("cannot remove rejected active file", observability.Error(err))
		}
		return
	}

	if err := copyFileAtomic(prevPath, activePath); err != nil {
		c.logger.Error("rollback failed, disk state diverged from engine",
			observability.Error(err),
		)
		c.metrics.RecordFailure(reloadmetrics.StepRollback)
		return
	}
	if err := c.engine.Reload(ctx); err != nil {
		c.logger.Error("reload of restored generation failed", observability.Error(err))
	}
	c.metrics.RollbacksTotal.Inc()
	c.metrics.RecordStep(reloadmetrics.StepRollback, c.clock.Now().Sub(start))

	c.stateMu.Lock()
	c.previous = nil
	c.stateMu.Unlock()

	c.logger.Warn("automatic rollback to previous generation")
}

// Rollback re-activates the retained previous generation. The previous
// slot is retained for one cycle only, so rolling back twice in a row
// is an error.
func (c *Coordinator) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.RLock()
	prev := c.previous
	c.stateMu.RUnlock()
	if prev == nil {
		return util.ErrNoPreviousVersion
	}

	start := c.clock.Now()
	prevPath := filepath.Join(c.dir, previousFile)
	if err := copyFileAtomic(prevPath, c.ActivePath()); err != nil {
		c.metrics.RecordFailure(reloadmetrics.StepRollback)
		return util.NewReloadError(reloadmetrics.StepRollback, "cannot restore previous generation", err)
	}
	if err := c.engine.Reload(ctx); err != nil {
		c.metrics.RecordFailure(reloadmetrics.StepRollback)
		return err
	}

	c.metrics.RollbacksTotal.Inc()
	c.metrics.RecordStep(reloadmetrics.StepRollback, c.clock.Now().Sub(start))
	c.metrics.ActiveGeneration.Set(float64(prev.Version))
	c.metrics.ActiveRuleCount.Set(float64(prev.Artifact.RuleCount))

	c.stateMu.Lock()
	c.activeGen = prev
	c.previous = nil
	c.stateMu.Unlock()

	c.logger.Warn("rolled back to previous generation",
		observability.Uint64("version", prev.Version),
	)
	return nil
}

// LatestSubmitted returns the highest generation version any
// submission has claimed so far.
func (c *Coordinator) LatestSubmitted() uint64 {
	return c.latest.Load()
}

// Active returns a snapshot of the active generation, or nil when
// nothing has been activated yet.
func (c *Coordinator) Active() *Generation {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.activeGen == nil {
		return nil
	}
	g := *c.activeGen
	return &g
}

// LastResult returns the most recent submission outcome.
func (c *Coordinator) LastResult() *Result {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastResult
}

// History returns retained submission results, newest first.
func (c *Coordinator) History() []*Result {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make([]*Result, 0, len(c.results))
	for i := len(c.results) - 1; i >= 0; i-- {
		out = append(out, c.results[i])
	}
	return out
}

// isSuperseded reports whether a newer version claimed the pipeline
// after this generation was submitted.
func (c *Coordinator) isSuperseded(version uint64) bool {
	return c.latest.Load() != version
}

// abandon finishes a superseded generation without activating it.
func (c *Coordinator) abandon(gen *Generation, start time.Time) (*Result, error) {
	err := fmt.Errorf("generation %d: %w", gen.Version, util.ErrSuperseded)
	gen.State = StateFailed
	gen.Err = err
	c.metrics.SupersededTotal.Inc()
	res := c.publish(gen, start, err)
	c.logger.Debug("generation superseded",
		observability.Uint64("version", gen.Version),
		observability.Uint64("by", c.latest.Load()),
	)
	return res, err
}

// fail marks a generation FAILED and records the step that broke.
func (c *Coordinator) fail(gen *Generation, start time.Time, step string, err error) (*Result, error) {
	gen.State = StateFailed
	gen.Err = err
	c.metrics.RecordFailure(step)
	res := c.publish(gen, start, err)
	c.logger.Error("generation failed",
		observability.Uint64("version", gen.Version),
		observability.String("step", step),
		observability.Error(err),
	)
	return res, err
}

// publish records the submission outcome on the inspection surface and
// in the bounded history ring. A successful generation also becomes
// the active one.
func (c *Coordinator) publish(gen *Generation, start time.Time, err error) *Result {
	now := c.clock.Now()
	res := &Result{
		Version:    gen.Version,
		State:      gen.State,
		Checksum:   gen.Artifact.Checksum,
		RuleCount:  gen.Artifact.RuleCount,
		Err:        err,
		Duration:   now.Sub(start),
		FinishedAt: now,
	}

	c.stateMu.Lock()
	if gen.State == StateActive {
		c.activeGen = gen
	}
	c.lastResult = res
	c.results = append(c.results, res)
	if len(c.results) > c.history {
		c.results = c.results[len(c.results)-c.history:]
	}
	c.stateMu.Unlock()
	return res
}

// copyFileAtomic copies src over dst via a temp file and rename so
// readers never observe a partial file.
func copyFileAtomic(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // engine reads this file
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// shortChecksum trims a checksum for log lines.
func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
