package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sony/gobreaker"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// BreakerController wraps a Controller with a circuit breaker so a
// wedged engine rejects submissions immediately instead of queueing
// callers behind command timeouts.
type BreakerController struct {
	inner   Controller
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

var _ Controller = (*BreakerController)(nil)

// NewBreakerController wraps inner with a breaker that trips after
// cfg.Threshold calls once at least half of them failed, and probes
// again after cfg.Timeout.
func NewBreakerController(inner Controller, cfg config.BreakerConfig, logger observability.Logger) *BreakerController {
	log := logger.With(observability.String("component", "engine.breaker"))
	threshold := safeIntToUint32(cfg.Threshold)
	timeout := cfg.Timeout.Duration()

	settings := gobreaker.Settings{
		Name:        "engine",
		MaxRequests: threshold,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	}

	return &BreakerController{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// Verify implements Controller.
func (b *BreakerController) Verify(ctx context.Context, candidatePath string) error {
	return b.execute(func() error { return b.inner.Verify(ctx, candidatePath) })
}

// Reload implements Controller.
func (b *BreakerController) Reload(ctx context.Context) error {
	return b.execute(func() error { return b.inner.Reload(ctx) })
}

// State returns the current breaker state.
func (b *BreakerController) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerController) execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("engine unavailable: %w", util.ErrBreakerOpen)
	}
	return err
}

// NewFromConfig builds the engine controller described by cfg,
// wrapping it in a circuit breaker when one is enabled.
func NewFromConfig(cfg config.EngineConfig, logger observability.Logger) Controller {
	ctrl := NewCommandController(cfg, logger)
	if cfg.Breaker.Enabled {
		return NewBreakerController(ctrl, cfg.Breaker, logger)
	}
	return ctrl
}

// safeIntToUint32 converts int to uint32, clamping out-of-range
// values.
func safeIntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v) //nolint:gosec // bounds checked above
}
