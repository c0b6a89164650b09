// Package engine drives the external proxy engine's control surface:
// verifying a candidate configuration and signalling a reload. The
// engine is treated as fallible and slow; every call carries a
// timeout and the single source of truth for "is this config valid"
// is the engine's own verify step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// Controller is the engine control surface used by the reload
// coordinator.
type Controller interface {
	// Verify checks a staged candidate file without touching the
	// running engine. The candidate path is appended to the
	// configured verify argv.
	Verify(ctx context.Context, candidatePath string) error

	// Reload signals the engine to pick up the active configuration.
	Reload(ctx context.Context) error
}

// CommandController drives the engine through external commands,
// `nginx -t -c <path>` / `nginx -s reload` shaped.
type CommandController struct {
	verifyArgv []string
	reloadArgv []string
	timeout    time.Duration
	logger     observability.Logger
}

var _ Controller = (*CommandController)(nil)

// NewCommandController creates a command-driven controller from the
// engine configuration.
func NewCommandController(cfg config.EngineConfig, logger observability.Logger) *CommandController {
	return &CommandController{
		verifyArgv: append([]string{}, cfg.VerifyCommand...),
		reloadArgv: append([]string{}, cfg.ReloadCommand...),
		timeout:    cfg.CommandTimeout.Duration(),
		logger:     logger.With(observability.String("component", "engine")),
	}
}

// Verify implements Controller.
func (c *CommandController) Verify(ctx context.Context, candidatePath string) error {
	argv := append(append([]string{}, c.verifyArgv...), candidatePath)
	return c.run(ctx, "verify", argv)
}

// Reload implements Controller.
func (c *CommandController) Reload(ctx context.Context) error {
	return c.run(ctx, "reload", append([]string{}, c.reloadArgv...))
}

// run executes one control command, capturing combined output as the
// engine diagnostic on failure.
func (c *CommandController) run(ctx context.Context, step string, argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return util.NewReloadError(step, "no command configured", nil)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...) //nolint:gosec // argv comes from operator config
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", util.ErrTimeout, err)
		}
		diagnostic := strings.TrimSpace(string(output))
		c.logger.Error("engine command failed",
			observability.String("step", step),
			observability.String("command", argv[0]),
			observability.Duration("duration", duration),
			observability.String("diagnostic", diagnostic),
			observability.Error(err),
		)
		return util.NewReloadError(step, diagnostic, err)
	}

	c.logger.Debug("engine command succeeded",
		observability.String("step", step),
		observability.Duration("duration", duration),
	)
	return nil
}
