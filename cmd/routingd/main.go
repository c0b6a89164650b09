// Package main is the entry point for the routing-core daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/alerting"
	"github.com/ataiva-software/kontainers-sub000/internal/balance"
	"github.com/ataiva-software/kontainers-sub000/internal/certs"
	"github.com/ataiva-software/kontainers-sub000/internal/compiler"
	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/engine"
	"github.com/ataiva-software/kontainers-sub000/internal/facts"
	"github.com/ataiva-software/kontainers-sub000/internal/ingest"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/ops"
	"github.com/ataiva-software/kontainers-sub000/internal/probe"
	"github.com/ataiva-software/kontainers-sub000/internal/reload"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	shutdownTimeout    = 30 * time.Second
	redisPingTimeout   = 2 * time.Second
	notificationBuffer = 256
	outcomeBuffer      = 16
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	cfg, configPath := loadAndValidateConfig(flags.configPath, logger)
	logger = configureLogger(flags, cfg, logger)
	defer func() { _ = logger.Sync() }()

	app := initApplication(cfg, logger)

	runDaemon(app, configPath, logger)
}

// parseFlags parses command line flags. Log flags override the
// configuration file when set.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ROUTINGD_CONFIG_PATH", "configs/routingd.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ROUTINGD_LOG_LEVEL", ""),
		"Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ROUTINGD_LOG_FORMAT", ""),
		"Log format override (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("routingd version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the bootstrap logger used until the
// configuration is loaded.
func initLogger(flags cliFlags) observability.Logger {
	logCfg := observability.DefaultLogConfig()
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// configureLogger rebuilds the logger from the loaded configuration.
func configureLogger(flags cliFlags, cfg *config.Config, logger observability.Logger) observability.Logger {
	logCfg := observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	configured, err := observability.NewLogger(logCfg)
	if err != nil {
		logger.Fatal("invalid logging configuration", observability.Error(err))
	}

	observability.SetGlobalLogger(configured)
	return configured
}

// loadAndValidateConfig loads and validates the configuration, and
// returns it together with the resolved file path the watcher follows.
func loadAndValidateConfig(configPath string, logger observability.Logger) (*config.Config, string) {
	logger.Info("starting routingd",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	path, err := config.ResolveConfigPath(configPath)
	if err != nil {
		logger.Fatal("configuration file not found", observability.Error(err))
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("rules_file", cfg.Rules.File),
		observability.String("engine_dir", cfg.Engine.ConfigDir),
		observability.Int("alert_configs", len(cfg.Alerting.Configs)),
		observability.Bool("ingest", cfg.Ingest.Enabled),
		observability.Bool("metrics", cfg.Observability.Metrics.Enabled),
	)

	return cfg, path
}

// application holds the wired routing-core components.
type application struct {
	config        *config.Config
	tracer        *observability.Tracer
	store         *rules.Store
	source        *rules.FileSource
	resolver      *facts.TableResolver
	scheduler     *probe.Scheduler
	selector      *balance.Selector
	coordinator   *reload.Coordinator
	reloader      *reloader
	aggregator    *traffic.Aggregator
	evaluator     *alerting.Evaluator
	notifications *alerting.ChannelSink
	consumer      *ingest.Consumer
	checker       *ops.Checker
	opsServer     *ops.Server
}

// initApplication initializes all routing-core components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer := initTracer(cfg, logger)

	certStore, err := certs.NewStore(cfg.Certificates, cfg.Vault, logger)
	if err != nil {
		logger.Fatal("failed to initialize certificate store", observability.Error(err))
	}

	resolver := facts.NewTableResolver(facts.WithResolverLogger(logger))
	store := rules.NewStore(rules.WithStoreLogger(logger))
	comp := compiler.New(resolver, certStore, compiler.WithCompilerLogger(logger))

	controller := engine.NewFromConfig(cfg.Engine, logger)
	coordinator, err := reload.NewCoordinator(controller, cfg.Engine,
		reload.WithCoordinatorLogger(logger),
		reload.WithCoordinatorTracer(tracer),
	)
	if err != nil {
		logger.Fatal("failed to initialize reload coordinator", observability.Error(err))
	}

	scheduler := probe.NewScheduler(resolver, cfg.Probes, probe.WithSchedulerLogger(logger))
	selector := balance.NewSelector(scheduler, balance.WithSelectorLogger(logger))

	rel := newReloader(store, comp, coordinator, scheduler, selector, logger)
	store.OnChange(func(revision uint64) {
		rel.kick(fmt.Sprintf("rules revision %d", revision))
	})
	resolver.OnChange(func(container string) {
		rel.kick("endpoint " + container)
	})

	source := rules.NewFileSource(cfg.Rules.File, store, rules.WithSourceLogger(logger))

	aggregator := traffic.NewAggregator(traffic.WithAggregatorLogger(logger))
	notifications := alerting.NewChannelSink(notificationBuffer)
	notifier := alerting.NewNotifier(notifications, cfg.Alerting,
		alerting.WithNotifierLogger(logger))
	evaluator, err := alerting.NewEvaluator(aggregator, notifier, cfg.Alerting,
		alerting.WithEvaluatorLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize alert evaluator", observability.Error(err))
	}

	var consumer *ingest.Consumer
	if cfg.Ingest.Enabled {
		consumer, err = ingest.NewConsumer(cfg.Ingest, aggregator,
			ingest.WithConsumerLogger(logger),
			ingest.WithInFlightTracker(selector))
		if err != nil {
			logger.Fatal("failed to connect event intake", observability.Error(err))
		}
	}

	checker := ops.NewChecker(version)
	registerChecks(checker, cfg, consumer)

	var opsServer *ops.Server
	if cfg.Observability.Metrics.Enabled {
		opsServer = ops.NewServer(cfg.Observability.Metrics, checker, ops.BuildRegistry(),
			ops.WithServerLogger(logger))
	}

	return &application{
		config:        cfg,
		tracer:        tracer,
		store:         store,
		source:        source,
		resolver:      resolver,
		scheduler:     scheduler,
		selector:      selector,
		coordinator:   coordinator,
		reloader:      rel,
		aggregator:    aggregator,
		evaluator:     evaluator,
		notifications: notifications,
		consumer:      consumer,
		checker:       checker,
		opsServer:     opsServer,
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracing := cfg.Observability.Tracing
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  tracing.ServiceName,
		OTLPEndpoint: tracing.OTLPEndpoint,
		SamplingRate: tracing.SamplingRate,
		Enabled:      tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

// registerChecks registers the readiness dependency checks.
func registerChecks(checker *ops.Checker, cfg *config.Config, consumer *ingest.Consumer) {
	checker.RegisterCheck("rules_file", ops.FileCheck(cfg.Rules.File))
	if len(cfg.Engine.VerifyCommand) > 0 {
		checker.RegisterCheck("engine_binary", ops.BinaryCheck(cfg.Engine.VerifyCommand[0]))
	}
	if consumer != nil {
		// Ingest is an optional feed; a dead broker degrades readiness
		// instead of failing it.
		checker.RegisterCheck("redis", ops.PingCheck(consumer.Ping, redisPingTimeout, false))
	}
}

// runDaemon starts every component and blocks until shutdown.
func runDaemon(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	app.reloader.start()
	go logReloadOutcomes(app.reloader.Outcomes(), logger)
	go logTransitions(app.scheduler.Events(), logger)
	go logNotifications(app.notifications.Notifications(), logger)

	count, err := app.source.Load()
	if err != nil {
		logger.Fatal("failed to load rules file",
			observability.String("path", app.config.Rules.File),
			observability.Error(err),
		)
	}
	logger.Info("rules file loaded",
		observability.String("path", app.config.Rules.File),
		observability.Int("rules", count),
	)

	if err := app.source.Start(ctx); err != nil {
		logger.Warn("failed to watch rules file", observability.Error(err))
	}

	app.evaluator.Start()

	if app.consumer != nil {
		if err := app.consumer.Start(); err != nil {
			logger.Fatal("failed to start event intake", observability.Error(err))
		}
	}

	if app.opsServer != nil {
		if err := app.opsServer.Start(); err != nil {
			logger.Fatal("failed to start ops server", observability.Error(err))
		}
	}

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher reloads safe configuration sections on change.
// Engine, probe, certificate and ingest wiring is fixed at startup, so
// only the alert configs are applied.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.FileWatcher {
	watcher, err := config.NewFileWatcher(configPath, func(path string) {
		next, err := config.LoadConfig(path)
		if err != nil {
			logger.Error("config reload failed, keeping previous configuration",
				observability.Error(err))
			return
		}
		if err := config.NewValidator().Validate(next); err != nil {
			logger.Error("config reload rejected", observability.Error(err))
			return
		}

		app.evaluator.SetConfigs(alerting.FromConfig(next.Alerting.Configs))
		logger.Info("alert configs reloaded",
			observability.Int("configs", len(next.Alerting.Configs)))
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// logReloadOutcomes drains the reload outcome feed. The coordinator
// logs each step itself; this loop adds the trigger context.
func logReloadOutcomes(outcomes <-chan reloadOutcome, logger observability.Logger) {
	for out := range outcomes {
		if out.result.Err != nil {
			logger.Warn("reload pass failed",
				observability.Uint64("version", out.result.Version),
				observability.String("state", string(out.result.State)),
				observability.String("trigger", out.trigger),
				observability.Error(out.result.Err),
			)
			continue
		}
		logger.Debug("reload pass complete",
			observability.Uint64("version", out.result.Version),
			observability.Int("rules", out.result.RuleCount),
			observability.String("trigger", out.trigger),
			observability.Duration("duration", out.result.Duration),
		)
	}
}

// logTransitions drains probe health transitions. The scheduler logs
// transitions as they happen; the feed still has to be consumed.
func logTransitions(events <-chan probe.Transition, logger observability.Logger) {
	for tr := range events {
		logger.Debug("target health transition",
			observability.String("rule", tr.RuleID),
			observability.String("target", tr.Target),
			observability.String("from", string(tr.From)),
			observability.String("to", string(tr.To)),
			observability.String("reason", tr.Reason),
		)
	}
}

// logNotifications drains alert notifications.
func logNotifications(notifications <-chan alerting.Notification, logger observability.Logger) {
	for n := range notifications {
		logger.Info("alert notification",
			observability.String("alert", n.AlertID),
			observability.String("config", n.ConfigID),
			observability.String("status", string(n.Status)),
			observability.String("message", n.Message),
			observability.Strings("channels", n.Channels),
		)
	}
}

// waitForShutdown waits for a shutdown signal and stops components in
// reverse start order.
func waitForShutdown(app *application, watcher *config.FileWatcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := app.source.Stop(); err != nil {
		logger.Error("failed to stop rules watcher", observability.Error(err))
	}

	if app.consumer != nil {
		if err := app.consumer.Close(); err != nil {
			logger.Error("failed to stop event intake", observability.Error(err))
		}
	}

	app.evaluator.Stop()
	app.scheduler.Stop()
	app.reloader.stop()

	if app.opsServer != nil {
		if err := app.opsServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop ops server", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("routingd stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
