// Package config defines the routing daemon's configuration model:
// YAML decoding with environment substitution, defaults, validation
// and hot-reload watching.
package config

import "time"

// Default configuration values.
const (
	// DefaultEngineConfigDir is where configuration generations are
	// staged and activated.
	DefaultEngineConfigDir = "/etc/kontainers/proxy"

	// DefaultEngineActiveFile is the file name of the active engine
	// configuration inside the config dir.
	DefaultEngineActiveFile = "routes.conf"

	// DefaultEngineCommandTimeout bounds a single verify or reload
	// invocation of the proxy engine.
	DefaultEngineCommandTimeout = 10 * time.Second

	// DefaultReloadHistorySize is how many generation results the
	// reload coordinator retains for inspection.
	DefaultReloadHistorySize = 16

	// DefaultProbeWorkers bounds concurrently executing health probes.
	DefaultProbeWorkers = 16

	// DefaultProbeInterval is used when a rule's health check omits
	// the interval.
	DefaultProbeInterval = 10 * time.Second

	// DefaultProbeTimeout is used when a rule's health check omits
	// the timeout.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultProbeRetries is the consecutive result count required to
	// flip a target's health status.
	DefaultProbeRetries = 3

	// DefaultProbeAcceptStatus accepts any non-5xx response.
	DefaultProbeAcceptStatus = "200-399"

	// DefaultAlertTickInterval drives periodic alert evaluation
	// between error events.
	DefaultAlertTickInterval = 15 * time.Second

	// DefaultChannelRate is the per-channel notification rate
	// (notifications per second).
	DefaultChannelRate = 0.2

	// DefaultChannelBurst is the per-channel notification burst.
	DefaultChannelBurst = 3

	// DefaultIngestChannel is the Redis pub/sub channel the data
	// plane publishes traffic and error events on.
	DefaultIngestChannel = "kontainers:events"

	// DefaultCertCacheTTL bounds how long materialized Vault
	// certificates are reused before re-reading.
	DefaultCertCacheTTL = 5 * time.Minute
)

// Config is the root daemon configuration.
type Config struct {
	Engine        EngineConfig        `yaml:"engine"`
	Rules         RulesConfig         `yaml:"rules"`
	Certificates  CertsConfig         `yaml:"certificates"`
	Probes        ProbesConfig        `yaml:"probes"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Vault         *VaultConfig        `yaml:"vault,omitempty"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// EngineConfig describes the external proxy engine's control surface:
// where generations live on disk and how to verify and reload them.
// The staged candidate path is appended to VerifyCommand's argv.
type EngineConfig struct {
	ConfigDir      string        `yaml:"configDir"`
	ActiveFile     string        `yaml:"activeFile"`
	VerifyCommand  []string      `yaml:"verifyCommand"`
	ReloadCommand  []string      `yaml:"reloadCommand"`
	CommandTimeout Duration      `yaml:"commandTimeout"`
	HistorySize    int           `yaml:"historySize"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around engine verify
// and reload calls.
type BreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// RulesConfig locates the declarative rules file.
type RulesConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// CertsConfig configures certificate material resolution for rules
// that reference certificates by name.
type CertsConfig struct {
	// Source selects the store implementation: "file" or "vault".
	Source string `yaml:"source"`

	// Dir is the PEM directory for the file source, and the
	// materialization directory for the vault source.
	Dir string `yaml:"dir"`

	// VaultMount and VaultPrefix locate certificate secrets in the
	// KV-v2 engine when Source is "vault".
	VaultMount  string `yaml:"vaultMount,omitempty"`
	VaultPrefix string `yaml:"vaultPrefix,omitempty"`

	// CacheTTL bounds reuse of materialized vault certificates.
	CacheTTL Duration `yaml:"cacheTTL,omitempty"`
}

// ProbesConfig carries health-probe defaults and the shared worker
// pool size.
type ProbesConfig struct {
	Workers             int      `yaml:"workers"`
	DefaultInterval     Duration `yaml:"defaultInterval"`
	DefaultTimeout      Duration `yaml:"defaultTimeout"`
	DefaultRetries      int      `yaml:"defaultRetries"`
	DefaultAcceptStatus string   `yaml:"defaultAcceptStatus"`
}

// AlertingConfig configures alert evaluation and notification
// throttling, and seeds the alert-config store.
type AlertingConfig struct {
	TickInterval Duration    `yaml:"tickInterval"`
	ChannelRate  float64     `yaml:"channelRate"`
	ChannelBurst int         `yaml:"channelBurst"`
	Configs      []AlertRule `yaml:"configs,omitempty"`
}

// AlertRule is the declarative form of an alert configuration.
// Scope fields narrow which error events count toward the threshold;
// empty scope fields match everything.
type AlertRule struct {
	ID          string   `yaml:"id,omitempty"`
	Name        string   `yaml:"name"`
	RuleID      string   `yaml:"ruleId,omitempty"`
	Kinds       []string `yaml:"kinds,omitempty"`
	StatusCodes []int    `yaml:"statusCodes,omitempty"`
	Threshold   float64  `yaml:"threshold"`
	Window      Duration `yaml:"window"`
	MinRequests int      `yaml:"minRequests"`
	Channels    []string `yaml:"channels,omitempty"`
	Expression  string   `yaml:"expression,omitempty"`
	Enabled     bool     `yaml:"enabled"`
}

// IngestConfig configures the Redis event intake.
type IngestConfig struct {
	Enabled bool        `yaml:"enabled"`
	Channel string      `yaml:"channel"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for event ingestion.
type RedisConfig struct {
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password,omitempty"`
	DB           int      `yaml:"db,omitempty"`
	PoolSize     int      `yaml:"poolSize,omitempty"`
	MinIdleConns int      `yaml:"minIdleConns,omitempty"`
	MaxRetries   int      `yaml:"maxRetries,omitempty"`
	DialTimeout  Duration `yaml:"dialTimeout,omitempty"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty"`

	// Connection retry backoff.
	ConnectRetries int      `yaml:"connectRetries,omitempty"`
	InitialBackoff Duration `yaml:"initialBackoff,omitempty"`
	MaxBackoff     Duration `yaml:"maxBackoff,omitempty"`
}

// VaultConfig configures the Vault client used by the certificate
// store.
type VaultConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Address       string   `yaml:"address"`
	Token         string   `yaml:"token,omitempty"`
	Namespace     string   `yaml:"namespace,omitempty"`
	TLSSkipVerify bool     `yaml:"tlsSkipVerify,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
}

// ObservabilityConfig groups logging, tracing and metrics settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty"`
}

// MetricsConfig configures the ops HTTP server that exposes
// Prometheus metrics and health endpoints.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress,omitempty"`
	Path          string `yaml:"path,omitempty"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults. Called after
// decoding so partial configuration files stay short.
func (c *Config) ApplyDefaults() {
	if c.Engine.ConfigDir == "" {
		c.Engine.ConfigDir = DefaultEngineConfigDir
	}
	if c.Engine.ActiveFile == "" {
		c.Engine.ActiveFile = DefaultEngineActiveFile
	}
	if len(c.Engine.VerifyCommand) == 0 {
		c.Engine.VerifyCommand = []string{"nginx", "-t", "-c"}
	}
	if len(c.Engine.ReloadCommand) == 0 {
		c.Engine.ReloadCommand = []string{"nginx", "-s", "reload"}
	}
	if c.Engine.CommandTimeout == 0 {
		c.Engine.CommandTimeout = Duration(DefaultEngineCommandTimeout)
	}
	if c.Engine.HistorySize == 0 {
		c.Engine.HistorySize = DefaultReloadHistorySize
	}
	if c.Engine.Breaker.Enabled {
		if c.Engine.Breaker.Threshold == 0 {
			c.Engine.Breaker.Threshold = 5
		}
		if c.Engine.Breaker.Timeout == 0 {
			c.Engine.Breaker.Timeout = Duration(30 * time.Second)
		}
	}

	if c.Rules.File == "" {
		c.Rules.File = "configs/rules.yaml"
	}

	if c.Certificates.Source == "" {
		c.Certificates.Source = "file"
	}
	if c.Certificates.Dir == "" {
		c.Certificates.Dir = "/etc/kontainers/certs"
	}
	if c.Certificates.CacheTTL == 0 {
		c.Certificates.CacheTTL = Duration(DefaultCertCacheTTL)
	}

	if c.Probes.Workers == 0 {
		c.Probes.Workers = DefaultProbeWorkers
	}
	if c.Probes.DefaultInterval == 0 {
		c.Probes.DefaultInterval = Duration(DefaultProbeInterval)
	}
	if c.Probes.DefaultTimeout == 0 {
		c.Probes.DefaultTimeout = Duration(DefaultProbeTimeout)
	}
	if c.Probes.DefaultRetries == 0 {
		c.Probes.DefaultRetries = DefaultProbeRetries
	}
	if c.Probes.DefaultAcceptStatus == "" {
		c.Probes.DefaultAcceptStatus = DefaultProbeAcceptStatus
	}

	if c.Alerting.TickInterval == 0 {
		c.Alerting.TickInterval = Duration(DefaultAlertTickInterval)
	}
	if c.Alerting.ChannelRate == 0 {
		c.Alerting.ChannelRate = DefaultChannelRate
	}
	if c.Alerting.ChannelBurst == 0 {
		c.Alerting.ChannelBurst = DefaultChannelBurst
	}

	if c.Ingest.Channel == "" {
		c.Ingest.Channel = DefaultIngestChannel
	}
	if c.Ingest.Redis.Address == "" {
		c.Ingest.Redis.Address = "localhost:6379"
	}

	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "json"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "routingd"
	}
	if c.Observability.Tracing.SamplingRate == 0 {
		c.Observability.Tracing.SamplingRate = 1.0
	}
	if c.Observability.Metrics.ListenAddress == "" {
		c.Observability.Metrics.ListenAddress = ":9090"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}
