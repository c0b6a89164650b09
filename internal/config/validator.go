package config

import (
	"fmt"
	"strings"

	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates daemon configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a daemon configuration.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateEngine(&cfg.Engine)
	v.validateRules(&cfg.Rules)
	v.validateCerts(&cfg.Certificates, cfg.Vault)
	v.validateProbes(&cfg.Probes)
	v.validateAlerting(&cfg.Alerting)
	v.validateIngest(&cfg.Ingest)
	v.validateObservability(&cfg.Observability)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateEngine validates the proxy engine settings.
func (v *Validator) validateEngine(e *EngineConfig) {
	if e.ConfigDir == "" {
		v.addError("engine.configDir", "configDir is required")
	}

	if e.ActiveFile == "" {
		v.addError("engine.activeFile", "activeFile is required")
	} else if strings.ContainsRune(e.ActiveFile, '/') {
		v.addError("engine.activeFile", "activeFile must be a file name, not a path")
	}

	if len(e.VerifyCommand) == 0 {
		v.addError("engine.verifyCommand", "verifyCommand is required")
	}

	if len(e.ReloadCommand) == 0 {
		v.addError("engine.reloadCommand", "reloadCommand is required")
	}

	if err := util.ValidatePositiveDuration(e.CommandTimeout.Duration()); err != nil {
		v.addError("engine.commandTimeout", err.Error())
	}

	if e.HistorySize < 0 {
		v.addError("engine.historySize", "historySize cannot be negative")
	}

	if e.Breaker.Enabled {
		if e.Breaker.Threshold <= 0 {
			v.addError("engine.breaker.threshold", "threshold must be positive when enabled")
		}
		if e.Breaker.Timeout.Duration() <= 0 {
			v.addError("engine.breaker.timeout", "timeout must be positive when enabled")
		}
	}
}

// validateRules validates the rules source settings.
func (v *Validator) validateRules(r *RulesConfig) {
	if r.File == "" {
		v.addError("rules.file", "rules file is required")
	}
}

// validateCerts validates the certificate store settings.
func (v *Validator) validateCerts(c *CertsConfig, vault *VaultConfig) {
	switch c.Source {
	case "file":
		if c.Dir == "" {
			v.addError("certificates.dir", "dir is required for the file source")
		}
	case "vault":
		if c.VaultMount == "" {
			v.addError("certificates.vaultMount", "vaultMount is required for the vault source")
		}
		if c.Dir == "" {
			v.addError("certificates.dir", "dir is required to materialize vault certificates")
		}
		if vault == nil || !vault.Enabled {
			v.addError("certificates.source", "vault source requires the vault section to be enabled")
		} else if vault.Address == "" {
			v.addError("vault.address", "address is required when vault is enabled")
		}
	default:
		v.addError("certificates.source", fmt.Sprintf("invalid source: %s (must be file or vault)", c.Source))
	}

	if err := util.ValidateDuration(c.CacheTTL.Duration()); err != nil {
		v.addError("certificates.cacheTTL", err.Error())
	}
}

// validateProbes validates health probe defaults.
func (v *Validator) validateProbes(p *ProbesConfig) {
	if p.Workers <= 0 {
		v.addError("probes.workers", "workers must be positive")
	}

	if err := util.ValidatePositiveDuration(p.DefaultInterval.Duration()); err != nil {
		v.addError("probes.defaultInterval", err.Error())
	}

	if err := util.ValidatePositiveDuration(p.DefaultTimeout.Duration()); err != nil {
		v.addError("probes.defaultTimeout", err.Error())
	}

	if p.DefaultRetries <= 0 {
		v.addError("probes.defaultRetries", "defaultRetries must be positive")
	}
}

// validateAlerting validates alert evaluation settings and any seeded
// alert configurations.
func (v *Validator) validateAlerting(a *AlertingConfig) {
	if err := util.ValidatePositiveDuration(a.TickInterval.Duration()); err != nil {
		v.addError("alerting.tickInterval", err.Error())
	}

	if a.ChannelRate < 0 {
		v.addError("alerting.channelRate", "channelRate cannot be negative")
	}

	if a.ChannelBurst < 0 {
		v.addError("alerting.channelBurst", "channelBurst cannot be negative")
	}

	names := make(map[string]bool)
	for i, rule := range a.Configs {
		path := fmt.Sprintf("alerting.configs[%d]", i)
		v.validateAlertRule(&rule, path, names)
	}
}

// validateAlertRule validates a single seeded alert configuration.
func (v *Validator) validateAlertRule(rule *AlertRule, path string, names map[string]bool) {
	switch {
	case rule.Name == "":
		v.addError(path+".name", "alert name is required")
	case names[rule.Name]:
		v.addError(path+".name", fmt.Sprintf("duplicate alert name: %s", rule.Name))
	default:
		names[rule.Name] = true
	}

	if rule.Threshold <= 0 {
		v.addError(path+".threshold", "threshold must be positive")
	}

	if rule.Window.Duration() <= 0 {
		v.addError(path+".window", "window must be positive")
	}

	if rule.MinRequests < 0 {
		v.addError(path+".minRequests", "minRequests cannot be negative")
	}

	for j, code := range rule.StatusCodes {
		if err := util.ValidateHTTPStatusCode(code); err != nil {
			v.addError(fmt.Sprintf("%s.statusCodes[%d]", path, j), err.Error())
		}
	}
}

// validateIngest validates event intake settings.
func (v *Validator) validateIngest(in *IngestConfig) {
	if !in.Enabled {
		return
	}

	if in.Channel == "" {
		v.addError("ingest.channel", "channel is required when ingest is enabled")
	}

	if in.Redis.Address == "" {
		v.addError("ingest.redis.address", "redis address is required when ingest is enabled")
	}

	if in.Redis.DB < 0 {
		v.addError("ingest.redis.db", "db cannot be negative")
	}
}

// validateObservability validates logging, tracing and metrics settings.
func (v *Validator) validateObservability(obs *ObservabilityConfig) {
	validLevels := map[string]bool{
		"":      true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[strings.ToLower(obs.Logging.Level)] {
		v.addError("observability.logging.level", fmt.Sprintf("invalid log level: %s", obs.Logging.Level))
	}

	validFormats := map[string]bool{
		"":        true,
		"json":    true,
		"console": true,
	}

	if !validFormats[strings.ToLower(obs.Logging.Format)] {
		v.addError("observability.logging.format", fmt.Sprintf("invalid log format: %s", obs.Logging.Format))
	}

	if obs.Tracing.SamplingRate < 0 || obs.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "samplingRate must be between 0 and 1")
	}

	if obs.Metrics.Path != "" && !strings.HasPrefix(obs.Metrics.Path, "/") {
		v.addError("observability.metrics.path", "metrics path must start with /")
	}

	if obs.Tracing.Enabled && obs.Tracing.OTLPEndpoint == "" {
		v.addError("observability.tracing.otlpEndpoint", "otlpEndpoint is required when tracing is enabled")
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
