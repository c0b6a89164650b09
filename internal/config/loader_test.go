package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
engine:
  configDir: /tmp/proxy
  commandTimeout: 5s
rules:
  file: /tmp/rules.yaml
  watch: true
probes:
  workers: 8
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/proxy", cfg.Engine.ConfigDir)
	assert.Equal(t, 5*time.Second, cfg.Engine.CommandTimeout.Duration())
	assert.Equal(t, "/tmp/rules.yaml", cfg.Rules.File)
	assert.True(t, cfg.Rules.Watch)
	assert.Equal(t, 8, cfg.Probes.Workers)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader("rules:\n  file: r.yaml\n"))

	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfigDir, cfg.Engine.ConfigDir)
	assert.Equal(t, DefaultEngineActiveFile, cfg.Engine.ActiveFile)
	assert.Equal(t, []string{"nginx", "-t", "-c"}, cfg.Engine.VerifyCommand)
	assert.Equal(t, []string{"nginx", "-s", "reload"}, cfg.Engine.ReloadCommand)
	assert.Equal(t, DefaultEngineCommandTimeout, cfg.Engine.CommandTimeout.Duration())
	assert.Equal(t, DefaultReloadHistorySize, cfg.Engine.HistorySize)
	assert.Equal(t, DefaultProbeWorkers, cfg.Probes.Workers)
	assert.Equal(t, DefaultProbeInterval, cfg.Probes.DefaultInterval.Duration())
	assert.Equal(t, DefaultProbeRetries, cfg.Probes.DefaultRetries)
	assert.Equal(t, DefaultProbeAcceptStatus, cfg.Probes.DefaultAcceptStatus)
	assert.Equal(t, DefaultAlertTickInterval, cfg.Alerting.TickInterval.Duration())
	assert.Equal(t, DefaultIngestChannel, cfg.Ingest.Channel)
	assert.Equal(t, "file", cfg.Certificates.Source)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.Equal(t, "json", cfg.Observability.Logging.Format)
	assert.Equal(t, ":9090", cfg.Observability.Metrics.ListenAddress)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("engine: [not a map"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("KONTAINERS_TEST_REDIS", "redis.example.com:6379")

	content := `
ingest:
  enabled: true
  redis:
    address: ${KONTAINERS_TEST_REDIS}
    password: ${KONTAINERS_TEST_MISSING:-fallback}
`
	cfg, err := LoadConfigFromReader(strings.NewReader(content))

	require.NoError(t, err)
	assert.Equal(t, "redis.example.com:6379", cfg.Ingest.Redis.Address)
	assert.Equal(t, "fallback", cfg.Ingest.Redis.Password)
}

func TestSubstituteEnvVars_MissingWithoutDefault(t *testing.T) {
	t.Parallel()

	result := substituteEnvVars("value: ${KONTAINERS_DEFINITELY_NOT_SET}")
	assert.Equal(t, "value: ", result)
}

func TestSubstituteEnvVars_EscapedDollar(t *testing.T) {
	t.Parallel()

	result := substituteEnvVars("value: $${NOT_A_VAR}")
	assert.Equal(t, "value: ${NOT_A_VAR}", result)
}

func TestResolveConfigPath_Absolute(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0644))

	resolved, err := ResolveConfigPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, resolved)
}

func TestResolveConfigPath_NotFound(t *testing.T) {
	t.Parallel()

	_, err := ResolveConfigPath("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}
