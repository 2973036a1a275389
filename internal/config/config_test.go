package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: "file::memory:?cache=shared"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	require.Equal(t, 4, cfg.Worker.PoolSize)
	require.Equal(t, 80, cfg.Workflow.KnowledgeMatchThreshold)
	require.Equal(t, 70, cfg.Workflow.SynthesisConfidence)
	require.Equal(t, 5*time.Minute, cfg.Workflow.ConfirmationTimeout)
	require.Equal(t, 60*time.Second, cfg.Executor.StepTimeout)
	require.Equal(t, 3, cfg.Executor.MaxAttempts)
	require.Equal(t, time.Hour, cfg.Session.TTL)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  heartbeat_interval: 10s
database:
  driver: sqlite
  dsn: "file:test.db"
workflow:
  knowledge_match_threshold: 60
  gate_final_decision: true
executor:
  step_timeout: 90s
  max_attempts: 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Server.HeartbeatInterval)
	require.Equal(t, 60, cfg.Workflow.KnowledgeMatchThreshold)
	require.True(t, cfg.Workflow.GateFinalDecision)
	require.Equal(t, 90*time.Second, cfg.Executor.StepTimeout)
	require.Equal(t, 5, cfg.Executor.MaxAttempts)
}

func TestLoadConfigResolvesDSNFromEnv(t *testing.T) {
	t.Setenv("OPSPROBE_TEST_DSN", "postgres://probe:secret@db/opsprobe")

	path := writeConfig(t, `
database:
  driver: postgres
  dsn_env: OPSPROBE_TEST_DSN
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "postgres://probe:secret@db/opsprobe", cfg.Database.DSN)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"missing dsn", func(c *Config) { c.Database.DSN = ""; c.Database.DSNEnv = "" }},
		{"threshold out of range", func(c *Config) { c.Workflow.KnowledgeMatchThreshold = 150 }},
		{"zero pool", func(c *Config) { c.Worker.PoolSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Database.DSN = "file:test.db"
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")

	original := DefaultConfig()
	original.Server.Port = 9191
	original.Database.Driver = "sqlite"
	original.Database.DSN = "file:test.db"
	require.NoError(t, SaveConfig(original, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, original.Server.Port, loaded.Server.Port)
	require.Equal(t, original.Database.DSN, loaded.Database.DSN)
}
