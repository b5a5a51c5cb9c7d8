package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "real", cfg.Streaming.Mode)
	assert.Equal(t, DefaultGraceWindow, cfg.Bridge.GraceWindow)
	assert.Equal(t, DefaultFailureThreshold, cfg.Failover.FailureThreshold)
	assert.Equal(t, []int{401, 403, 429}, cfg.Failover.ImmediateSwitchStatus)
	assert.True(t, cfg.Identity.Watch)
	assert.NotEmpty(t, cfg.Models)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9100
streaming:
  mode: fake
  fake_max_attempts: 5
  keep_alive_interval: 2s
failover:
  failure_threshold: 1
  immediate_switch_status: [429]
models:
  - gemini-2.5-flash
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "fake", cfg.Streaming.Mode)
	assert.Equal(t, 5, cfg.Streaming.FakeMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Streaming.KeepAliveInterval)
	assert.Equal(t, 1, cfg.Failover.FailureThreshold)
	assert.Equal(t, []int{429}, cfg.Failover.ImmediateSwitchStatus)
	assert.Equal(t, []string{"gemini-2.5-flash"}, cfg.Models)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultChunkTimeout, cfg.Streaming.ChunkTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBRELAY_PORT", "9200")
	t.Setenv("WEBRELAY_LOG_LEVEL", "debug")
	t.Setenv("WEBRELAY_STREAMING_MODE", "fake")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "fake", cfg.Streaming.Mode)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Streaming.Mode = "chunky" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero attempts", func(c *Config) { c.Streaming.FakeMaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
