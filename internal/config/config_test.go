package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := Load()

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, filepath.Join(home, ".local", "share", "scaffoldd"), cfg.Storage.DataDir)
	assert.Equal(t, 5, cfg.Storage.MaxBackups)
	assert.Equal(t, 3, cfg.Validation.Retries)
	assert.Equal(t, 5*time.Second, cfg.Validation.ServerSettle)
	assert.False(t, cfg.Validation.Staged)
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.MaxExecutionTime)
	assert.Equal(t, 24*time.Hour, cfg.Orchestrator.DownloadTTL)
	assert.True(t, cfg.Secrets.Enabled)
	assert.Equal(t, "scaffoldd", cfg.Observability.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SERVER_HTTP_PORT", "7777")
	t.Setenv("STORAGE_MAX_BACKUPS", "2")
	t.Setenv("VALIDATION_STAGED", "true")
	t.Setenv("VALIDATION_SERVER_SETTLE", "250ms")
	t.Setenv("INTELLIGENCE_API_KEY", "sk-live-123")
	t.Setenv("SECRETS_ENABLED", "false")

	cfg := Load()

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Storage.MaxBackups)
	assert.True(t, cfg.Validation.Staged)
	assert.Equal(t, 250*time.Millisecond, cfg.Validation.ServerSettle)
	assert.Equal(t, "sk-live-123", cfg.Intelligence.APIKey.Value())
	assert.False(t, cfg.Secrets.Enabled)
	// untouched values keep their defaults
	assert.Equal(t, 3, cfg.Validation.Retries)
}

func TestLoad_ExpandsHomeInDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("STORAGE_DATA_DIR", "~/scaffold-data")

	cfg := Load()
	assert.Equal(t, filepath.Join(home, "scaffold-data"), cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join(home, "scaffold-data", "contexts"), cfg.Storage.ContextsDir())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir"},
		{"zero backups", func(c *Config) { c.Storage.MaxBackups = 0 }, "max_backups"},
		{"zero retries", func(c *Config) { c.Validation.Retries = 0 }, "retries"},
		{"negative settle", func(c *Config) { c.Validation.ServerSettle = -time.Second }, "server_settle"},
		{"no execution time", func(c *Config) { c.Orchestrator.MaxExecutionTime = 0 }, "max_execution_time"},
		{"zero rate limit", func(c *Config) { c.Intelligence.RateLimit = 0 }, "rate_limit"},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer_size"},
		{"telemetry without name", func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.ServiceName = ""
		}, "service name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Storage.DataDir = t.TempDir()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("hunter2-token")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
