// Package config provides configuration loading for scaffoldd.
//
// Configuration is loaded from environment variables with sensible defaults,
// or from a YAML file overridden by the environment (see LoadWithFile).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete scaffoldd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Validation    ValidationConfig    `koanf:"validation"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Intelligence  IntelligenceConfig  `koanf:"intelligence"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig controls where task records, contexts and reports live.
type StorageConfig struct {
	DataDir    string `koanf:"data_dir"`
	MaxBackups int    `koanf:"max_backups"` // context backups retained per task
}

// ValidationConfig holds validation engine defaults.
type ValidationConfig struct {
	StepTimeout  time.Duration `koanf:"step_timeout"`
	Retries      int           `koanf:"retries"`
	ServerSettle time.Duration `koanf:"server_settle"`
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
	LogFile      string        `koanf:"log_file"` // relative to the task working directory
	Staged       bool          `koanf:"staged"`   // run Build before the remaining steps
}

// OrchestratorConfig holds task lifecycle defaults.
type OrchestratorConfig struct {
	MaxExecutionTime time.Duration `koanf:"max_execution_time"`
	DownloadTTL      time.Duration `koanf:"download_ttl"`
	ExpiryInterval   time.Duration `koanf:"expiry_interval"`
}

// IntelligenceConfig points at the external reasoning service.
type IntelligenceConfig struct {
	BaseURL    string        `koanf:"base_url"`
	APIKey     Secret        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	RateLimit  float64       `koanf:"rate_limit"` // requests per second
	MaxRetries int           `koanf:"max_retries"`
}

// EventsConfig controls the event bus and optional NATS forwarding.
type EventsConfig struct {
	BufferSize    int    `koanf:"buffer_size"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// SecretsConfig controls conversation scrubbing before persistence.
type SecretsConfig struct {
	Enabled        bool   `koanf:"enabled"`
	AllowlistPath  string `koanf:"allowlist_path"`
	WatchAllowlist bool   `koanf:"watch_allowlist"`
}

// Defaults returns the built-in configuration before any file or
// environment overrides are applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			MaxBackups: 5,
		},
		Validation: ValidationConfig{
			StepTimeout:  2 * time.Minute,
			Retries:      3,
			ServerSettle: 5 * time.Second,
			ProbeTimeout: 5 * time.Second,
			LogFile:      filepath.Join("logs", "app.log"),
		},
		Orchestrator: OrchestratorConfig{
			MaxExecutionTime: 30 * time.Minute,
			DownloadTTL:      24 * time.Hour,
			ExpiryInterval:   10 * time.Minute,
		},
		Intelligence: IntelligenceConfig{
			BaseURL:    "http://localhost:8700",
			Timeout:    60 * time.Second,
			RateLimit:  2,
			MaxRetries: 3,
		},
		Events: EventsConfig{
			BufferSize:    64,
			SubjectPrefix: "scaffoldd.events",
		},
		Observability: ObservabilityConfig{
			ServiceName: "scaffoldd",
			Endpoint:    "localhost:4317",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from environment variables over Defaults.
//
// Environment variables follow the SECTION_FIELD convention used by
// LoadWithFile, for example:
//   - SERVER_HTTP_PORT: HTTP server port (default: 9191)
//   - STORAGE_DATA_DIR: data root (default: ~/.local/share/scaffoldd)
//   - STORAGE_MAX_BACKUPS: context backups kept per task (default: 5)
//   - VALIDATION_STAGED: run Build before other steps (default: false)
//   - INTELLIGENCE_BASE_URL: reasoning service URL (default: http://localhost:8700)
//   - EVENTS_NATS_URL: forward events to NATS when set
//
// Malformed environment values are ignored and the defaults kept.
//
// Example:
//
//	cfg := config.Load()
//	fmt.Println("Server port:", cfg.Server.Port)
func Load() *Config {
	cfg := Defaults()
	k := koanf.New(".")
	if err := loadEnv(k); err == nil {
		overlay := Defaults()
		if err := k.Unmarshal("", overlay); err == nil {
			cfg = overlay
		}
	}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage data_dir is required")
	}
	if c.Storage.MaxBackups < 1 {
		return fmt.Errorf("storage max_backups must be >= 1, got %d", c.Storage.MaxBackups)
	}
	if c.Validation.StepTimeout <= 0 {
		return errors.New("validation step_timeout must be positive")
	}
	if c.Validation.Retries < 1 {
		return fmt.Errorf("validation retries must be >= 1, got %d", c.Validation.Retries)
	}
	if c.Validation.ServerSettle < 0 {
		return errors.New("validation server_settle cannot be negative")
	}
	if c.Orchestrator.MaxExecutionTime <= 0 {
		return errors.New("orchestrator max_execution_time must be positive")
	}
	if c.Orchestrator.DownloadTTL <= 0 {
		return errors.New("orchestrator download_ttl must be positive")
	}
	if c.Intelligence.RateLimit <= 0 {
		return errors.New("intelligence rate_limit must be positive")
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("events buffer_size must be >= 1, got %d", c.Events.BufferSize)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}

// TasksDir returns the directory holding one record directory per task.
func (s StorageConfig) TasksDir() string { return filepath.Join(s.DataDir, "tasks") }

// ContextsDir returns the directory holding context documents.
func (s StorageConfig) ContextsDir() string { return filepath.Join(s.DataDir, "contexts") }

// ReportsDir returns the directory reports are rendered into.
func (s StorageConfig) ReportsDir() string { return filepath.Join(s.DataDir, "reports") }

// DownloadsDir returns the directory packaged downloads are written to.
func (s StorageConfig) DownloadsDir() string { return filepath.Join(s.DataDir, "downloads") }

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
