// Package common provides shared utilities for Nexaas.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Database    DatabaseConfig `toml:"database"`
	Engine      EngineConfig   `toml:"engine"`
	Workers     WorkerConfig   `toml:"workers"`
	Ops         OpsConfig      `toml:"ops"`
	Claude      ClaudeConfig   `toml:"claude"`
	Logging     LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP facade configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DatabaseConfig holds the backing store location.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// EngineConfig holds event engine configuration.
type EngineConfig struct {
	TickSeconds int `toml:"tick_seconds"`
	// LockSeconds is the lease duration for per-event locks.
	LockSeconds int `toml:"lock_seconds"`
}

// TickInterval returns the engine tick period.
func (c *EngineConfig) TickInterval() time.Duration {
	if c.TickSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickSeconds) * time.Second
}

// LockDuration returns the event lock lease duration.
func (c *EngineConfig) LockDuration() time.Duration {
	if c.LockSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.LockSeconds) * time.Second
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	PoolSize int `toml:"pool_size"`
	// IdleSleep is how long a worker sleeps when the queue is empty.
	IdleSleep string `toml:"idle_sleep"`
}

// GetPoolSize returns the worker pool size, minimum 1.
func (c *WorkerConfig) GetPoolSize() int {
	if c.PoolSize <= 0 {
		return 1
	}
	return c.PoolSize
}

// GetIdleSleep parses and returns the idle sleep duration.
func (c *WorkerConfig) GetIdleSleep() time.Duration {
	d, err := time.ParseDuration(c.IdleSleep)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// OpsConfig holds ops monitor configuration.
type OpsConfig struct {
	Enabled            bool   `toml:"enabled"`
	IntervalSeconds    int    `toml:"interval_seconds"`
	StaleJobTimeoutMin int    `toml:"stale_job_timeout_minutes"`
	MaxFailedJobsHour  int    `toml:"max_failed_jobs_hour"`
	WebhookURL         string `toml:"webhook_url"`
}

// Interval returns the monitor tick period.
func (c *OpsConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleJobTimeout returns the cutoff after which a running job is reaped.
func (c *OpsConfig) StaleJobTimeout() time.Duration {
	if c.StaleJobTimeoutMin <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.StaleJobTimeoutMin) * time.Minute
}

// ClaudeConfig holds Claude Code subprocess configuration.
type ClaudeConfig struct {
	BinPath       string `toml:"bin_path"`
	WorkspaceRoot string `toml:"workspace_root"`
}

// GetBinPath returns the claude binary path, defaulting to PATH lookup.
func (c *ClaudeConfig) GetBinPath() string {
	if c.BinPath == "" {
		return "claude"
	}
	return c.BinPath
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8400,
		},
		Database: DatabaseConfig{
			Path: "data/nexaas.db",
		},
		Engine: EngineConfig{
			TickSeconds: 30,
			LockSeconds: 120,
		},
		Workers: WorkerConfig{
			PoolSize:  1,
			IdleSleep: "2s",
		},
		Ops: OpsConfig{
			Enabled:            true,
			IntervalSeconds:    30,
			StaleJobTimeoutMin: 10,
			MaxFailedJobsHour:  10,
		},
		Claude: ClaudeConfig{
			BinPath:       "claude",
			WorkspaceRoot: ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NEXAAS_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("NEXAAS_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("NEXAAS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("NEXAAS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if v := os.Getenv("ENGINE_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Engine.TickSeconds = n
		}
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Workers.PoolSize = n
		}
	}

	if v := os.Getenv("OPS_MONITOR_ENABLED"); v != "" {
		config.Ops.Enabled = parseBool(v)
	}
	if v := os.Getenv("OPS_MONITOR_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Ops.IntervalSeconds = n
		}
	}
	if v := os.Getenv("OPS_STALE_JOB_TIMEOUT_M"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Ops.StaleJobTimeoutMin = n
		}
	}
	if v := os.Getenv("OPS_MAX_FAILED_JOBS_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Ops.MaxFailedJobsHour = n
		}
	}
	if v := os.Getenv("OPS_WEBHOOK_URL"); v != "" {
		config.Ops.WebhookURL = v
	}

	if v := os.Getenv("CLAUDE_CODE_PATH"); v != "" {
		config.Claude.BinPath = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		config.Claude.WorkspaceRoot = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
