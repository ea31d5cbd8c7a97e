package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/flowline-dev/flowline/internal/engine"
	"github.com/flowline-dev/flowline/internal/identity"
	"github.com/flowline-dev/flowline/internal/scheduler"
)

// Config holds all flowline server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	DispatchMode string `json:"dispatch_mode"` // inline | queued

	Workers      int  `json:"workers"`     // queue workers in queued mode
	Partitioned  bool `json:"partitioned"` // split the job space across workers
	BatchSize    int  `json:"batch_size"`
	LeaseSeconds int  `json:"lease_seconds"`
	PollMS       int  `json:"poll_ms"`
	HeartbeatMS  int  `json:"heartbeat_ms"`

	RetryBackoff    string `json:"retry_backoff"` // none | constant | linear | exponential
	RetryDelayMS    int    `json:"retry_delay_ms"`
	RetryMaxDelayMS int    `json:"retry_max_delay_ms"`

	HTTPTimeoutMS int `json:"http_timeout_ms"`

	SchedulerIntervalSeconds int                  `json:"scheduler_interval_seconds"`
	Schedules                []scheduler.Schedule `json:"schedules"`

	VaultPassphrase string          `json:"vault_passphrase,omitempty"`
	VaultSalt       string          `json:"vault_salt,omitempty"`
	Grants          identity.Grants `json:"grants,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                   filepath.Join(flowlineDir(), "flowline.db"),
		LogLevel:                 "info",
		DispatchMode:             engine.ModeInline,
		Workers:                  2,
		BatchSize:                10,
		LeaseSeconds:             60,
		PollMS:                   2000,
		HeartbeatMS:              10000,
		RetryBackoff:             engine.BackoffNone,
		HTTPTimeoutMS:            30000,
		SchedulerIntervalSeconds: 60,
	}
}

func flowlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowline"
	}
	return filepath.Join(home, ".flowline")
}

func settingsPath() string {
	return filepath.Join(flowlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWLINE_DISPATCH_MODE"); v != "" {
		cfg.DispatchMode = v
	}
	if v := os.Getenv("FLOWLINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("FLOWLINE_PARTITIONED"); v != "" {
		cfg.Partitioned = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWLINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("FLOWLINE_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseSeconds = n
		}
	}
	if v := os.Getenv("FLOWLINE_RETRY_BACKOFF"); v != "" {
		cfg.RetryBackoff = v
	}
	if v := os.Getenv("FLOWLINE_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryDelayMS = n
		}
	}
	if v := os.Getenv("FLOWLINE_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("FLOWLINE_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	if cfg.VaultSalt == "" {
		cfg.VaultSalt = "flowline.v1"
	}

	return cfg
}

func (c Config) retryConfig() engine.RetryConfig {
	return engine.RetryConfig{
		Backoff:  c.RetryBackoff,
		Delay:    time.Duration(c.RetryDelayMS) * time.Millisecond,
		MaxDelay: time.Duration(c.RetryMaxDelayMS) * time.Millisecond,
	}
}
