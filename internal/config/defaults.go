package config

import (
	"strings"
	"time"

	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/prefetch"
	"github.com/agentworkforce/trialsync/internal/retry"
)

// Default returns a complete configuration that syncs against an in-process
// server and keeps the replica in memory.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(cfg)
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "memory://"
	}
	if cfg.Remote.URL == "" {
		cfg.Remote.URL = "memory://"
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 20 * time.Second
	}
	applySyncDefaults(&cfg.Sync)
	applyPrefetchDefaults(&cfg.Prefetch)
	if cfg.Connectivity.ProbeInterval == 0 {
		cfg.Connectivity.ProbeInterval = 15 * time.Second
	}
	if cfg.Connectivity.ProbeTimeout == 0 {
		cfg.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8787"
	}
}

func applyLoggingDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
}

func applySyncDefaults(cfg *SyncConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = coordinator.DefaultInterval
	}
	if cfg.IntervalJitter == 0 {
		cfg.IntervalJitter = 0.2
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = coordinator.DefaultPageSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = retry.DefaultMaxRetries
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = retry.DefaultBaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = retry.DefaultMaxDelay
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = retry.DefaultTimeout
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = retry.DefaultJitter
	}
}

func applyPrefetchDefaults(cfg *PrefetchConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = prefetch.DefaultBatchSize
	}
	if cfg.UndoWindow == 0 {
		cfg.UndoWindow = prefetch.DefaultUndoWindow
	}
	if cfg.RetryPause == 0 {
		cfg.RetryPause = prefetch.DefaultRetryPause
	}
}
