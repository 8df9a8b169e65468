// Package config loads trialsync settings.
//
// Sources in order of precedence:
//  1. CLI flags (applied by the caller after Load)
//  2. Environment variables (TRIALSYNC_*, dots replaced by underscores)
//  3. The YAML config file
//  4. Defaults
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/trialsync/internal/logging"
	"github.com/agentworkforce/trialsync/internal/retry"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

const EnvPrefix = "TRIALSYNC"

type Config struct {
	Logging      logging.Config     `mapstructure:"logging" yaml:"logging"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Prefetch     PrefetchConfig     `mapstructure:"prefetch" yaml:"prefetch"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
}

// StoreConfig picks the local key-value backend by DSN, e.g.
// badger:///var/lib/trialsync, sqlite:///tmp/trial.db, memory://.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type RemoteConfig struct {
	// URL is the sync server base URL, or memory:// for an in-process server.
	URL     string        `mapstructure:"url" yaml:"url" validate:"required"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	// Notify subscribes to the server's websocket change feed.
	Notify bool `mapstructure:"notify" yaml:"notify"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	IntervalJitter float64       `mapstructure:"interval_jitter" yaml:"interval_jitter" validate:"gte=0,lte=1"`
	PageSize       int           `mapstructure:"page_size" yaml:"page_size" validate:"gt=0,lte=10000"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=-1"`
	BaseDelay      time.Duration `mapstructure:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout" validate:"gt=0"`
	Jitter         float64       `mapstructure:"jitter" yaml:"jitter" validate:"gte=0,lt=1"`
}

// RetryOptions maps the retry settings onto an executor configuration.
func (s SyncConfig) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries: s.MaxRetries,
		BaseDelay:  s.BaseDelay,
		MaxDelay:   s.MaxDelay,
		Timeout:    s.AttemptTimeout,
		Jitter:     s.Jitter,
	}
}

type PrefetchConfig struct {
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0,lte=256"`
	UndoWindow time.Duration `mapstructure:"undo_window" yaml:"undo_window" validate:"gt=0"`
	RetryPause time.Duration `mapstructure:"retry_pause" yaml:"retry_pause" validate:"gt=0"`
}

// ConnectivityConfig drives the health prober. An empty ProbeURL means the
// remote URL's /health endpoint.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url,omitempty" validate:"omitempty,url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen" validate:"required"`
	// JWTSecret signs the bearer tokens the control API accepts.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty" validate:"omitempty,min=16"`
}

// Load reads path (skipped when empty) over the defaults and applies
// TRIALSYNC_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// seeding viper with the defaults registers every key for env lookup
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	// keys left out of the defaults document
	for _, key := range []string{"remote.token", "api.jwt_secret", "connectivity.probe_url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s\n\nCreate one with:\n  trialsync config init --config %s", path, path)
		}
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := v.MergeConfig(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return syncerr.New(syncerr.KindInvalidInput, "validate config", errors.New("config is nil"))
	}
	if err := validate.Struct(cfg); err != nil {
		return syncerr.New(syncerr.KindInvalidInput, "validate config", err)
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return syncerr.New(syncerr.KindInvalidInput, "validate config", err)
	}
	if cfg.API.Enabled && cfg.API.JWTSecret == "" {
		return syncerr.New(syncerr.KindInvalidInput, "validate config", errors.New("api.jwt_secret is required when the api is enabled"))
	}
	return nil
}

// Save writes cfg as YAML, creating the parent directory. The file may hold
// tokens and is written owner-only.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultPath is $XDG_CONFIG_HOME/trialsync/config.yaml, falling back to
// ~/.config and then the working directory.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "trialsync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "trialsync", "config.yaml")
}
