package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/trialsync/internal/syncerr"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.DSN != "memory://" || cfg.Remote.URL != "memory://" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sync.PageSize != 200 || cfg.Sync.Interval != 30*time.Second {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Prefetch.UndoWindow != 30*time.Second || cfg.Prefetch.BatchSize != 8 {
		t.Fatalf("unexpected prefetch defaults: %+v", cfg.Prefetch)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "auto" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
logging:
  level: DEBUG
store:
  dsn: badger:///var/lib/trialsync
remote:
  url: https://sync.example.test
  token: secret-token
sync:
  interval: 45s
  page_size: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level should be normalized, got %q", cfg.Logging.Level)
	}
	if cfg.Store.DSN != "badger:///var/lib/trialsync" || cfg.Remote.Token != "secret-token" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Sync.Interval != 45*time.Second || cfg.Sync.PageSize != 50 {
		t.Fatalf("sync values not applied: %+v", cfg.Sync)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Fatalf("unset fields should keep defaults, got %d", cfg.Sync.MaxRetries)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "sync:\n  page_size: 50\n")
	t.Setenv("TRIALSYNC_SYNC_PAGE_SIZE", "75")
	t.Setenv("TRIALSYNC_REMOTE_TOKEN", "from-env")
	t.Setenv("TRIALSYNC_PREFETCH_UNDO_WINDOW", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.PageSize != 75 {
		t.Fatalf("expected env page size, got %d", cfg.Sync.PageSize)
	}
	if cfg.Remote.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Remote.Token)
	}
	if cfg.Prefetch.UndoWindow != 2*time.Minute {
		t.Fatalf("expected env undo window, got %v", cfg.Prefetch.UndoWindow)
	}
}

func TestLoadMissingFileExplains(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected a hint to run config init, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":   func(c *Config) { c.Logging.Level = "loud" },
		"page size":   func(c *Config) { c.Sync.PageSize = -1 },
		"max delay":   func(c *Config) { c.Sync.MaxDelay = c.Sync.BaseDelay / 2 },
		"jitter":      func(c *Config) { c.Sync.IntervalJitter = 1.5 },
		"probe url":   func(c *Config) { c.Connectivity.ProbeURL = "not a url" },
		"api secret":  func(c *Config) { c.API.Enabled = true },
		"short token": func(c *Config) { c.API.JWTSecret = "short" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		err := Validate(cfg)
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !errors.Is(err, syncerr.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input kind, got %v", name, err)
		}
	}
	if err := Validate(Default()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestSaveRoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Remote.URL = "https://sync.example.test"
	cfg.Sync.Interval = time.Minute
	cfg.API.Enabled = true
	cfg.API.JWTSecret = "0123456789abcdef0123"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected owner-only file, got %v", info.Mode().Perm())
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Remote.URL != cfg.Remote.URL || loaded.Sync.Interval != time.Minute || loaded.API.JWTSecret != cfg.API.JWTSecret {
		t.Fatalf("saved config did not load back: %+v", loaded)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg })
	}()

	// give the watcher time to register before writing
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, "logging:\n  level: loud\n")
	writeConfig(t, path, "logging:\n  level: debug\n")

	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("expected reloaded level debug, got %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
