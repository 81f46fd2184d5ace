package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
harvest:
  concurrency: 6
  user_agent: real-agent
  default_mode: tech-detect
  default_max_retries: 5
retry:
  base_delay_seconds: 30
  max_delay_seconds: 600
robots:
  cache_ttl_seconds: 60
  cache_size: 16
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
storage:
  backend: gcs
  gcs_bucket: bucket
redis:
  addr: localhost:6379
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Harvest.Concurrency != 6 || cfg.Harvest.UserAgent != "real-agent" {
		t.Fatalf("expected harvest overrides to apply: %+v", cfg.Harvest)
	}
	if cfg.Harvest.DefaultMaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", cfg.Harvest.DefaultMaxRetries)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected gcs storage, got %+v", cfg.Storage)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Development {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	b := cfg.Backoff()
	if b.Base != 30*time.Second || b.Max != 10*time.Minute {
		t.Fatalf("unexpected backoff %+v", b)
	}
	if cfg.HTTP.AssetConcurrency != 8 {
		t.Fatalf("expected default asset concurrency 8, got %d", cfg.HTTP.AssetConcurrency)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Harvest.UserAgent != "GOharvest/1.0" {
		t.Fatalf("unexpected user agent %q", cfg.Harvest.UserAgent)
	}
	if mode, _ := harvest.ParseMode(cfg.Harvest.DefaultMode); mode != harvest.ModeFull {
		t.Fatalf("expected full default mode, got %q", cfg.Harvest.DefaultMode)
	}
	if Seconds(cfg.Robots.CacheTTLSeconds) != 24*time.Hour {
		t.Fatalf("expected 24h robots ttl, got %d", cfg.Robots.CacheTTLSeconds)
	}
	if cfg.Headless.IdleMillis != 500 || cfg.Headless.SettleMillis != 2000 {
		t.Fatalf("unexpected headless waits %+v", cfg.Headless)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Storage.Backend)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("GOHARVEST_SERVER_PORT", "7070")
	t.Setenv("GOHARVEST_HARVEST_CONCURRENCY", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Harvest.Concurrency != 9 {
		t.Fatalf("expected env overrides, got port=%d concurrency=%d", cfg.Server.Port, cfg.Harvest.Concurrency)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Harvest: HarvestConfig{Concurrency: 1, DefaultMode: "full"},
		HTTP:    HTTPConfig{TimeoutSeconds: 10, AssetConcurrency: 4},
		Retry:   RetryConfig{BaseDelaySeconds: 60, MaxDelaySeconds: 3600},
		Robots:  RobotsConfig{CacheSize: 10},
		Storage: StorageConfig{Backend: "memory"},
		Queue:   QueueConfig{Backend: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid concurrency", func(c *Config) { c.Harvest.Concurrency = 0 }, "harvest.concurrency"},
		{"unknown mode", func(c *Config) { c.Harvest.DefaultMode = "screenshot" }, "harvest.default_mode"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"invalid asset concurrency", func(c *Config) { c.HTTP.AssetConcurrency = 0 }, "http.asset_concurrency"},
		{"max below base", func(c *Config) { c.Retry.MaxDelaySeconds = 10 }, "retry.max_delay_seconds"},
		{"empty robots cache", func(c *Config) { c.Robots.CacheSize = 0 }, "robots.cache_size"},
		{
			"headless missing max parallel",
			func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 },
			"headless.max_parallel",
		},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"pubsub queue without project", func(c *Config) { c.Queue.Backend = "pubsub" }, "pubsub.project_id"},
		{
			"pubsub queue without subscription",
			func(c *Config) { c.Queue.Backend = "pubsub"; c.PubSub.ProjectID = "p"; c.Queue.Topic = "t" },
			"queue.subscription",
		},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
