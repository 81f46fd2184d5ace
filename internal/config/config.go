// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Harvest     HarvestConfig     `mapstructure:"harvest"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Reaper      ReaperConfig      `mapstructure:"reaper"`
	Robots      RobotsConfig      `mapstructure:"robots"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HarvestConfig governs the dispatcher and job defaults.
type HarvestConfig struct {
	Concurrency       int    `mapstructure:"concurrency"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	UserAgent         string `mapstructure:"user_agent"`
	DefaultMode       string `mapstructure:"default_mode"`
	DefaultMaxRetries int    `mapstructure:"default_max_retries"`
	BlobPrefix        string `mapstructure:"blob_prefix"`
}

// RetryConfig controls job-level exponential backoff.
type RetryConfig struct {
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int `mapstructure:"max_delay_seconds"`
}

// ReaperConfig controls recovery of jobs stuck in running.
type ReaperConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	IntervalSeconds   int  `mapstructure:"interval_seconds"`
	StaleAfterSeconds int  `mapstructure:"stale_after_seconds"`
}

// RobotsConfig configures the robots compliance checker.
type RobotsConfig struct {
	Respect         bool `mapstructure:"respect"`
	TimeoutSeconds  int  `mapstructure:"timeout_seconds"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`
	CacheSize       int  `mapstructure:"cache_size"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	MaxParallel   int      `mapstructure:"max_parallel"`
	NavTimeoutSec int      `mapstructure:"nav_timeout_seconds"`
	IdleMillis    int      `mapstructure:"idle_millis"`
	SettleMillis  int      `mapstructure:"settle_millis"`
	UserAgents    []string `mapstructure:"user_agents"`
}

// HTTPConfig configures plain HTTP fetches for pages and assets.
type HTTPConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`
	AssetTimeoutSeconds int `mapstructure:"asset_timeout_seconds"`
	AssetConcurrency    int `mapstructure:"asset_concurrency"`
	MaxBodyBytes        int `mapstructure:"max_body_bytes"`
}

// RateLimitConfig sets per-domain request pacing.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// FingerprintConfig configures the optional external technology lookup.
type FingerprintConfig struct {
	LookupURL      string `mapstructure:"lookup_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database. Empty DSN keeps jobs in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig configures the change-detection baseline store. Empty Addr keeps baselines in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	ChangeTopic string `mapstructure:"change_topic"`
	JobTopic    string `mapstructure:"job_topic"`
}

// QueueConfig selects where queued job ids live. The pubsub backend shares
// work between processes and reuses pubsub.project_id.
type QueueConfig struct {
	Backend        string `mapstructure:"backend"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.queue_depth", 256)
	v.SetDefault("harvest.user_agent", "GOharvest/1.0")
	v.SetDefault("harvest.default_mode", string(harvest.ModeFull))
	v.SetDefault("harvest.default_max_retries", 3)
	v.SetDefault("harvest.blob_prefix", "harvests")
	v.SetDefault("retry.base_delay_seconds", 60)
	v.SetDefault("retry.max_delay_seconds", 3600)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval_seconds", 60)
	v.SetDefault("reaper.stale_after_seconds", 900)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.timeout_seconds", 10)
	v.SetDefault("robots.cache_ttl_seconds", 86400)
	v.SetDefault("robots.cache_size", 1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.idle_millis", 500)
	v.SetDefault("headless.settle_millis", 2000)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.asset_timeout_seconds", 30)
	v.SetDefault("http.asset_concurrency", 8)
	v.SetDefault("http.max_body_bytes", 25<<20)
	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("fingerprint.timeout_seconds", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "goharvest-data")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("pubsub.change_topic", "harvest-changes")
	v.SetDefault("pubsub.job_topic", "harvest-jobs")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.topic", "harvest-queue")
	v.SetDefault("queue.subscription", "harvest-workers")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "goharvest")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if c.Harvest.DefaultMaxRetries < 0 {
		return fmt.Errorf("harvest.default_max_retries must be >= 0")
	}
	if _, ok := harvest.ParseMode(c.Harvest.DefaultMode); !ok {
		return fmt.Errorf("harvest.default_mode %q is not a known mode", c.Harvest.DefaultMode)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.AssetConcurrency <= 0 {
		return fmt.Errorf("http.asset_concurrency must be > 0")
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		return fmt.Errorf("retry.base_delay_seconds must be > 0")
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry.max_delay_seconds must be >= retry.base_delay_seconds")
	}
	if c.Robots.CacheSize <= 0 {
		return fmt.Errorf("robots.cache_size must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub queue")
		}
		if c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.topic and queue.subscription must be set for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.backend %q must be memory or pubsub", c.Queue.Backend)
	}
	return nil
}

// Backoff converts the retry section into the job backoff policy.
func (c Config) Backoff() harvest.Backoff {
	return harvest.Backoff{
		Base: time.Duration(c.Retry.BaseDelaySeconds) * time.Second,
		Max:  time.Duration(c.Retry.MaxDelaySeconds) * time.Second,
	}
}

// Seconds converts an integer second knob into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
