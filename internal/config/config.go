// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Proxies  ProxiesConfig  `mapstructure:"proxies"`
	Rate     RateConfig     `mapstructure:"rate"`
	Detector DetectorConfig `mapstructure:"detector"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Sites    []SiteConfig   `mapstructure:"sites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and optional file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// WorkersConfig governs the extraction worker pool.
type WorkersConfig struct {
	Count             int           `mapstructure:"count"`
	DequeueTimeout    time.Duration `mapstructure:"dequeue_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	NoProxyBackoff    time.Duration `mapstructure:"no_proxy_backoff"`
	NoProxyBackoffMax time.Duration `mapstructure:"no_proxy_backoff_max"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// QueueConfig selects and tunes the task queue backend.
type QueueConfig struct {
	Backend             string        `mapstructure:"backend"`
	Name                string        `mapstructure:"name"`
	RedisAddr           string        `mapstructure:"redis_addr"`
	RedisPassword       string        `mapstructure:"redis_password"`
	RedisDB             int           `mapstructure:"redis_db"`
	VisibilityTimeout   time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	// Dedupe rejects URLs that were already submitted.
	Dedupe bool `mapstructure:"dedupe"`
}

// ProxiesConfig seeds the proxy pool and its health policy.
type ProxiesConfig struct {
	Endpoints        []string      `mapstructure:"endpoints"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	HealthFloor      int           `mapstructure:"health_floor"`
	InitialHealth    int           `mapstructure:"initial_health"`
	SuccessReward    int           `mapstructure:"success_reward"`
	BlockPenalty     int           `mapstructure:"block_penalty"`
	NetworkPenalty   int           `mapstructure:"network_penalty"`
	BaseCooldown     time.Duration `mapstructure:"base_cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

// RateConfig tunes the adaptive per-domain concurrency controller.
type RateConfig struct {
	InitialLimit      int           `mapstructure:"initial_limit"`
	MaxLimit          int           `mapstructure:"max_limit"`
	WindowSize        int           `mapstructure:"window_size"`
	MinSamples        int           `mapstructure:"min_samples"`
	AdjustEvery       int           `mapstructure:"adjust_every"`
	AdjustInterval    time.Duration `mapstructure:"adjust_interval"`
	HighBlockRate     float64       `mapstructure:"high_block_rate"`
	LowBlockRate      float64       `mapstructure:"low_block_rate"`
	SustainCycles     int           `mapstructure:"sustain_cycles"`
	AdditiveStep      int           `mapstructure:"additive_step"`
	SlotTimeout       time.Duration `mapstructure:"slot_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// DetectorConfig lists the block signatures.
type DetectorConfig struct {
	BlockStatuses []int    `mapstructure:"block_statuses"`
	BodyMarkers   []string `mapstructure:"body_markers"`
	JSONMarkers   []string `mapstructure:"json_markers"`
	HeaderMarkers []string `mapstructure:"header_markers"`
	MinBodyBytes  int      `mapstructure:"min_body_bytes"`
	SampleBytes   int      `mapstructure:"sample_bytes"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	HistoryTable    string        `mapstructure:"history_table"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where diagnostic payloads are archived.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for record-change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig tunes OpenTelemetry span sampling.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SiteConfig is the extraction rule for one domain.
type SiteConfig struct {
	Domain      string            `mapstructure:"domain"`
	Format      string            `mapstructure:"format"`
	IDField     string            `mapstructure:"id_field"`
	RecordsPath string            `mapstructure:"records_path"`
	Fields      map[string]string `mapstructure:"fields"`
	Required    []string          `mapstructure:"required"`
	Constants   map[string]any    `mapstructure:"constants"`
	Headers     map[string]string `mapstructure:"headers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("workers.count", 8)
	v.SetDefault("workers.dequeue_timeout", 2*time.Second)
	v.SetDefault("workers.request_timeout", 15*time.Second)
	v.SetDefault("workers.write_timeout", 5*time.Second)
	v.SetDefault("workers.no_proxy_backoff", 500*time.Millisecond)
	v.SetDefault("workers.no_proxy_backoff_max", 10*time.Second)
	v.SetDefault("workers.retry_base_delay", time.Second)
	v.SetDefault("workers.retry_max_delay", time.Minute)
	v.SetDefault("workers.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("workers.max_body_bytes", int64(5<<20))

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.name", "harvest:tasks")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.visibility_timeout", 60*time.Second)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.maintenance_interval", time.Second)
	v.SetDefault("queue.dedupe", false)

	v.SetDefault("proxies.endpoints", []string{})
	v.SetDefault("proxies.max_concurrent", 4)
	v.SetDefault("proxies.failure_threshold", 3)
	v.SetDefault("proxies.health_floor", 50)
	v.SetDefault("proxies.initial_health", 100)
	v.SetDefault("proxies.success_reward", 2)
	v.SetDefault("proxies.block_penalty", 10)
	v.SetDefault("proxies.network_penalty", 3)
	v.SetDefault("proxies.base_cooldown", 30*time.Second)
	v.SetDefault("proxies.max_cooldown", 10*time.Minute)

	v.SetDefault("rate.initial_limit", 4)
	v.SetDefault("rate.max_limit", 32)
	v.SetDefault("rate.window_size", 50)
	v.SetDefault("rate.min_samples", 10)
	v.SetDefault("rate.adjust_every", 20)
	v.SetDefault("rate.adjust_interval", 10*time.Second)
	v.SetDefault("rate.high_block_rate", 0.10)
	v.SetDefault("rate.low_block_rate", 0.02)
	v.SetDefault("rate.sustain_cycles", 3)
	v.SetDefault("rate.additive_step", 1)
	v.SetDefault("rate.slot_timeout", 30*time.Second)
	v.SetDefault("rate.requests_per_second", 0.0)
	v.SetDefault("rate.burst", 1)

	v.SetDefault("detector.block_statuses", []int{403, 429})
	v.SetDefault("detector.body_markers", []string{
		"captcha",
		"are you a robot",
		"access denied",
		"verify you are human",
		"cf-chl",
		"px-captcha",
		"request unsuccessful. incapsula",
	})
	v.SetDefault("detector.json_markers", []string{"error", "message"})
	// DataDome tags passing responses too; its blocks arrive as 403.
	v.SetDefault("detector.header_markers", []string{"cf-mitigated: challenge", "x-px-block"})
	v.SetDefault("detector.min_body_bytes", 2)
	v.SetDefault("detector.sample_bytes", 4096)

	v.SetDefault("database.table", "records")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "diagnostics")
	v.SetDefault("storage.local.base_dir", "data/diagnostics")

	v.SetDefault("tracing.service_name", "harvester")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.RequestTimeout <= 0 {
		return fmt.Errorf("workers.request_timeout must be > 0")
	}
	if c.Workers.DequeueTimeout <= 0 {
		return fmt.Errorf("workers.dequeue_timeout must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.VisibilityTimeout <= c.Workers.RequestTimeout {
		return fmt.Errorf("queue.visibility_timeout must exceed workers.request_timeout")
	}
	if c.Proxies.FailureThreshold <= 0 {
		return fmt.Errorf("proxies.failure_threshold must be > 0")
	}
	if c.Proxies.MaxConcurrent <= 0 {
		return fmt.Errorf("proxies.max_concurrent must be > 0")
	}
	if c.Proxies.MaxCooldown < c.Proxies.BaseCooldown {
		return fmt.Errorf("proxies.max_cooldown must be >= proxies.base_cooldown")
	}
	if c.Rate.InitialLimit < 1 || c.Rate.MaxLimit < c.Rate.InitialLimit {
		return fmt.Errorf("rate limits must satisfy 1 <= initial_limit <= max_limit")
	}
	if c.Rate.LowBlockRate >= c.Rate.HighBlockRate {
		return fmt.Errorf("rate.low_block_rate must be below rate.high_block_rate")
	}
	if c.Rate.SlotTimeout <= 0 {
		return fmt.Errorf("rate.slot_timeout must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	seen := make(map[string]struct{}, len(c.Sites))
	for i, site := range c.Sites {
		domain := strings.ToLower(strings.TrimSpace(site.Domain))
		if domain == "" {
			return fmt.Errorf("sites[%d].domain is required", i)
		}
		if _, dup := seen[domain]; dup {
			return fmt.Errorf("sites[%d]: duplicate domain %q", i, domain)
		}
		seen[domain] = struct{}{}
		if site.IDField == "" {
			return fmt.Errorf("sites[%d].id_field is required", i)
		}
		if _, ok := site.Fields[site.IDField]; !ok {
			return fmt.Errorf("sites[%d]: id_field %q has no field mapping", i, site.IDField)
		}
	}
	return nil
}
