package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Batching  BatchingConfig  `mapstructure:"batching"`
	Workers   WorkerConfig    `mapstructure:"workers"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BatchingConfig struct {
	Strategy                string        `mapstructure:"strategy"`
	MinBatchSize            int           `mapstructure:"min_batch_size"`
	MaxBatchSize            int           `mapstructure:"max_batch_size"`
	MinWait                 time.Duration `mapstructure:"min_wait"`
	MaxWait                 time.Duration `mapstructure:"max_wait"`
	TargetLatency           time.Duration `mapstructure:"target_latency"`
	QueueDepthLowThreshold  int           `mapstructure:"queue_depth_low_threshold"`
	QueueDepthHighThreshold int           `mapstructure:"queue_depth_high_threshold"`
	QueueCapacity           int           `mapstructure:"queue_capacity"`
	WorkersPerType          int           `mapstructure:"workers_per_type"`
	ResultTTL               time.Duration `mapstructure:"result_ttl"`
	AwaitTimeout            time.Duration `mapstructure:"await_timeout"`
	WindowSize              int           `mapstructure:"window_size"`
}

// WorkerConfig drives the simulated backend used by the server binary.
type WorkerConfig struct {
	BaseLatencyMs    float64 `mapstructure:"base_latency_ms"`
	PerItemLatencyMs float64 `mapstructure:"per_item_latency_ms"`
	LatencyVariance  float64 `mapstructure:"latency_variance"`
	FailureRate      float64 `mapstructure:"failure_rate"`
}

type CacheConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	KeyMode        string            `mapstructure:"key_mode"`
	MaxItems       int               `mapstructure:"max_items"`
	MaxMemoryBytes int64             `mapstructure:"max_memory_bytes"`
	MaxItemBytes   int64             `mapstructure:"max_item_bytes"`
	DefaultTTL     time.Duration     `mapstructure:"default_ttl"`
	SweepInterval  time.Duration     `mapstructure:"sweep_interval"`
	DedupeInflight bool              `mapstructure:"dedupe_inflight"`
	Persistence    PersistenceConfig `mapstructure:"persistence"`
}

type PersistenceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
}

type RateLimitRuleConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

type AdmissionConfig struct {
	IdleTTL       time.Duration                  `mapstructure:"idle_ttl"`
	PruneInterval time.Duration                  `mapstructure:"prune_interval"`
	Rules         map[string]RateLimitRuleConfig `mapstructure:"rules"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

const (
	KeyModeFingerprint = "fingerprint"
	KeyModeIdentity    = "identity"
)

func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Batching.MinBatchSize <= 0 {
		return fmt.Errorf("batching.min_batch_size must be > 0")
	}
	if c.Batching.MaxBatchSize < c.Batching.MinBatchSize {
		return fmt.Errorf("batching.max_batch_size must be >= batching.min_batch_size")
	}
	if c.Batching.MaxWait <= 0 {
		return fmt.Errorf("batching.max_wait must be > 0")
	}
	if c.Batching.MaxWait < c.Batching.MinWait {
		return fmt.Errorf("batching.max_wait must be >= batching.min_wait")
	}
	if c.Batching.TargetLatency <= 0 {
		return fmt.Errorf("batching.target_latency must be > 0")
	}
	if c.Batching.QueueCapacity <= 0 {
		return fmt.Errorf("batching.queue_capacity must be > 0")
	}
	if c.Batching.WorkersPerType <= 0 {
		return fmt.Errorf("batching.workers_per_type must be > 0")
	}
	if c.Batching.ResultTTL <= 0 {
		return fmt.Errorf("batching.result_ttl must be > 0")
	}
	if c.Cache.Enabled {
		if c.Cache.MaxMemoryBytes <= 0 {
			return fmt.Errorf("cache.max_memory_bytes must be > 0")
		}
		if c.Cache.MaxItemBytes > c.Cache.MaxMemoryBytes {
			return fmt.Errorf("cache.max_item_bytes must be <= cache.max_memory_bytes")
		}
		if c.Cache.KeyMode != KeyModeFingerprint && c.Cache.KeyMode != KeyModeIdentity {
			return fmt.Errorf("cache.key_mode must be %q or %q", KeyModeFingerprint, KeyModeIdentity)
		}
		if c.Cache.Persistence.Enabled && c.Cache.Persistence.RedisAddr == "" {
			return fmt.Errorf("cache.persistence.redis_addr is required when persistence is enabled")
		}
	}
	for name, rule := range c.Admission.Rules {
		if rule.RequestsPerSecond <= 0 {
			return fmt.Errorf("admission.rules.%s.requests_per_second must be > 0", name)
		}
		if rule.BurstSize < 0 {
			return fmt.Errorf("admission.rules.%s.burst_size must be >= 0", name)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("batching.strategy", "adaptive")
	v.SetDefault("batching.min_batch_size", 1)
	v.SetDefault("batching.max_batch_size", 32)
	v.SetDefault("batching.min_wait", "5ms")
	v.SetDefault("batching.max_wait", "5s")
	v.SetDefault("batching.target_latency", "1s")
	v.SetDefault("batching.queue_depth_low_threshold", 10)
	v.SetDefault("batching.queue_depth_high_threshold", 100)
	v.SetDefault("batching.queue_capacity", 10000)
	v.SetDefault("batching.workers_per_type", 2)
	v.SetDefault("batching.result_ttl", "5m")
	v.SetDefault("batching.await_timeout", "30s")
	v.SetDefault("batching.window_size", 1000)

	v.SetDefault("workers.base_latency_ms", 20)
	v.SetDefault("workers.per_item_latency_ms", 2)
	v.SetDefault("workers.latency_variance", 0.1)
	v.SetDefault("workers.failure_rate", 0)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.key_mode", KeyModeFingerprint)
	v.SetDefault("cache.max_items", 1000)
	v.SetDefault("cache.max_memory_bytes", 512*1024*1024)
	v.SetDefault("cache.max_item_bytes", 16*1024*1024)
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.sweep_interval", "5m")
	v.SetDefault("cache.dedupe_inflight", true)
	v.SetDefault("cache.persistence.enabled", false)
	v.SetDefault("cache.persistence.key", "mts:cache")

	v.SetDefault("admission.idle_ttl", "3m")
	v.SetDefault("admission.prune_interval", "1m")
	v.SetDefault("admission.rules", map[string]any{
		"translate":       map[string]any{"requests_per_second": 10, "burst_size": 20},
		"batch_translate": map[string]any{"requests_per_second": 2, "burst_size": 5},
	})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "mts")
	v.SetDefault("metrics.path", "/metrics")
}

func bindEnvKeys(v *viper.Viper, keys ...string) error {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

// Load reads config.yaml from . or ./config, overlays MTS_* environment
// variables and validates the result. A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("MTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindEnvKeys(v,
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",
		"logging.level",
		"logging.format",
		"batching.strategy",
		"batching.min_batch_size",
		"batching.max_batch_size",
		"batching.min_wait",
		"batching.max_wait",
		"batching.target_latency",
		"batching.queue_depth_low_threshold",
		"batching.queue_depth_high_threshold",
		"batching.queue_capacity",
		"batching.workers_per_type",
		"batching.result_ttl",
		"batching.await_timeout",
		"batching.window_size",
		"workers.base_latency_ms",
		"workers.per_item_latency_ms",
		"workers.latency_variance",
		"workers.failure_rate",
		"cache.enabled",
		"cache.key_mode",
		"cache.max_items",
		"cache.max_memory_bytes",
		"cache.max_item_bytes",
		"cache.default_ttl",
		"cache.sweep_interval",
		"cache.dedupe_inflight",
		"cache.persistence.enabled",
		"cache.persistence.redis_addr",
		"cache.persistence.redis_password",
		"cache.persistence.redis_db",
		"cache.persistence.key",
		"admission.idle_ttl",
		"admission.prune_interval",
		"metrics.enabled",
		"metrics.namespace",
		"metrics.path",
	); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
