package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration parameters
type Config struct {
	// Storage
	DBDriver    string `json:"db_driver" yaml:"db_driver"`
	DBPath      string `json:"db_path" yaml:"db_path"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`

	// Task queue
	QueueDriver        string `json:"queue_driver" yaml:"queue_driver"`
	QueuePath          string `json:"queue_path" yaml:"queue_path"`
	QueuePollMs        int    `json:"queue_poll_ms" yaml:"queue_poll_ms"`
	QueueVisibilitySec int    `json:"queue_visibility_sec" yaml:"queue_visibility_sec"`

	// Refresh cycle
	CycleIntervalMinutes int    `json:"cycle_interval_minutes" yaml:"cycle_interval_minutes"`
	CycleLimit           int    `json:"cycle_limit" yaml:"cycle_limit"`
	StaleAttemptMinutes  int    `json:"stale_attempt_minutes" yaml:"stale_attempt_minutes"`
	LockBackend          string `json:"lock_backend" yaml:"lock_backend"`

	// Task execution
	ConcurrentWorkers int `json:"concurrent_workers" yaml:"concurrent_workers"`
	TaskTimeoutSec    int `json:"task_timeout_sec" yaml:"task_timeout_sec"`
	MaxAttempts       int `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoffMs    int `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	MinDelayMinutes   int `json:"min_delay_minutes" yaml:"min_delay_minutes"`
	MaxDelayMinutes   int `json:"max_delay_minutes" yaml:"max_delay_minutes"`

	// Executor
	ExecutorDriver    string  `json:"executor_driver" yaml:"executor_driver"`
	UpstreamBaseURL   string  `json:"upstream_base_url" yaml:"upstream_base_url"`
	UpstreamAPIKey    string  `json:"upstream_api_key" yaml:"upstream_api_key"`
	UpstreamRPS       float64 `json:"upstream_rps" yaml:"upstream_rps"`
	UpstreamTimeoutMs int     `json:"upstream_timeout_ms" yaml:"upstream_timeout_ms"`

	// API and rate limiting
	ListenAddr     string `json:"listen_addr" yaml:"listen_addr"`
	RateLimitStore string `json:"rate_limit_store" yaml:"rate_limit_store"`
	RedisAddr      string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword  string `json:"redis_password" yaml:"redis_password"`
	RedisDB        int    `json:"redis_db" yaml:"redis_db"`

	// Observability
	MetricsPath string `json:"metrics_path" yaml:"metrics_path"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format"`
}

// LoadConfig reads and validates configuration from a JSON or YAML file.
// An empty path yields the defaults. Secrets may come from the environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return nil
}

// applyEnv lets the environment override secrets and endpoints
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"UPSTREAM_API_KEY": &cfg.UpstreamAPIKey,
		"REDIS_PASSWORD":   &cfg.RedisPassword,
		"POSTGRES_DSN":     &cfg.PostgresDSN,
		"REDIS_ADDR":       &cfg.RedisAddr,
	}
	for name, field := range overrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*field = v
		}
	}
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "profiles.db"
	}
	if cfg.QueueDriver == "" {
		cfg.QueueDriver = "sqlite"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "queue.db"
	}
	if cfg.QueuePollMs == 0 {
		cfg.QueuePollMs = 1000
	}
	if cfg.QueueVisibilitySec == 0 {
		cfg.QueueVisibilitySec = 300
	}
	if cfg.CycleIntervalMinutes == 0 {
		cfg.CycleIntervalMinutes = 60
	}
	if cfg.CycleLimit == 0 {
		cfg.CycleLimit = 100
	}
	if cfg.StaleAttemptMinutes == 0 {
		cfg.StaleAttemptMinutes = 120
	}
	if cfg.LockBackend == "" {
		cfg.LockBackend = "local"
	}
	if cfg.ConcurrentWorkers == 0 {
		cfg.ConcurrentWorkers = 5
	}
	if cfg.TaskTimeoutSec == 0 {
		cfg.TaskTimeoutSec = 120
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffMs == 0 {
		cfg.RetryBackoffMs = 10000
	}
	if cfg.MinDelayMinutes == 0 {
		cfg.MinDelayMinutes = 1
	}
	if cfg.MaxDelayMinutes == 0 {
		cfg.MaxDelayMinutes = 30
	}
	if cfg.ExecutorDriver == "" {
		cfg.ExecutorDriver = "fake"
	}
	if cfg.UpstreamRPS == 0 {
		cfg.UpstreamRPS = 5
	}
	if cfg.UpstreamTimeoutMs == 0 {
		cfg.UpstreamTimeoutMs = 30000
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.RateLimitStore == "" {
		cfg.RateLimitStore = "memory"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	switch cfg.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when db_driver is postgres")
		}
	default:
		return fmt.Errorf("db_driver must be sqlite, postgres or memory, got %q", cfg.DBDriver)
	}
	if cfg.QueueDriver != "sqlite" && cfg.QueueDriver != "memory" {
		return fmt.Errorf("queue_driver must be sqlite or memory, got %q", cfg.QueueDriver)
	}
	if cfg.LockBackend != "local" && cfg.LockBackend != "sqlite" && cfg.LockBackend != "redis" {
		return fmt.Errorf("lock_backend must be local, sqlite or redis, got %q", cfg.LockBackend)
	}
	if cfg.LockBackend == "sqlite" && cfg.QueueDriver != "sqlite" {
		return fmt.Errorf("lock_backend sqlite requires queue_driver sqlite")
	}
	if cfg.RateLimitStore != "memory" && cfg.RateLimitStore != "redis" {
		return fmt.Errorf("rate_limit_store must be memory or redis, got %q", cfg.RateLimitStore)
	}
	switch cfg.ExecutorDriver {
	case "fake":
	case "api":
		if cfg.UpstreamBaseURL == "" {
			return fmt.Errorf("upstream_base_url is required when executor_driver is api")
		}
	default:
		return fmt.Errorf("executor_driver must be fake or api, got %q", cfg.ExecutorDriver)
	}
	if cfg.CycleLimit < 1 {
		return fmt.Errorf("cycle_limit must be >= 1")
	}
	if cfg.ConcurrentWorkers < 1 {
		return fmt.Errorf("concurrent_workers must be >= 1")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if cfg.TaskTimeoutSec < 1 {
		return fmt.Errorf("task_timeout_sec must be >= 1")
	}
	if cfg.MinDelayMinutes < 0 || cfg.MaxDelayMinutes < cfg.MinDelayMinutes {
		return fmt.Errorf("delay window must satisfy 0 <= min_delay_minutes <= max_delay_minutes")
	}
	if cfg.UpstreamTimeoutMs < 1000 {
		return fmt.Errorf("upstream_timeout_ms must be >= 1000")
	}
	// a claimed task must not reappear while its fetch can still be running
	if cfg.QueueVisibility() <= cfg.TaskTimeout()+cfg.UpstreamTimeout() {
		return fmt.Errorf("queue_visibility_sec (%ds) must exceed task_timeout_sec plus upstream_timeout_ms (%v)",
			cfg.QueueVisibilitySec, cfg.TaskTimeout()+cfg.UpstreamTimeout())
	}
	return nil
}

func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMinutes) * time.Minute
}

func (c *Config) StaleAttemptAge() time.Duration {
	return time.Duration(c.StaleAttemptMinutes) * time.Minute
}

func (c *Config) QueuePoll() time.Duration {
	return time.Duration(c.QueuePollMs) * time.Millisecond
}

func (c *Config) QueueVisibility() time.Duration {
	return time.Duration(c.QueueVisibilitySec) * time.Second
}

func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c *Config) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMinutes) * time.Minute
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMinutes) * time.Minute
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMs) * time.Millisecond
}
