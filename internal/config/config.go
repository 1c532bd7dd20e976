// Package config loads settings from an optional YAML file and overlays
// environment variables on top, so every recognized option is settable
// environment-style in deployment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "github.com/goccy/go-yaml"

	"backplane/internal/archive"
	"backplane/internal/kafka"
	"backplane/internal/retry"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Worker   WorkerConfig   `yaml:"worker"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Queue    QueueConfig    `yaml:"queue"`
	Session  SessionConfig  `yaml:"session"`
	Kafka    kafka.Config   `yaml:"kafka"`
	Postgres archive.Config `yaml:"postgres"`
}

type APIConfig struct {
	Addr string `yaml:"addr" env:"API_ADDR"`
}

type WorkerConfig struct {
	Queue       string        `yaml:"queue" env:"WORKER_QUEUE"`
	PollTimeout time.Duration `yaml:"poll_timeout" env:"WORKER_POLL_TIMEOUT"`
}

type ReaperConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"REAPER_POLL_INTERVAL"`
	Batch        int64         `yaml:"batch" env:"REAPER_BATCH"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type StoreConfig struct {
	Prefix string `yaml:"prefix" env:"STORE_PREFIX"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

type QueueConfig struct {
	RetentionTTL       time.Duration `yaml:"retention_ttl" env:"QUEUE_RETENTION_TTL"`
	TerminalTTL        time.Duration `yaml:"terminal_ttl" env:"QUEUE_TERMINAL_TTL"`
	DefaultPriority    int           `yaml:"default_priority" env:"QUEUE_DEFAULT_PRIORITY"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts" env:"QUEUE_DEFAULT_MAX_ATTEMPTS"`
	Retry              retry.Config  `yaml:"retry" envPrefix:"QUEUE_"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl" env:"SESSION_TTL"`
}

// Load reads path (missing files are tolerated and treated as empty),
// overlays environment variables and applies defaults.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = ":8080"
	}
	if strings.TrimSpace(c.Worker.Queue) == "" {
		c.Worker.Queue = "default"
	}
	if c.Worker.PollTimeout <= 0 {
		c.Worker.PollTimeout = 5 * time.Second
	}
	if c.Reaper.PollInterval <= 0 {
		c.Reaper.PollInterval = 1 * time.Second
	}
	if c.Reaper.Batch <= 0 {
		c.Reaper.Batch = 100
	}
	if strings.TrimSpace(c.Store.Prefix) == "" {
		c.Store.Prefix = "bp:"
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = time.Hour
	}
	if c.Queue.RetentionTTL <= 0 {
		c.Queue.RetentionTTL = 24 * time.Hour
	}
	if c.Queue.TerminalTTL <= 0 {
		c.Queue.TerminalTTL = time.Hour
	}
	if c.Queue.DefaultPriority <= 0 {
		c.Queue.DefaultPriority = 5
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		c.Queue.DefaultMaxAttempts = 3
	}
	if c.Queue.Retry == (retry.Config{}) {
		c.Queue.Retry = retry.DefaultConfig()
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}
}

func (c Config) ValidateForAPI() error {
	if strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required")
	}
	return c.validateCommon()
}

func (c Config) ValidateForWorker() error {
	if strings.TrimSpace(c.Worker.Queue) == "" {
		return fmt.Errorf("worker.queue is required")
	}
	return c.validateCommon()
}

func (c Config) ValidateForReaper() error {
	if c.Reaper.PollInterval <= 0 {
		return fmt.Errorf("reaper.poll_interval is required")
	}
	return c.validateCommon()
}

func (c Config) validateCommon() error {
	if err := validateRedis(c.Redis); err != nil {
		return err
	}
	if err := c.Queue.Retry.Validate(); err != nil {
		return fmt.Errorf("queue.retry: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
