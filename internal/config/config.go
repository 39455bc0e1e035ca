// Package config loads engine configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`
	// MasterKey seals subscription signing secrets at rest. Any string; the
	// AES key is derived from it. Required outside dev.
	MasterKey string `yaml:"masterKey"`

	AMQP      AMQPConfig      `yaml:"amqp"`
	Limits    LimitsConfig    `yaml:"limits"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Worker    WorkerConfig    `yaml:"worker"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Retention RetentionConfig `yaml:"retention"`
}

// AMQPConfig enables domain-event ingestion from a fanout exchange when URL
// is set.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// LimitsConfig bounds the retry policy a subscription may configure. They
// match the choices the management UI offers.
type LimitsConfig struct {
	MaxAttemptsCeiling int `yaml:"maxAttemptsCeiling"`
	MinTimeoutSeconds  int `yaml:"minTimeoutSeconds"`
	MaxTimeoutSeconds  int `yaml:"maxTimeoutSeconds"`
}

type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Cap        time.Duration `yaml:"cap"`
	JitterFrac float64       `yaml:"jitterFrac"`
}

type WorkerConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// OutboundConfig rate-limits POSTs per endpoint host so one slow or noisy
// receiver cannot starve the rest.
type OutboundConfig struct {
	RatePerHost float64 `yaml:"ratePerHost"`
	Burst       int     `yaml:"burst"`
}

type RetentionConfig struct {
	// Schedule is a cron expression; empty disables pruning.
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"maxAge"`
}

func Default() Config {
	return Config{
		Port: 8080,
		Limits: LimitsConfig{
			MaxAttemptsCeiling: 5,
			MinTimeoutSeconds:  5,
			MaxTimeoutSeconds:  60,
		},
		Backoff: BackoffConfig{
			Base:       10 * time.Second,
			Cap:        15 * time.Minute,
			JitterFrac: 0.2,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			BatchSize:    50,
		},
		Outbound: OutboundConfig{
			RatePerHost: 20,
			Burst:       40,
		},
		Retention: RetentionConfig{
			MaxAge: 90 * 24 * time.Hour,
		},
		AMQP: AMQPConfig{
			Exchange: "domain.events",
			Queue:    "webhookd.events",
		},
	}
}

// Load reads CONFIG_FILE (if set), then applies env overrides on top of the
// defaults.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		c.AMQP.URL = v
	}
	if v := os.Getenv("WEBHOOK_MASTER_KEY"); v != "" {
		c.MasterKey = v
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxAttemptsCeiling = n
		}
	}
	if v := os.Getenv("WEBHOOK_RETENTION_SCHEDULE"); v != "" {
		c.Retention.Schedule = v
	}
}

func (c *Config) validate() error {
	if c.Limits.MinTimeoutSeconds <= 0 || c.Limits.MaxTimeoutSeconds < c.Limits.MinTimeoutSeconds {
		return fmt.Errorf("invalid timeout bounds [%d,%d]", c.Limits.MinTimeoutSeconds, c.Limits.MaxTimeoutSeconds)
	}
	if c.Limits.MaxAttemptsCeiling < 0 {
		return fmt.Errorf("maxAttemptsCeiling must be >= 0")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("invalid backoff: base=%s cap=%s", c.Backoff.Base, c.Backoff.Cap)
	}
	if c.Backoff.JitterFrac < 0 || c.Backoff.JitterFrac >= 1 {
		return fmt.Errorf("jitterFrac must be in [0,1)")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be > 0")
	}
	return nil
}
