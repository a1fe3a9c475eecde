// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the adapter daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/qbridge/types"
)

// Config holds all configuration for the adapter daemon.
type Config struct {
	Adapter AdapterConfig `yaml:"adapter"`
	Retry   RetryConfig   `yaml:"retry"`
	Backend BackendConfig `yaml:"backend"`
	Failure FailureConfig `yaml:"failure"`
	Log     LogConfig     `yaml:"log"`
}

// AdapterConfig holds partitioning, caching, and leasing settings.
type AdapterConfig struct {
	Queues            int           `yaml:"queues"`
	QueuePrefix       string        `yaml:"queue_prefix"`
	VirtualNodes      int           `yaml:"virtual_nodes"`
	CacheCapacity     int           `yaml:"cache_capacity"`
	DetachPatience    time.Duration `yaml:"detach_patience"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxDequeueCount   int           `yaml:"max_dequeue_count"`
	BatchSize         int           `yaml:"batch_size"`
	PullRate          float64       `yaml:"pull_rate"`
	PullBurst         int           `yaml:"pull_burst"`
}

// RetryConfig holds the backend retry budget.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// BackendConfig selects and configures the queue backend.
type BackendConfig struct {
	Type string `yaml:"type"` // memory, badger, redis

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// Redis settings
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis Streams backend settings.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	StreamPrefix      string        `yaml:"stream_prefix"`
	Group             string        `yaml:"group"`
	Consumer          string        `yaml:"consumer"`
	CompressThreshold int           `yaml:"compress_threshold"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// FailureConfig selects the delivery-failure policy.
type FailureConfig struct {
	Policy         string        `yaml:"policy"` // log, webhook
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	a := types.DefaultAdapterConfig()
	return &Config{
		Adapter: AdapterConfig{
			Queues:            a.Queues,
			QueuePrefix:       a.QueuePrefix,
			VirtualNodes:      a.VirtualNodes,
			CacheCapacity:     a.CacheCapacity,
			DetachPatience:    a.DetachPatience,
			VisibilityTimeout: a.VisibilityTimeout,
			MaxDequeueCount:   a.MaxDequeueCount,
			BatchSize:         a.BatchSize,
			PullRate:          a.PullRate,
			PullBurst:         a.PullBurst,
		},
		Retry: RetryConfig{
			MaxAttempts:    a.Retry.MaxAttempts,
			InitialBackoff: a.Retry.InitialBackoff,
			MaxBackoff:     a.Retry.MaxBackoff,
			Multiplier:     a.Retry.Multiplier,
		},
		Backend: BackendConfig{
			Type: "memory",
		},
		Failure: FailureConfig{
			Policy:         "log",
			WebhookTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist,
// returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. Invalid configuration
// fails here, at startup, never at runtime.
func (c *Config) Validate() error {
	if err := c.ToAdapterConfig().Validate(); err != nil {
		return err
	}

	switch c.Backend.Type {
	case "memory":
	case "badger":
		if c.Backend.BadgerDir == "" {
			return fmt.Errorf("backend.badger_dir required for badger backend: %w", types.ErrInvalidConfig)
		}
	case "redis":
		if c.Backend.Redis.Addr == "" {
			return fmt.Errorf("backend.redis.addr required for redis backend: %w", types.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("unknown backend type %q: %w", c.Backend.Type, types.ErrInvalidConfig)
	}

	switch c.Failure.Policy {
	case "log":
	case "webhook":
		if c.Failure.WebhookURL == "" {
			return fmt.Errorf("failure.webhook_url required for webhook policy: %w", types.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("unknown failure policy %q: %w", c.Failure.Policy, types.ErrInvalidConfig)
	}

	return nil
}

// ToAdapterConfig converts the YAML surface into the runtime adapter
// configuration.
func (c *Config) ToAdapterConfig() types.AdapterConfig {
	return types.AdapterConfig{
		Queues:            c.Adapter.Queues,
		QueuePrefix:       c.Adapter.QueuePrefix,
		VirtualNodes:      c.Adapter.VirtualNodes,
		CacheCapacity:     c.Adapter.CacheCapacity,
		DetachPatience:    c.Adapter.DetachPatience,
		VisibilityTimeout: c.Adapter.VisibilityTimeout,
		MaxDequeueCount:   c.Adapter.MaxDequeueCount,
		BatchSize:         c.Adapter.BatchSize,
		PullRate:          c.Adapter.PullRate,
		PullBurst:         c.Adapter.PullBurst,
		Retry: types.RetryPolicy{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: c.Retry.InitialBackoff,
			MaxBackoff:     c.Retry.MaxBackoff,
			Multiplier:     c.Retry.Multiplier,
		},
	}
}
