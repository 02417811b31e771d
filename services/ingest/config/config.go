// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the declarative pipeline configuration.
//
// Configuration is an immutable snapshot: components receive a *Config at
// construction and never observe mutation. Hot-reload of non-sensitive
// fields is handled by Store, which republishes a fresh snapshot from a
// single watcher goroutine (see watcher.go).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

// GraphConfig configures the property-graph store adapter.
type GraphConfig struct {
	// URI is the bolt/neo4j URI tried first, e.g. "neo4j://graph:7687".
	URI      string `yaml:"uri" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// FallbackHosts are endpoint candidates tried in order when the
	// configured URI refuses or times out (logical service name, loopback,
	// container hostname).
	FallbackHosts []string `yaml:"fallback_hosts"`

	PoolSize              int `yaml:"pool_size" validate:"gte=0"`
	ConnectionTimeoutSecs int `yaml:"connection_timeout_seconds" validate:"gte=0"`
	TransactionRetries    int `yaml:"transaction_retry_budget" validate:"gte=0"`

	// EmbeddingDimension is the fixed vector dimension for Summary and
	// Documentation embeddings and their vector indexes.
	EmbeddingDimension int `yaml:"embedding_dimension" validate:"gt=0"`
}

// ConnectionTimeout returns the configured timeout as a duration.
func (g GraphConfig) ConnectionTimeout() time.Duration {
	if g.ConnectionTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.ConnectionTimeoutSecs) * time.Second
}

// LLMConfig configures the LLM gateway.
type LLMConfig struct {
	// Endpoint is an OpenAI-compatible base URL. Empty means the vendor
	// default.
	Endpoint string `yaml:"endpoint"`

	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Models maps logical roles to concrete model names.
	Models ModelRoles `yaml:"models"`

	MaxRetries     int `yaml:"max_retries" validate:"gte=0"`
	BackoffBaseMS  int `yaml:"backoff_base_ms" validate:"gte=0"`
	RequestsPerSec int `yaml:"requests_per_second" validate:"gte=0"`
	TimeoutSecs    int `yaml:"timeout_seconds" validate:"gte=0"`
}

// ModelRoles is the logical role → model name map.
type ModelRoles struct {
	Chat      string `yaml:"chat" validate:"required"`
	Reasoning string `yaml:"reasoning"`
	Embedding string `yaml:"embedding" validate:"required"`
}

// APIKey resolves the key from the configured environment variable.
func (l LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv(l.APIKeyEnv)
}

// BrokerConfig configures the Redis-backed job state store and task queue.
type BrokerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// RetentionHours bounds the progress stream retention. Must cover job
	// lifetime plus 24h; defaults to 48.
	RetentionHours int `yaml:"retention_hours" validate:"gte=0"`

	// LeaseSecs is the worker lease TTL renewed on heartbeat.
	LeaseSecs int `yaml:"lease_seconds" validate:"gte=0"`
}

// RetryConfig holds pipeline-wide retry defaults applied when a step does
// not declare its own.
type RetryConfig struct {
	MaxRetries     int `yaml:"max_retries" validate:"gte=0"`
	BackoffSeconds int `yaml:"back_off_seconds" validate:"gte=0"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Config is the full immutable configuration snapshot.
type Config struct {
	Log   LogConfig    `yaml:"log"`
	Graph GraphConfig  `yaml:"graph" validate:"required"`
	LLM   LLMConfig    `yaml:"llm" validate:"required"`
	Redis BrokerConfig `yaml:"redis" validate:"required"`
	Retry RetryConfig  `yaml:"retry"`

	// Steps is the ordered pipeline. Names must match registered steps.
	Steps []ingest.StepDescriptor `yaml:"steps" validate:"required,min=1,dive"`

	// CheckpointDir is the badger directory for summarizer checkpoints.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// AdminAddr serves health and Prometheus metrics, e.g. ":9464".
	AdminAddr string `yaml:"admin_addr"`

	// StepTimeoutSecs is the per-step timeout; zero disables it.
	StepTimeoutSecs int `yaml:"step_timeout_seconds" validate:"gte=0"`

	// CancelGraceSecs bounds cooperative cancellation before resources are
	// forcibly released. Defaults to 30.
	CancelGraceSecs int `yaml:"cancel_grace_seconds" validate:"gte=0"`
}

// CancelGrace returns the cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	if c.CancelGraceSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CancelGraceSecs) * time.Second
}

// StepTimeout returns the per-step timeout, or zero when disabled.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSecs) * time.Second
}

// applyDefaults fills zero values that have documented defaults.
func (c *Config) applyDefaults() {
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BackoffSeconds == 0 {
		c.Retry.BackoffSeconds = 2
	}
	if c.Redis.RetentionHours == 0 {
		c.Redis.RetentionHours = 48
	}
	if c.Redis.LeaseSecs == 0 {
		c.Redis.LeaseSecs = 15
	}
	if c.Graph.PoolSize == 0 {
		c.Graph.PoolSize = 25
	}
	if c.Graph.TransactionRetries == 0 {
		c.Graph.TransactionRetries = 3
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 5
	}
	if c.LLM.BackoffBaseMS == 0 {
		c.LLM.BackoffBaseMS = 500
	}
	if c.AdminAddr == "" {
		c.AdminAddr = ":9464"
	}
	// Step concurrency is left at zero when undeclared so each step can
	// apply its own default fan-out.
	for i := range c.Steps {
		if c.Steps[i].Retries == 0 {
			c.Steps[i].Retries = c.Retry.MaxRetries
		}
		if c.Steps[i].BackoffSeconds == 0 {
			c.Steps[i].BackoffSeconds = c.Retry.BackoffSeconds
		}
	}
}

// Load reads, defaults, and validates a configuration file.
//
// Inputs:
//
//	path - YAML file path.
//
// Outputs:
//
//	*Config - Immutable snapshot. Never nil on success.
//	error - Non-nil on read, parse, or validation failure. Validation
//	failures are configuration errors and fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ingest.NewError(ingest.KindConfiguration,
			fmt.Errorf("parse config: %w", err))
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, ingest.NewError(ingest.KindConfiguration,
			fmt.Errorf("validate config: %w", err))
	}

	seen := make(map[string]bool, len(cfg.Steps))
	for _, s := range cfg.Steps {
		if seen[s.Name] {
			return nil, ingest.NewError(ingest.KindConfiguration,
				fmt.Errorf("duplicate step %q in pipeline", s.Name))
		}
		seen[s.Name] = true
	}

	return &cfg, nil
}
