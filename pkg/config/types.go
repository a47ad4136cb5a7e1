// Package config loads and validates the engine configuration. Settings come
// from three layers, later layers winning: built-in defaults, the YAML config
// directory (quantforge.yaml, llm-keys.yaml), and recognized environment
// variables. Validation is eager; a process never starts on a bad config.
package config

import (
	"time"

	"github.com/quantforge/quantforge/pkg/models"
)

// Config is the fully merged and validated engine configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Data         DataConfig         `yaml:"data"`
	Bus          BusConfig          `yaml:"bus"`
	Router       RouterConfig       `yaml:"router"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Retention    RetentionConfig    `yaml:"retention"`

	// Keys is loaded from llm-keys.yaml, not from quantforge.yaml.
	Keys KeysConfig `yaml:"-"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// UserRPMDefault and GlobalRPMMax drive the token-bucket middleware.
	UserRPMDefault int `yaml:"user_rpm_default"`
	GlobalRPMMax   int `yaml:"global_rpm_max"`
}

// DataConfig locates the on-disk state.
type DataConfig struct {
	// Dir is the root for workflow todo lists and the artifact store.
	Dir string `yaml:"dir"`
}

// BusConfig selects the message transport.
type BusConfig struct {
	// Backend is "inmem" or "redis".
	Backend string `yaml:"backend"`

	// RedisURL is required when Backend is "redis".
	RedisURL string `yaml:"redis_url"`
}

// RouterConfig tunes the multi-key LLM router.
type RouterConfig struct {
	// MultiKeyEnabled turns on the key pool; when off the router runs in
	// single-key mode using the one configured global key.
	MultiKeyEnabled bool `yaml:"multi_key_enabled"`

	MaxRetries    int `yaml:"max_retries"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`

	ConversationTTLSeconds int `yaml:"conversation_ttl_seconds"`

	// SecretStoreType is one of env, vault, aws, azure. Only env is
	// implemented in-process; the rest are external backends.
	SecretStoreType string `yaml:"secret_store_type"`

	// RateLimitBackendURL points at the Redis reservation backend. Empty
	// means permissive mode: reservations always succeed.
	RateLimitBackendURL string `yaml:"rate_limit_backend_url"`
}

// SandboxConfig tunes strategy test execution.
type SandboxConfig struct {
	// Runner is "docker" or "local".
	Runner string `yaml:"runner"`

	// Image is the container image for the docker runner.
	Image string `yaml:"image"`

	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MemoryLimitMB  int64   `yaml:"memory_limit_mb"`
	CPULimitCores  float64 `yaml:"cpu_limit_cores"`
}

// OrchestratorConfig tunes the iterative loop.
type OrchestratorConfig struct {
	MaxIterations      int `yaml:"max_iterations"`
	MaxDurationMinutes int `yaml:"max_duration_minutes"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// RetentionConfig drives the background data retention sweeper.
type RetentionConfig struct {
	// WorkflowRetentionDays is how long finished workflow state and
	// artifacts are kept on disk. Zero disables the sweeper.
	WorkflowRetentionDays int `yaml:"workflow_retention_days"`

	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// KeysConfig is the llm-keys.yaml file structure.
type KeysConfig struct {
	Keys          []models.APIKeyMetadata `yaml:"keys"`
	FallbackOrder []string                `yaml:"fallback_order,omitempty"`
}

// BaseBackoff returns the retry backoff as a duration.
func (r RouterConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMS) * time.Millisecond
}

// ConversationTTL returns the conversation record TTL as a duration.
func (r RouterConfig) ConversationTTL() time.Duration {
	return time.Duration(r.ConversationTTLSeconds) * time.Second
}

// Timeout returns the sandbox wall-clock limit as a duration.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// MaxDuration returns the iterative loop wall-clock limit as a duration.
func (o OrchestratorConfig) MaxDuration() time.Duration {
	return time.Duration(o.MaxDurationMinutes) * time.Minute
}

// MaxAge returns the workflow retention period as a duration.
func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.WorkflowRetentionDays) * 24 * time.Hour
}

// SweepInterval returns the time between retention sweeps as a duration.
func (r RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMinutes) * time.Minute
}

// TaskTimeout returns the per-task result wait as a duration.
func (o OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(o.TaskTimeoutSeconds) * time.Second
}

// defaultConfig returns the built-in defaults the YAML layers merge over.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			UserRPMDefault: 60,
			GlobalRPMMax:   600,
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Bus: BusConfig{
			Backend: "inmem",
		},
		Router: RouterConfig{
			MaxRetries:             3,
			BaseBackoffMS:          500,
			ConversationTTLSeconds: 86400,
			SecretStoreType:        "env",
		},
		Sandbox: SandboxConfig{
			Runner:         "docker",
			Image:          "python:3.12-slim",
			TimeoutSeconds: 120,
			MemoryLimitMB:  512,
			CPULimitCores:  1,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:      5,
			MaxDurationMinutes: 60,
			TaskTimeoutSeconds: 600,
		},
		Retention: RetentionConfig{
			WorkflowRetentionDays: 30,
			SweepIntervalMinutes:  60,
		},
	}
}
