package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config file names looked up in the config directory.
const (
	ConfigFileName = "quantforge.yaml"
	KeysFileName   = "llm-keys.yaml"
)

// Environment variables recognized on top of the YAML layer. Env always wins.
const (
	EnvMultiKeyEnabled     = "MULTI_KEY_ROUTER_ENABLED"
	EnvMaxRetries          = "MAX_RETRIES"
	EnvBaseBackoffMS       = "BASE_BACKOFF_MS"
	EnvUserRPMDefault      = "USER_RPM_DEFAULT"
	EnvGlobalRPMMax        = "GLOBAL_RPM_MAX"
	EnvConversationTTL     = "CONVERSATION_TTL_SECONDS"
	EnvSecretStoreType     = "SECRET_STORE_TYPE"
	EnvRateLimitBackendURL = "RATE_LIMIT_BACKEND_URL"
	EnvBusBackend          = "BUS_BACKEND"
	EnvDataDir             = "DATA_DIR"
	EnvRetentionDays       = "WORKFLOW_RETENTION_DAYS"
)

// Initialize loads, merges, and validates the configuration.
//
// Steps performed:
//  1. Load .env if present (never overrides real environment)
//  2. Read quantforge.yaml, expand {{.VAR}} references, parse
//  3. Merge over built-in defaults
//  4. Read llm-keys.yaml (key metadata, no secret material)
//  5. Apply recognized environment variable overrides
//  6. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := loadMain(configDir)
	if err != nil {
		return nil, err
	}
	if err := loadKeys(configDir, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"bus_backend", cfg.Bus.Backend,
		"sandbox_runner", cfg.Sandbox.Runner,
		"multi_key", cfg.Router.MultiKeyEnabled,
		"keys", len(cfg.Keys.Keys))
	return cfg, nil
}

func loadMain(configDir string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(filepath.Join(configDir, ConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		// Defaults plus env are a complete configuration.
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFileName, err)
	}
	if err := mergo.Merge(&fileCfg, cfg); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}
	return &fileCfg, nil
}

func loadKeys(configDir string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Join(configDir, KeysFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil // single-key mode needs no metadata file
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", KeysFileName, err)
	}
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg.Keys); err != nil {
		return fmt.Errorf("parsing %s: %w", KeysFileName, err)
	}
	return nil
}

// applyEnv overlays the recognized environment variables.
func applyEnv(cfg *Config) {
	setBool(EnvMultiKeyEnabled, &cfg.Router.MultiKeyEnabled)
	setInt(EnvMaxRetries, &cfg.Router.MaxRetries)
	setInt(EnvBaseBackoffMS, &cfg.Router.BaseBackoffMS)
	setInt(EnvUserRPMDefault, &cfg.Server.UserRPMDefault)
	setInt(EnvGlobalRPMMax, &cfg.Server.GlobalRPMMax)
	setInt(EnvConversationTTL, &cfg.Router.ConversationTTLSeconds)
	setString(EnvSecretStoreType, &cfg.Router.SecretStoreType)
	setString(EnvRateLimitBackendURL, &cfg.Router.RateLimitBackendURL)
	setString(EnvBusBackend, &cfg.Bus.Backend)
	setString(EnvDataDir, &cfg.Data.Dir)
	setInt(EnvRetentionDays, &cfg.Retention.WorkflowRetentionDays)
}

func setString(name string, target *string) {
	if value := os.Getenv(name); value != "" {
		*target = value
	}
}

func setInt(name string, target *int) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring non-integer environment variable", "name", name)
		return
	}
	*target = parsed
}

func setBool(name string, target *bool) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment variable", "name", name)
		return
	}
	*target = parsed
}
