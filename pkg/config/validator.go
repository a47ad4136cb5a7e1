package config

import (
	"errors"
	"fmt"
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var validSecretStores = map[string]bool{"env": true, "vault": true, "aws": true, "azure": true}

// validate checks the merged configuration. All problems are reported at
// once rather than one per startup attempt.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, invalid("server.port", fmt.Sprintf("out of range: %d", cfg.Server.Port)))
	}
	if cfg.Server.UserRPMDefault <= 0 {
		errs = append(errs, invalid("server.user_rpm_default", "must be positive"))
	}
	if cfg.Server.GlobalRPMMax < cfg.Server.UserRPMDefault {
		errs = append(errs, invalid("server.global_rpm_max", "must be at least user_rpm_default"))
	}
	if cfg.Data.Dir == "" {
		errs = append(errs, invalid("data.dir", "must not be empty"))
	}

	switch cfg.Bus.Backend {
	case "inmem":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			errs = append(errs, invalid("bus.redis_url", "required when bus.backend is redis"))
		}
	default:
		errs = append(errs, invalid("bus.backend", fmt.Sprintf("unknown backend %q", cfg.Bus.Backend)))
	}

	if cfg.Router.MaxRetries <= 0 {
		errs = append(errs, invalid("router.max_retries", "must be positive"))
	}
	if cfg.Router.BaseBackoffMS <= 0 {
		errs = append(errs, invalid("router.base_backoff_ms", "must be positive"))
	}
	if cfg.Router.ConversationTTLSeconds <= 0 {
		errs = append(errs, invalid("router.conversation_ttl_seconds", "must be positive"))
	}
	if !validSecretStores[cfg.Router.SecretStoreType] {
		errs = append(errs, invalid("router.secret_store_type",
			fmt.Sprintf("unknown type %q, want env, vault, aws, or azure", cfg.Router.SecretStoreType)))
	}
	if cfg.Router.MultiKeyEnabled && len(cfg.Keys.Keys) == 0 {
		errs = append(errs, invalid("keys", "multi-key mode enabled but no keys configured"))
	}

	switch cfg.Sandbox.Runner {
	case "docker", "local":
	default:
		errs = append(errs, invalid("sandbox.runner", fmt.Sprintf("unknown runner %q", cfg.Sandbox.Runner)))
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		errs = append(errs, invalid("sandbox.timeout_seconds", "must be positive"))
	}

	if cfg.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, invalid("orchestrator.max_iterations", "must be positive"))
	}
	if cfg.Orchestrator.MaxDurationMinutes <= 0 {
		errs = append(errs, invalid("orchestrator.max_duration_minutes", "must be positive"))
	}
	if cfg.Orchestrator.TaskTimeoutSeconds <= 0 {
		errs = append(errs, invalid("orchestrator.task_timeout_seconds", "must be positive"))
	}

	if cfg.Retention.WorkflowRetentionDays < 0 {
		errs = append(errs, invalid("retention.workflow_retention_days", "must not be negative"))
	}
	if cfg.Retention.WorkflowRetentionDays > 0 && cfg.Retention.SweepIntervalMinutes <= 0 {
		errs = append(errs, invalid("retention.sweep_interval_minutes", "must be positive when retention is enabled"))
	}

	errs = append(errs, validateKeys(&cfg.Keys)...)
	return errors.Join(errs...)
}

// validateKeys checks key metadata. Secret material never appears here; only
// ids and limits are validated.
func validateKeys(keys *KeysConfig) []error {
	var errs []error
	seen := make(map[string]bool)
	for i, key := range keys.Keys {
		field := fmt.Sprintf("keys[%d]", i)
		if key.KeyID == "" {
			errs = append(errs, invalid(field+".key_id", "must not be empty"))
			continue
		}
		if seen[key.KeyID] {
			errs = append(errs, invalid(field+".key_id", fmt.Sprintf("duplicate key id %q", key.KeyID)))
		}
		seen[key.KeyID] = true
		if key.ModelName == "" {
			errs = append(errs, invalid(field+".model_name", "must not be empty"))
		}
		if key.RPM <= 0 {
			errs = append(errs, invalid(field+".rpm", "must be positive"))
		}
		if key.TPM <= 0 {
			errs = append(errs, invalid(field+".tpm", "must be positive"))
		}
	}
	for _, keyID := range keys.FallbackOrder {
		if !seen[keyID] {
			errs = append(errs, invalid("fallback_order", fmt.Sprintf("unknown key id %q", keyID)))
		}
	}
	return errs
}
