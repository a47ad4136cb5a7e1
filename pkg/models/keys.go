package models

import "time"

// WorkloadTag groups keys into model tiers for safety-block escalation.
type WorkloadTag string

// Workload tiers. A safety block on a light-tier model escalates selection
// to the heavy tier; the reverse never happens.
const (
	WorkloadLight WorkloadTag = "light"
	WorkloadHeavy WorkloadTag = "heavy"
)

// APIKeyMetadata describes one provider API key. Secret material is never
// stored here; it is fetched on demand from the SecretStore by key id.
type APIKeyMetadata struct {
	KeyID         string      `json:"key_id" yaml:"key_id"`
	ModelName     string      `json:"model_name" yaml:"model_name"`
	Provider      string      `json:"provider" yaml:"provider"`
	RPM           int         `json:"rpm" yaml:"rpm"`
	TPM           int         `json:"tpm" yaml:"tpm"`
	RPD           int         `json:"rpd,omitempty" yaml:"rpd,omitempty"`
	BurstCapacity int         `json:"burst_capacity,omitempty" yaml:"burst_capacity,omitempty"`
	Priority      int         `json:"priority,omitempty" yaml:"priority,omitempty"`
	WorkloadTag   WorkloadTag `json:"workload_tag,omitempty" yaml:"workload_tag,omitempty"`
	Active        bool        `json:"active" yaml:"active"`
	Tags          []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// KeyHealth is the runtime-only health record for one key. It is mutated
// exclusively by the KeyManager through ReportSuccess / ReportError.
type KeyHealth struct {
	Active        bool      `json:"active"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	SuccessCount  int       `json:"success_count"`
	ErrorCount    int       `json:"error_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	InCooldown    bool      `json:"in_cooldown"`
}
