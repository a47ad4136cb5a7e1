// Package router is the single entry point for all model calls. It composes
// key selection, atomic rate-limit reservation, conversation persistence,
// retry with backoff across keys, and safety-block escalation.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/ratelimit"
	"github.com/quantforge/quantforge/pkg/secrets"
)

// Sentinel errors for key selection.
var (
	// ErrAllKeysExhausted indicates no key could be reserved for the request.
	ErrAllKeysExhausted = errors.New("all keys exhausted")

	// ErrNoMatchingKeys indicates no active key matches the model preference.
	ErrNoMatchingKeys = errors.New("no keys match model preference")

	// ErrKeyNotFound indicates an unknown key id.
	ErrKeyNotFound = errors.New("key not found")
)

// Cooldown backoff: seeded at 30s, doubling per consecutive error, capped.
const (
	cooldownBase = 30 * time.Second
	cooldownCap  = 15 * time.Minute
)

// SelectionRequest constrains one key selection.
type SelectionRequest struct {
	// ModelPreference is matched exactly against key model names; when
	// nothing matches and fallback is enabled, it widens to the model
	// family (shared name prefix) and key tags.
	ModelPreference string

	// Tier, when set, restricts selection to keys of that workload tier.
	// Safety-block escalation selects the heavy tier with an empty
	// ModelPreference.
	Tier models.WorkloadTag

	// ExpectedCompletionTokens is reserved against the TPM window.
	ExpectedCompletionTokens int

	// ExcludedKeys are keys that already failed within the current call.
	ExcludedKeys map[string]bool
}

// Selection is a successfully reserved key, ready for one provider call.
type Selection struct {
	KeyID     string
	Secret    string
	ModelName string
	Provider  string
}

// keyHealthState is the internal mutable health record for one key.
type keyHealthState struct {
	lastUsed          time.Time
	successCount      int
	errorCount        int
	consecutiveErrors int
	cooldownUntil     time.Time
	// lastRemainingRPM is the last observed remaining RPM budget, used to
	// weight selection away from hot keys. Starts at the full RPM limit.
	lastRemainingRPM int
}

// KeyManager is the catalog of API-key metadata. It selects usable keys
// under rate-limit constraints and is the sole mutator of key health.
type KeyManager struct {
	reserver        ratelimit.Reserver
	secretStore     secrets.Store
	fallbackEnabled bool
	now             func() time.Time

	mu     sync.RWMutex
	keys   map[string]*models.APIKeyMetadata
	health map[string]*keyHealthState
}

// NewKeyManager creates a manager over the given key metadata. Inactive
// keys are kept in the catalog (visible in health) but never selected.
func NewKeyManager(keys []models.APIKeyMetadata, reserver ratelimit.Reserver, store secrets.Store, fallbackEnabled bool) *KeyManager {
	m := &KeyManager{
		reserver:        reserver,
		secretStore:     store,
		fallbackEnabled: fallbackEnabled,
		now:             time.Now,
		keys:            make(map[string]*models.APIKeyMetadata, len(keys)),
		health:          make(map[string]*keyHealthState, len(keys)),
	}
	for i := range keys {
		k := keys[i]
		m.keys[k.KeyID] = &k
		m.health[k.KeyID] = &keyHealthState{lastRemainingRPM: k.RPM}
	}
	return m
}

// Select picks a usable key: filter by model preference and tier, drop
// excluded and cooled-down keys, then walk candidates in capacity-weighted
// shuffled order attempting an atomic RPM+TPM reservation for each until
// one succeeds.
func (m *KeyManager) Select(ctx context.Context, req SelectionRequest) (*Selection, error) {
	candidates := m.candidates(req)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMatchingKeys, req.ModelPreference)
	}

	for _, meta := range m.weightedShuffle(candidates) {
		res, err := m.reserver.Reserve(ctx, meta.KeyID,
			ratelimit.Limits{RPM: meta.RPM, TPM: meta.TPM},
			req.ExpectedCompletionTokens)
		if err != nil {
			return nil, fmt.Errorf("reserving key %s: %w", meta.KeyID, err)
		}
		m.recordRemaining(meta.KeyID, res)
		if !res.OK {
			continue
		}

		secret, err := m.secretStore.Fetch(ctx, meta.KeyID)
		if err != nil {
			// A key without a secret is unusable; skip it but leave its
			// health untouched (configuration problem, not a key failure).
			slog.Warn("Key has no secret, skipping", "key_id", meta.KeyID, "error", err)
			continue
		}
		return &Selection{
			KeyID:     meta.KeyID,
			Secret:    secret,
			ModelName: meta.ModelName,
			Provider:  meta.Provider,
		}, nil
	}
	return nil, ErrAllKeysExhausted
}

// candidates returns active keys matching the request, excluding
// cooled-down and explicitly excluded keys.
func (m *KeyManager) candidates(req SelectionRequest) []*models.APIKeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var exact, family []*models.APIKeyMetadata
	for _, meta := range m.keys {
		if !meta.Active {
			continue
		}
		if req.ExcludedKeys[meta.KeyID] {
			continue
		}
		if h := m.health[meta.KeyID]; h != nil && now.Before(h.cooldownUntil) {
			continue
		}
		if req.Tier != "" && meta.WorkloadTag != req.Tier {
			continue
		}
		switch {
		case req.ModelPreference == "" || meta.ModelName == req.ModelPreference:
			exact = append(exact, meta)
		case m.fallbackEnabled && matchesFamily(meta, req.ModelPreference):
			family = append(family, meta)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return family
}

// matchesFamily widens matching to the model family: a shared name prefix
// or an explicit tag on the key.
func matchesFamily(meta *models.APIKeyMetadata, preference string) bool {
	if strings.HasPrefix(meta.ModelName, preference) || strings.HasPrefix(preference, meta.ModelName) {
		return true
	}
	for _, tag := range meta.Tags {
		if tag == preference {
			return true
		}
	}
	return false
}

// weightedShuffle orders candidates by random draw weighted by last observed
// remaining RPM capacity, so traffic spreads away from hot keys.
func (m *KeyManager) weightedShuffle(candidates []*models.APIKeyMetadata) []*models.APIKeyMetadata {
	m.mu.RLock()
	type weighted struct {
		meta *models.APIKeyMetadata
		rank float64
	}
	ranked := make([]weighted, 0, len(candidates))
	for _, meta := range candidates {
		weight := 1.0
		if h := m.health[meta.KeyID]; h != nil && h.lastRemainingRPM > 0 {
			weight = float64(h.lastRemainingRPM)
		}
		// Exponential-draw trick: sorting by rand^(1/weight) descending
		// yields a weighted random permutation.
		ranked = append(ranked, weighted{meta: meta, rank: rand.Float64() * weight})
	}
	m.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].rank > ranked[j].rank })
	out := make([]*models.APIKeyMetadata, len(ranked))
	for i, w := range ranked {
		out[i] = w.meta
	}
	return out
}

func (m *KeyManager) recordRemaining(keyID string, res *ratelimit.Reservation) {
	if res.Permissive {
		return
	}
	m.mu.Lock()
	if h, ok := m.health[keyID]; ok {
		h.lastRemainingRPM = res.RemainingRPM
	}
	m.mu.Unlock()
}

// ReportSuccess records a successful call on a key and clears any cooldown.
func (m *KeyManager) ReportSuccess(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[keyID]
	if !ok {
		return
	}
	h.successCount++
	h.consecutiveErrors = 0
	h.cooldownUntil = time.Time{}
	h.lastUsed = m.now()
}

// ReportError records a failed call and places the key in exponential-backoff
// cooldown: base 30s, doubling per consecutive error, capped at 15m.
func (m *KeyManager) ReportError(keyID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[keyID]
	if !ok {
		return
	}
	h.errorCount++
	h.consecutiveErrors++
	backoff := cooldownBase << (h.consecutiveErrors - 1)
	if backoff > cooldownCap || backoff <= 0 {
		backoff = cooldownCap
	}
	h.cooldownUntil = m.now().Add(backoff)
	slog.Warn("Key placed in cooldown",
		"key_id", keyID,
		"reason", reason,
		"consecutive_errors", h.consecutiveErrors,
		"cooldown_until", h.cooldownUntil)
}

// GetHealthStatus returns a snapshot of per-key health.
func (m *KeyManager) GetHealthStatus() map[string]models.KeyHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make(map[string]models.KeyHealth, len(m.keys))
	for id, meta := range m.keys {
		h := m.health[id]
		out[id] = models.KeyHealth{
			Active:        meta.Active,
			LastUsed:      h.lastUsed,
			SuccessCount:  h.successCount,
			ErrorCount:    h.errorCount,
			CooldownUntil: h.cooldownUntil,
			InCooldown:    now.Before(h.cooldownUntil),
		}
	}
	return out
}

// Metadata returns the catalog entry for a key id.
func (m *KeyManager) Metadata(keyID string) (*models.APIKeyMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	copied := *meta
	return &copied, nil
}

// HasTier reports whether any active key carries the given workload tier.
func (m *KeyManager) HasTier(tier models.WorkloadTag) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, meta := range m.keys {
		if meta.Active && meta.WorkloadTag == tier {
			return true
		}
	}
	return false
}
