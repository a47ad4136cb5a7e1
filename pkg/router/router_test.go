package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/quantforge/pkg/llm"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/ratelimit"
)

// scriptedProvider returns canned responses keyed by the API key used,
// recording every request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	requests []*llm.ChatRequest
	byKey    map[string]func() (*llm.ChatResponse, error)
	fallback func() (*llm.ChatResponse, error)
}

func (p *scriptedProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	copied := *req
	p.requests = append(p.requests, &copied)
	handler := p.byKey[req.APIKey]
	p.mu.Unlock()
	if handler != nil {
		return handler()
	}
	if p.fallback != nil {
		return p.fallback()
	}
	return &llm.ChatResponse{Content: "ok", FinishReason: llm.FinishOK, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *scriptedProvider) keysUsed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, r := range p.requests {
		out[i] = r.APIKey
	}
	return out
}

func newTestRouter(t *testing.T, provider llm.Client) (*Router, *KeyManager, *InMemoryConversationStore) {
	t.Helper()
	keys := NewKeyManager(testKeys(), ratelimit.Unlimited{}, testSecrets(), true)
	store := NewInMemoryConversationStore(time.Hour)
	r := New(Config{MaxRetries: 3, BaseBackoff: 500 * time.Millisecond, EscalationEnabled: true}, keys, store, provider)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, keys, store
}

func TestSendChat_Success(t *testing.T) {
	provider := &scriptedProvider{}
	r, _, store := newTestRouter(t, provider)

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID:  "c1",
		Prompt:          "write a strategy",
		ModelPreference: "flash",
		MaxOutputTokens: 1024,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, "flash", result.Model)
	assert.Contains(t, []string{"flash-1", "flash-2"}, result.KeyID)
	assert.Equal(t, 15, result.Tokens.TotalTokens())

	record, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, record.Messages, 2)
	assert.Equal(t, models.RoleUser, record.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, record.Messages[1].Role)
	assert.Equal(t, "flash", record.Metadata.LastModel)
}

func TestSendChat_HistoryRebuiltEveryCall(t *testing.T) {
	provider := &scriptedProvider{}
	r, _, _ := newTestRouter(t, provider)
	ctx := context.Background()

	_, err := r.SendChat(ctx, &ChatRequest{ConversationID: "c1", Prompt: "first", ModelPreference: "flash"})
	require.NoError(t, err)
	_, err = r.SendChat(ctx, &ChatRequest{ConversationID: "c1", Prompt: "second", ModelPreference: "flash", SystemPrompt: "be terse"})
	require.NoError(t, err)

	last := provider.requests[len(provider.requests)-1]
	require.Len(t, last.Messages, 3, "full history plus new turn on every call")
	assert.Equal(t, "first", last.Messages[0].Content)
	assert.Equal(t, "second", last.Messages[2].Content)
	assert.Equal(t, "be terse", last.SystemPrompt, "system options re-applied on every call")
}

// Universal invariant: a key that failed with a retryable error in attempt N
// is excluded from later attempts within the same call.
func TestSendChat_KeyExclusionOnRetry(t *testing.T) {
	rateLimited := func() (*llm.ChatResponse, error) {
		return nil, &llm.ProviderError{StatusCode: 429, Err: errors.New("quota")}
	}
	provider := &scriptedProvider{byKey: map[string]func() (*llm.ChatResponse, error){
		"sk-flash-1": rateLimited,
		"sk-flash-2": rateLimited,
	}}
	r, _, _ := newTestRouter(t, provider)

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)

	used := provider.keysUsed()
	seen := map[string]int{}
	for _, k := range used {
		seen[k]++
	}
	for key, count := range seen {
		assert.LessOrEqual(t, count, 1, "key %s retried within the same call", key)
	}
}

// Scenario C: safety block on a light-tier key escalates to the heavy tier
// without touching the light key's health counters.
func TestSendChat_SafetyEscalation(t *testing.T) {
	provider := &scriptedProvider{
		byKey: map[string]func() (*llm.ChatResponse, error){
			"sk-flash-1": func() (*llm.ChatResponse, error) {
				return &llm.ChatResponse{Content: "", FinishReason: llm.FinishSafetyBlock}, nil
			},
			"sk-flash-2": func() (*llm.ChatResponse, error) {
				return &llm.ChatResponse{Content: "", FinishReason: llm.FinishSafetyBlock}, nil
			},
			"sk-pro-1": func() (*llm.ChatResponse, error) {
				return &llm.ChatResponse{Content: "heavy model output", FinishReason: llm.FinishOK}, nil
			},
		},
	}
	r, keys, _ := newTestRouter(t, provider)
	before := keys.GetHealthStatus()

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "pro-1", result.KeyID)
	assert.Equal(t, "heavy model output", result.Content)

	after := keys.GetHealthStatus()
	for _, id := range []string{"flash-1", "flash-2"} {
		assert.Equal(t, before[id].SuccessCount, after[id].SuccessCount, "%s success count changed", id)
		assert.Equal(t, before[id].ErrorCount, after[id].ErrorCount, "%s error count changed", id)
		assert.False(t, after[id].InCooldown, "%s must not enter cooldown on safety block", id)
	}
}

func TestSendChat_SafetyBlockedWhenHeavyTierExhausted(t *testing.T) {
	blocked := func() (*llm.ChatResponse, error) {
		return &llm.ChatResponse{FinishReason: llm.FinishSafetyBlock}, nil
	}
	provider := &scriptedProvider{fallback: blocked}
	r, _, _ := newTestRouter(t, provider)

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorSafetyBlocked, result.ErrorType)
}

// Scenario D: every key rate-limited. The router retries with exponential
// backoff, cools every key down, and surfaces all_keys_exhausted.
func TestSendChat_AllKeysRateLimited(t *testing.T) {
	provider := &scriptedProvider{fallback: func() (*llm.ChatResponse, error) {
		return nil, &llm.ProviderError{StatusCode: 429, Err: errors.New("quota")}
	}}

	keys := NewKeyManager(testKeys(), ratelimit.Unlimited{}, testSecrets(), true)
	store := NewInMemoryConversationStore(time.Hour)
	r := New(Config{MaxRetries: 3, BaseBackoff: 500 * time.Millisecond}, keys, store, provider)

	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorAllKeysExhausted, result.ErrorType)

	// Waits follow 500ms, 1000ms, ... with ±25% jitter.
	require.NotEmpty(t, waits)
	for i, w := range waits {
		base := 500 * time.Millisecond << i
		assert.GreaterOrEqual(t, w, time.Duration(float64(base)*0.75), "wait %d below jitter floor", i)
		assert.LessOrEqual(t, w, time.Duration(float64(base)*1.25), "wait %d above jitter ceiling", i)
	}

	health := keys.GetHealthStatus()
	for _, id := range []string{"flash-1", "flash-2"} {
		if health[id].ErrorCount > 0 {
			assert.True(t, health[id].InCooldown, "rate-limited key %s must be cooling down", id)
		}
	}
}

func TestSendChat_NonRetryableReturnsImmediately(t *testing.T) {
	provider := &scriptedProvider{fallback: func() (*llm.ChatResponse, error) {
		return nil, &llm.ProviderError{StatusCode: 400, Err: errors.New("bad request")}
	}}
	r, _, _ := newTestRouter(t, provider)

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorNonRetryable, result.ErrorType)
	assert.Len(t, provider.requests, 1, "no retry on non-retryable errors")
}

func TestSendChat_FailureLeavesConversationUnchanged(t *testing.T) {
	provider := &scriptedProvider{fallback: func() (*llm.ChatResponse, error) {
		return nil, &llm.ProviderError{StatusCode: 400, Err: errors.New("bad request")}
	}}
	r, _, store := newTestRouter(t, provider)

	_, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrConversationNotFound, "failed call must not persist turns")
}

// Universal invariant: no secret material leaks into results or persisted
// conversation records.
func TestSendChat_NeverLeaksSecrets(t *testing.T) {
	provider := &scriptedProvider{}
	r, _, store := newTestRouter(t, provider)

	result, err := r.SendChat(context.Background(), &ChatRequest{
		ConversationID: "c1", Prompt: "p", ModelPreference: "flash",
	})
	require.NoError(t, err)

	resultJSON, err := json.Marshal(result)
	require.NoError(t, err)
	record, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	recordJSON, err := json.Marshal(record)
	require.NoError(t, err)

	for _, secret := range []string{"sk-flash-1", "sk-flash-2", "sk-pro-1"} {
		assert.NotContains(t, string(resultJSON), secret)
		assert.NotContains(t, string(recordJSON), secret)
	}
}

func TestSendOneShot_NoPersistence(t *testing.T) {
	provider := &scriptedProvider{}
	r, _, store := newTestRouter(t, provider)

	result, err := r.SendOneShot(context.Background(), &ChatRequest{
		Prompt: "one shot", ModelPreference: "flash",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = store.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSendChat_CancelledContext(t *testing.T) {
	provider := &scriptedProvider{fallback: func() (*llm.ChatResponse, error) {
		return nil, &llm.ProviderError{StatusCode: 429, Err: errors.New("quota")}
	}}
	keys := NewKeyManager(testKeys(), ratelimit.Unlimited{}, testSecrets(), true)
	r := New(Config{MaxRetries: 3}, keys, NewInMemoryConversationStore(time.Hour), provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := r.SendChat(ctx, &ChatRequest{ConversationID: "c1", Prompt: "p", ModelPreference: "flash"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorNonRetryable, result.ErrorType)
}

func TestHealthCheck(t *testing.T) {
	provider := &scriptedProvider{}
	r, keys, _ := newTestRouter(t, provider)

	status := r.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.ConversationStoreOK)
	assert.Equal(t, 3, status.UsableKeys, "three active keys, one inactive")

	keys.ReportError("flash-1", "test")
	keys.ReportError("flash-2", "test")
	keys.ReportError("pro-1", "test")
	status = r.HealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.Zero(t, status.UsableKeys)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
