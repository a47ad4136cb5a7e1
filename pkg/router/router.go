package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/quantforge/quantforge/pkg/llm"
	"github.com/quantforge/quantforge/pkg/models"
)

// ErrorType classifies a terminal router failure for callers.
type ErrorType string

// Router error types.
const (
	ErrorRateLimited      ErrorType = "rate_limited"
	ErrorSafetyBlocked    ErrorType = "safety_blocked"
	ErrorAllKeysExhausted ErrorType = "all_keys_exhausted"
	ErrorNonRetryable     ErrorType = "non_retryable"
)

// ChatRequest is one routed chat call.
type ChatRequest struct {
	ConversationID           string
	Prompt                   string
	ModelPreference          string
	ExpectedCompletionTokens int
	MaxOutputTokens          int
	Temperature              float64
	SystemPrompt             string
	TaskType                 string
}

// ChatResult is the routed call outcome. Secrets never appear here: the
// result carries the key id only.
type ChatResult struct {
	Success   bool
	Content   string
	Model     string
	KeyID     string
	Tokens    llm.Usage
	Error     string
	ErrorType ErrorType
}

// Config tunes the retry protocol.
type Config struct {
	// MaxRetries is the number of distinct-key attempts per call (default 3).
	MaxRetries int

	// BaseBackoff is the initial retry wait; attempt n waits
	// BaseBackoff * 2^n with ±25% jitter (default 500ms).
	BaseBackoff time.Duration

	// EscalationEnabled turns safety-block tier escalation on.
	EscalationEnabled bool

	// PerAttemptTimeout bounds a single provider call (default 60s).
	PerAttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.PerAttemptTimeout <= 0 {
		c.PerAttemptTimeout = 60 * time.Second
	}
	return c
}

// Router fronts all LLM calls with multi-key rotation, rate limiting,
// retry, and conversation bookkeeping. Safe for concurrent callers.
type Router struct {
	cfg      Config
	keys     *KeyManager
	store    ConversationStore
	provider llm.Client
	now      func() time.Time

	// sleep waits for the backoff duration; injectable so tests don't
	// spend wall-clock time. Must honor context cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a router.
func New(cfg Config, keys *KeyManager, store ConversationStore, provider llm.Client) *Router {
	return &Router{
		cfg:      cfg.withDefaults(),
		keys:     keys,
		store:    store,
		provider: provider,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendChat runs one conversational call: reads the conversation history,
// obtains a key, calls the provider, persists both turns, and returns.
// The full history plus system prompt is rebuilt and passed on every call;
// provider-side session objects are never relied on for settings.
func (r *Router) SendChat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	record, err := r.store.Get(ctx, req.ConversationID)
	if err != nil {
		record = &models.ConversationRecord{ConversationID: req.ConversationID}
	}

	userTurn := models.ConversationMessage{
		Role:          models.RoleUser,
		Content:       req.Prompt,
		TokenEstimate: EstimateTokens(req.Prompt),
		Timestamp:     r.now(),
	}
	history := append(append([]models.ConversationMessage{}, record.Messages...), userTurn)

	result := r.attempt(ctx, req, history)
	if !result.Success {
		return result, nil
	}

	record.Append(userTurn)
	assistantTokens := result.Tokens.OutputTokens
	if assistantTokens == 0 {
		assistantTokens = EstimateTokens(result.Content)
	}
	record.Append(models.ConversationMessage{
		Role:          models.RoleAssistant,
		Content:       result.Content,
		TokenEstimate: assistantTokens,
		Timestamp:     r.now(),
	})
	record.Metadata.LastModel = result.Model
	if total := result.Tokens.TotalTokens(); total > 0 {
		// Provider-reported counts overwrite the chars/4 estimate.
		record.Metadata.TotalTokens = total
	}
	if err := r.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting conversation %s: %w", req.ConversationID, err)
	}
	return result, nil
}

// SendOneShot runs a single call without conversation persistence.
func (r *Router) SendOneShot(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	userTurn := models.ConversationMessage{
		Role:          models.RoleUser,
		Content:       req.Prompt,
		TokenEstimate: EstimateTokens(req.Prompt),
		Timestamp:     r.now(),
	}
	return r.attempt(ctx, req, []models.ConversationMessage{userTurn}), nil
}

// attempt runs the retry loop: up to MaxRetries attempts over distinct keys,
// with exponential backoff between attempts and at most one in-flight
// provider call at any time.
func (r *Router) attempt(ctx context.Context, req *ChatRequest, history []models.ConversationMessage) *ChatResult {
	log := slog.With("conversation_id", req.ConversationID, "model_preference", req.ModelPreference)

	excluded := make(map[string]bool)
	modelPref := req.ModelPreference
	var tier models.WorkloadTag
	escalated := false
	var lastErr string
	lastType := ErrorAllKeysExhausted

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return failure(ErrorNonRetryable, ctx.Err().Error())
		}

		sel, err := r.keys.Select(ctx, SelectionRequest{
			ModelPreference:          modelPref,
			Tier:                     tier,
			ExpectedCompletionTokens: req.ExpectedCompletionTokens,
			ExcludedKeys:             excluded,
		})
		if err != nil {
			lastErr = err.Error()
			lastType = ErrorAllKeysExhausted
			if attempt < r.cfg.MaxRetries-1 {
				if werr := r.backoff(ctx, attempt); werr != nil {
					return failure(ErrorNonRetryable, werr.Error())
				}
				continue
			}
			break
		}

		resp, callErr := r.call(ctx, req, sel, history)
		if callErr != nil {
			switch {
			case llm.IsRateLimited(callErr):
				log.Warn("Provider rate limited, rotating key", "key_id", sel.KeyID, "attempt", attempt)
				r.keys.ReportError(sel.KeyID, "rate_limited")
				excluded[sel.KeyID] = true
				lastErr = callErr.Error()
				lastType = ErrorRateLimited
			case llm.IsTransient(callErr):
				log.Warn("Transient provider error, rotating key", "key_id", sel.KeyID, "attempt", attempt, "error", callErr)
				r.keys.ReportError(sel.KeyID, "transient")
				excluded[sel.KeyID] = true
				lastErr = callErr.Error()
				lastType = ErrorRateLimited
			default:
				r.keys.ReportError(sel.KeyID, "non_retryable")
				return failure(ErrorNonRetryable, callErr.Error())
			}
			if attempt < r.cfg.MaxRetries-1 {
				if werr := r.backoff(ctx, attempt); werr != nil {
					return failure(ErrorNonRetryable, werr.Error())
				}
			}
			continue
		}

		if resp.FinishReason == llm.FinishSafetyBlock {
			// Content refusal, not a key problem: health stays untouched
			// and the key is not excluded. Escalate the workload tier once.
			if r.cfg.EscalationEnabled && !escalated && r.keys.HasTier(models.WorkloadHeavy) {
				log.Info("Safety block, escalating to heavy tier", "key_id", sel.KeyID)
				escalated = true
				tier = models.WorkloadHeavy
				// Widen the model preference: the heavy tier serves a
				// different model than the one originally requested.
				modelPref = ""
				continue
			}
			return failure(ErrorSafetyBlocked, "provider refused on content grounds")
		}

		r.keys.ReportSuccess(sel.KeyID)
		return &ChatResult{
			Success: true,
			Content: resp.Content,
			Model:   sel.ModelName,
			KeyID:   sel.KeyID,
			Tokens:  resp.Usage,
		}
	}

	if lastType == ErrorRateLimited {
		// Every key was tried and cooled down.
		lastType = ErrorAllKeysExhausted
	}
	if lastErr == "" {
		lastErr = "all keys exhausted"
	}
	return failure(lastType, lastErr)
}

// call runs one bounded provider call.
func (r *Router) call(ctx context.Context, req *ChatRequest, sel *Selection, history []models.ConversationMessage) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.PerAttemptTimeout)
	defer cancel()

	return r.provider.Chat(callCtx, &llm.ChatRequest{
		Messages:        history,
		Model:           sel.ModelName,
		SystemPrompt:    req.SystemPrompt,
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
		APIKey:          sel.Secret,
	})
}

// backoff waits BaseBackoff * 2^attempt with ±25% jitter, honoring ctx.
func (r *Router) backoff(ctx context.Context, attempt int) error {
	base := r.cfg.BaseBackoff << attempt
	jitter := 0.75 + rand.Float64()*0.5
	return r.sleep(ctx, time.Duration(float64(base)*jitter))
}

// HealthCheck aggregates key and store health.
func (r *Router) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Keys: r.keys.GetHealthStatus()}
	if err := r.store.Ping(ctx); err != nil {
		status.ConversationStoreError = err.Error()
	} else {
		status.ConversationStoreOK = true
	}
	for _, h := range status.Keys {
		if h.Active && !h.InCooldown {
			status.UsableKeys++
		}
	}
	status.Healthy = status.ConversationStoreOK && status.UsableKeys > 0
	return status
}

// HealthStatus is the aggregated router health snapshot.
type HealthStatus struct {
	Healthy                bool                       `json:"healthy"`
	UsableKeys             int                        `json:"usable_keys"`
	ConversationStoreOK    bool                       `json:"conversation_store_ok"`
	ConversationStoreError string                     `json:"conversation_store_error,omitempty"`
	Keys                   map[string]models.KeyHealth `json:"keys"`
}

// EstimateTokens approximates token count with the chars/4 heuristic used
// for TPM reservation. Provider-reported counts overwrite it afterwards.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func failure(t ErrorType, msg string) *ChatResult {
	return &ChatResult{Success: false, Error: msg, ErrorType: t}
}
