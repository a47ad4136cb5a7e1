// Package llm defines the abstract provider surface the router calls.
// Providers are hidden behind Client; the router never sees wire formats.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantforge/quantforge/pkg/models"
)

// FinishReason is the normalized completion status of a provider call.
type FinishReason string

// Finish reasons the router must recognize.
const (
	FinishOK          FinishReason = "ok"
	FinishSafetyBlock FinishReason = "safety_block"
	FinishLengthCap   FinishReason = "length_cap"
	FinishError       FinishReason = "error"
)

// ChatRequest is one provider call. The full message list is reconstructed
// by the router on every call; safety and system options are passed
// explicitly every time rather than relying on provider-side session state.
type ChatRequest struct {
	Messages        []models.ConversationMessage
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
	Temperature     float64

	// APIKey is the secret for this single call. It is never retained by
	// the adapter.
	APIKey string
}

// Usage is the provider-reported token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

// ChatResponse is the normalized provider response.
type ChatResponse struct {
	Content      string
	FinishReason FinishReason
	Usage        Usage
}

// Client is the abstract LLM provider.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ProviderError is a transport- or HTTP-level provider failure carrying the
// status code the router's retry protocol classifies on.
type ProviderError struct {
	StatusCode int
	Err        error
}

// Error implements error.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %v", e.StatusCode, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == 429
}

// IsTransient reports whether err is retryable on another key: provider
// 5xx, timeout, or connection failure. A status code of 0 means the request
// never reached the provider (network error).
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.StatusCode {
	case 0, 502, 503, 504:
		return true
	}
	return false
}
