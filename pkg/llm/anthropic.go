package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quantforge/quantforge/pkg/models"
)

// AnthropicClient adapts the Anthropic Messages API to the Client interface.
// A fresh SDK client is constructed per call because the API key changes
// between attempts as the router rotates keys.
type AnthropicClient struct {
	opts []option.RequestOption
}

// NewAnthropicClient creates an adapter. Extra request options (base URL
// override, custom HTTP client) apply to every call.
func NewAnthropicClient(opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{opts: opts}
}

// Chat implements Client.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	opts := append([]option.RequestOption{option.WithAPIKey(req.APIKey)}, c.opts...)
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxOutputTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{StatusCode: apiErr.StatusCode, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{StatusCode: 0, Err: err}
	}

	content := extractText(msg)
	resp := &ChatResponse{
		Content:      content,
		FinishReason: mapStopReason(msg.StopReason, content),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	return resp, nil
}

func toAnthropicMessages(messages []models.ConversationMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleSystem:
			// System turns travel in params.System, not the message list.
			continue
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func extractText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// mapStopReason normalizes the provider stop reason. A structured response
// containing no usable content is treated as a safety block even when the
// provider did not flag it; observed refusals sometimes arrive that way.
func mapStopReason(reason anthropic.StopReason, content string) FinishReason {
	switch reason {
	case anthropic.StopReasonRefusal:
		return FinishSafetyBlock
	case anthropic.StopReasonMaxTokens:
		return FinishLengthCap
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		if strings.TrimSpace(content) == "" {
			return FinishSafetyBlock
		}
		return FinishOK
	default:
		if strings.TrimSpace(content) == "" {
			return FinishSafetyBlock
		}
		return FinishOK
	}
}
