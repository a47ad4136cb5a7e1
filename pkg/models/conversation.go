package models

import "time"

// MessageRole is the speaker of one conversation turn.
type MessageRole string

// Conversation message roles.
const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one turn in an LLM conversation.
type ConversationMessage struct {
	Role          MessageRole `json:"role"`
	Content       string      `json:"content"`
	TokenEstimate int         `json:"token_estimate,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ConversationMetadata summarizes a conversation record.
type ConversationMetadata struct {
	MessageCount int    `json:"message_count"`
	TotalTokens  int    `json:"total_tokens"`
	LastModel    string `json:"last_model,omitempty"`
}

// ConversationRecord is the persisted message history for one LLM session.
// The history is independent of which key served each turn; the router
// swaps keys mid-conversation transparently and key ids are never stored here.
type ConversationRecord struct {
	ConversationID string                `json:"conversation_id"`
	Messages       []ConversationMessage `json:"messages"`
	Metadata       ConversationMetadata  `json:"metadata"`
}

// Append adds a message and keeps the metadata counters consistent.
func (r *ConversationRecord) Append(msg ConversationMessage) {
	r.Messages = append(r.Messages, msg)
	r.Metadata.MessageCount = len(r.Messages)
	r.Metadata.TotalTokens += msg.TokenEstimate
}
