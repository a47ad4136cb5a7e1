package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewWorkflowID returns a fresh workflow id of the form "wf_<12hex>".
func NewWorkflowID() string {
	return "wf_" + hex12()
}

// NewTaskID returns a fresh task id of the form "task_<12hex>".
func NewTaskID() string {
	return "task_" + hex12()
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return "corr_" + hex12()
}

// NewConversationID returns a fresh conversation id.
func NewConversationID() string {
	return "conv_" + hex12()
}

// NewEventID returns a fresh event id.
func NewEventID() string {
	return uuid.NewString()
}

// NewAttemptID returns a fresh artifact attempt id.
func NewAttemptID() string {
	return "attempt_" + hex12()
}

func hex12() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
