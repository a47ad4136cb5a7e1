package models

import (
	"encoding/json"
	"time"
)

// Event is the envelope for every message carried by the bus. The
// correlation id threads through every event of a workflow end to end.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	WorkflowID    string          `json:"workflow_id"`
	TaskID        string          `json:"task_id,omitempty"`
	SourceAgent   string          `json:"source_agent"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// IdempotencyKey returns the key consumers use to deduplicate redeliveries.
// At-least-once delivery means the same logical event may arrive twice.
func (e *Event) IdempotencyKey() string {
	return e.CorrelationID + "/" + e.TaskID + "/" + e.EventType
}

// DecodeData unmarshals the event payload into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// EncodeData marshals v into the event payload.
func (e *Event) EncodeData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

// TaskDispatchPayload is the payload of a task dispatch event sent to an
// agent request channel.
type TaskDispatchPayload struct {
	Task             *TodoItem `json:"task"`
	PrevStageContext string    `json:"prev_stage_context,omitempty"`
}

// TaskResultPayload is the payload of a task result event published on
// the TASK_RESULTS channel.
type TaskResultPayload struct {
	TaskID       string         `json:"task_id"`
	Status       TaskStatus     `json:"status"`
	Output       string         `json:"output,omitempty"`
	ArtifactRefs []string       `json:"artifact_refs,omitempty"`
	Failure      *FailureReport `json:"failure,omitempty"`
}

// WorkflowEventPayload is published on WORKFLOW_EVENTS for lifecycle
// transitions (started, iteration, terminal).
type WorkflowEventPayload struct {
	Status     WorkflowStatus    `json:"status"`
	Iteration  int               `json:"iteration"`
	LastErrors map[string]string `json:"last_errors,omitempty"` // task id → last error
	Reason     string            `json:"reason,omitempty"`
}
