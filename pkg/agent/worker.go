package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantforge/quantforge/pkg/bus"
	"github.com/quantforge/quantforge/pkg/models"
)

// Worker binds an agent to its request channel: it consumes dispatch events,
// executes the agent, and publishes the result. Redeliveries are deduplicated
// by the event idempotency key, as required by at-least-once delivery.
type Worker struct {
	agent Agent
	bus   bus.Bus
	sub   bus.Subscription

	mu   sync.Mutex
	seen map[string]bool
}

// NewWorker creates a worker for the agent.
func NewWorker(a Agent, b bus.Bus) *Worker {
	return &Worker{agent: a, bus: b, seen: make(map[string]bool)}
}

// Start subscribes to the agent's role channel. The subscription lives until
// Stop or context cancellation.
func (w *Worker) Start(ctx context.Context) error {
	channel := bus.RoleChannel(w.agent.Role())
	sub, err := w.bus.Subscribe(ctx, channel, bus.FilterByRole(w.agent.Role(), w.handle))
	if err != nil {
		return fmt.Errorf("subscribing %s worker: %w", w.agent.Role(), err)
	}
	w.sub = sub
	slog.Info("Agent worker started", "role", w.agent.Role(), "channel", channel)
	return nil
}

// Stop closes the subscription.
func (w *Worker) Stop() {
	if w.sub != nil {
		_ = w.sub.Close()
	}
}

func (w *Worker) handle(ctx context.Context, event *models.Event) error {
	key := event.IdempotencyKey()
	w.mu.Lock()
	if w.seen[key] {
		w.mu.Unlock()
		slog.Debug("Duplicate dispatch ignored", "idempotency_key", key)
		return nil
	}
	w.seen[key] = true
	w.mu.Unlock()

	var payload models.TaskDispatchPayload
	if err := event.DecodeData(&payload); err != nil {
		return fmt.Errorf("decoding dispatch payload: %w", err)
	}
	task := payload.Task
	log := slog.With(
		"role", w.agent.Role(),
		"correlation_id", event.CorrelationID,
		"workflow_id", event.WorkflowID,
		"task_id", task.ID)

	// The correlation id rides along in metadata so failure reports can
	// echo it without the agent knowing about the bus.
	if task.Metadata == nil {
		task.Metadata = map[string]string{}
	}
	task.Metadata[models.MetadataKeyCorrelationID] = event.CorrelationID

	log.Info("Task execution started")
	result, err := w.agent.Execute(ctx, task)

	outcome := &models.TaskResultPayload{TaskID: task.ID}
	switch {
	case err != nil:
		log.Error("Task execution failed", "error", err)
		outcome.Status = models.TaskStatusFailed
		outcome.Output = err.Error()
	case result.Failed():
		log.Info("Task produced failure classification", "kind", result.Failure.Kind)
		outcome.Status = models.TaskStatusFailed
		outcome.Output = result.Output
		outcome.Failure = result.Failure
		outcome.ArtifactRefs = result.ArtifactRefs
	default:
		log.Info("Task completed")
		outcome.Status = models.TaskStatusCompleted
		outcome.Output = result.Output
		outcome.ArtifactRefs = result.ArtifactRefs
	}

	resultEvent := &models.Event{
		EventID:       models.NewEventID(),
		EventType:     bus.EventTypeTaskResult,
		CorrelationID: event.CorrelationID,
		WorkflowID:    event.WorkflowID,
		TaskID:        task.ID,
		SourceAgent:   string(w.agent.Role()),
		Timestamp:     time.Now().UTC(),
	}
	if err := resultEvent.EncodeData(outcome); err != nil {
		return fmt.Errorf("encoding task result: %w", err)
	}
	return w.bus.Publish(ctx, bus.ChannelTaskResults, resultEvent)
}
