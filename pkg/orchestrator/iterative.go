package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantforge/quantforge/pkg/bus"
	"github.com/quantforge/quantforge/pkg/models"
)

// FixMaker produces fix-tasks for one failed task. Satisfied by the
// debugger agent; tests script it.
type FixMaker interface {
	MakeFixTasks(ctx context.Context, workflowID string, failed *models.TodoItem, report *models.FailureReport) []*models.TodoItem
}

// ErrMaxIterations is returned when the loop exhausts its iteration budget
// with tasks still failing.
var ErrMaxIterations = errors.New("iteration budget exhausted")

// LoopConfig tunes the iterative loop.
type LoopConfig struct {
	MaxIterations int           // default 5
	MaxDuration   time.Duration // default 1h, hard wall for the whole loop
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	return c
}

// RunIterative drives a workflow to completion: execute, then for every
// failure generate fix-tasks, append them to the persisted list, reload, and
// execute again. Failed tasks are never retried in place; progress happens
// only through fresh fix-tasks. Returns the terminal workflow status.
func (o *Orchestrator) RunIterative(ctx context.Context, workflowID string, fixer FixMaker, cfg LoopConfig) (models.WorkflowStatus, error) {
	cfg = cfg.withDefaults()
	wf, err := o.get(workflowID)
	if err != nil {
		return models.WorkflowStatusAborted, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.MaxDuration)
	defer cancel()

	log := slog.With("workflow_id", workflowID, "correlation_id", wf.correlationID)
	o.publishWorkflowEvent(ctx, wf, models.WorkflowStatusRunning, 0, "workflow started")

	// Each failed task gets exactly one round of fix-tasks; it stays failed
	// across reloads and must not spawn duplicates on later iterations.
	handled := make(map[string]bool)

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		o.mu.Lock()
		wf.iteration = iteration
		o.mu.Unlock()
		log.Info("Iteration starting", "iteration", iteration)

		if err := o.ExecuteWorkflow(ctx, workflowID); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				o.publishWorkflowEvent(ctx, wf, models.WorkflowStatusAborted, iteration, err.Error())
				return models.WorkflowStatusAborted, err
			}
			return models.WorkflowStatusAborted, err
		}

		if o.succeeded(workflowID) {
			log.Info("Workflow succeeded", "iterations", iteration)
			o.publishWorkflowEvent(ctx, wf, models.WorkflowStatusSuccess, iteration, "")
			return models.WorkflowStatusSuccess, nil
		}

		fixes, err := o.generateFixTasks(ctx, wf, fixer, handled)
		if err != nil {
			return models.WorkflowStatusAborted, err
		}
		if len(fixes) == 0 {
			// Nothing left to try; iterating further cannot change the outcome.
			log.Info("No fix-tasks generated, stopping", "iteration", iteration)
			break
		}

		if err := o.store.Append(workflowID, fixes); err != nil {
			return models.WorkflowStatusAborted, fmt.Errorf("appending fix-tasks: %w", err)
		}
		if err := o.ReloadWorkflowTasks(workflowID); err != nil {
			return models.WorkflowStatusAborted, err
		}
		log.Info("Fix-tasks appended", "iteration", iteration, "count", len(fixes))
		o.publishWorkflowEvent(ctx, wf, models.WorkflowStatusRunning, iteration, fmt.Sprintf("%d fix-tasks appended", len(fixes)))
	}

	o.publishWorkflowEvent(ctx, wf, models.WorkflowStatusFailedAfterIteration, wf.iteration, ErrMaxIterations.Error())
	return models.WorkflowStatusFailedAfterIteration, ErrMaxIterations
}

// generateFixTasks collects fix-tasks for every not-yet-handled failure.
func (o *Orchestrator) generateFixTasks(ctx context.Context, wf *workflow, fixer FixMaker, handled map[string]bool) ([]*models.TodoItem, error) {
	list, err := o.store.Load(wf.id)
	if err != nil {
		return nil, err
	}

	var fixes []*models.TodoItem
	for _, state := range o.failedTasks(wf.id) {
		if handled[state.TaskID] {
			continue
		}
		handled[state.TaskID] = true

		item := list.Item(state.TaskID)
		if item == nil {
			continue
		}
		o.mu.Lock()
		report := wf.failures[state.TaskID]
		o.mu.Unlock()
		if report == nil {
			// No classification arrived with the failure (dispatch error or
			// result timeout). Treat it as infrastructure so the task chain
			// gets one fresh run.
			report = &models.FailureReport{
				Kind:          models.FailureSandboxError,
				Traceback:     state.LastError,
				CorrelationID: wf.correlationID,
			}
		}
		fixes = append(fixes, fixer.MakeFixTasks(ctx, wf.id, item, report)...)
	}
	return fixes, nil
}

// publishWorkflowEvent emits a lifecycle transition on WORKFLOW_EVENTS.
// Publish failures are logged, not propagated; the loop's outcome does not
// depend on observers.
func (o *Orchestrator) publishWorkflowEvent(ctx context.Context, wf *workflow, status models.WorkflowStatus, iteration int, reason string) {
	lastErrors := make(map[string]string)
	for _, state := range o.failedTasks(wf.id) {
		lastErrors[state.TaskID] = state.LastError
	}

	event := &models.Event{
		EventID:       models.NewEventID(),
		EventType:     bus.EventTypeWorkflowStatus,
		CorrelationID: wf.correlationID,
		WorkflowID:    wf.id,
		SourceAgent:   "orchestrator",
		Timestamp:     time.Now().UTC(),
	}
	payload := &models.WorkflowEventPayload{
		Status:     status,
		Iteration:  iteration,
		LastErrors: lastErrors,
		Reason:     reason,
	}
	if err := event.EncodeData(payload); err != nil {
		slog.Error("Encoding workflow event", "workflow_id", wf.id, "error", err)
		return
	}
	if err := o.bus.Publish(ctx, bus.ChannelWorkflowEvents, event); err != nil {
		slog.Warn("Publishing workflow event", "workflow_id", wf.id, "status", status, "error", err)
	}
}
