package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/router"
)

const debuggerSystemPrompt = `You are a debugging agent. Given a failure report from an
automated backtest pipeline, explain in two or three sentences what most
likely went wrong and what change would fix it. Plain text only.`

// maxTracebackChars bounds how much raw output is forwarded into prompts
// and fix-task descriptions.
const maxTracebackChars = 4000

// Debugger turns failure reports into fix-tasks. The LLM supplies the fix
// description when available; a template is used when the call fails so the
// iterative loop never stalls on a debugging-time outage.
type Debugger struct {
	chat ChatService
}

// NewDebugger creates a debugger.
func NewDebugger(chat ChatService) *Debugger {
	return &Debugger{chat: chat}
}

// Role implements Agent.
func (d *Debugger) Role() models.AgentRole { return models.RoleDebugger }

// Execute implements Agent for bus-dispatched debugging tasks. The
// orchestrator normally calls MakeFixTasks directly.
func (d *Debugger) Execute(ctx context.Context, task *models.TodoItem) (*Result, error) {
	if _, err := requireWorkflowID(task); err != nil {
		return nil, err
	}
	return &Result{Output: "debugger tasks are produced via fix-task generation"}, nil
}

// MakeFixTasks produces the fix-tasks for one failed task. The returned
// items carry fresh ids; the failed task itself is never retried in place.
// A sandbox_error yields a retest only, since the strategy code was never
// the problem.
func (d *Debugger) MakeFixTasks(ctx context.Context, workflowID string, failed *models.TodoItem, report *models.FailureReport) []*models.TodoItem {
	log := slog.With("workflow_id", workflowID, "task_id", failed.ID, "kind", report.Kind)

	targetTask := failed.Metadata[MetadataKeyTargetTask]
	if targetTask == "" {
		// The failed task produced the artifact itself.
		targetTask = failed.ID
	}

	if report.Kind == models.FailureSandboxError {
		log.Info("Sandbox infrastructure failure, scheduling retest only")
		return []*models.TodoItem{d.retestTask(workflowID, failed, targetTask, nil)}
	}

	diagnosis := d.diagnose(ctx, workflowID, failed.ID, report)
	fix := &models.TodoItem{
		ID:          models.NewTaskID(),
		Title:       fmt.Sprintf("Fix %s in %s", report.Kind, targetTask),
		Description: fixDescription(report, diagnosis),
		AgentRole:   models.RoleCoder,
		Priority:    failed.Priority,
		Status:      models.TaskStatusPending,
		Metadata: map[string]string{
			models.MetadataKeyWorkflowID:      workflowID,
			models.MetadataKeyOriginTask:      failed.ID,
			models.MetadataKeyFailureCategory: string(report.Kind),
		},
	}
	retest := d.retestTask(workflowID, failed, fix.ID, []string{fix.ID})
	log.Info("Fix-task generated", "fix_task", fix.ID, "retest_task", retest.ID)
	return []*models.TodoItem{fix, retest}
}

// retestTask schedules a fresh tester run against the given target.
func (d *Debugger) retestTask(workflowID string, failed *models.TodoItem, targetTask string, deps []string) *models.TodoItem {
	metadata := map[string]string{
		models.MetadataKeyWorkflowID:      workflowID,
		models.MetadataKeyOriginTask:      failed.ID,
		models.MetadataKeyFailureCategory: failed.Metadata[models.MetadataKeyFailureCategory],
		MetadataKeyTargetTask:             targetTask,
	}
	// Carry the run parameters of the failed tester task forward.
	for _, key := range []string{MetadataKeyCommand, MetadataKeyTimeoutSeconds, MetadataKeyRNGSeed} {
		if value := failed.Metadata[key]; value != "" {
			metadata[key] = value
		}
	}
	if metadata[models.MetadataKeyFailureCategory] == "" {
		delete(metadata, models.MetadataKeyFailureCategory)
	}
	return &models.TodoItem{
		ID:           models.NewTaskID(),
		Title:        "Retest " + targetTask,
		Description:  "Re-run the backtest suite against the latest attempt",
		AgentRole:    models.RoleTester,
		Dependencies: deps,
		Priority:     failed.Priority + 1,
		Status:       models.TaskStatusPending,
		Metadata:     metadata,
	}
}

// diagnose asks the LLM for a short explanation; empty on any failure.
func (d *Debugger) diagnose(ctx context.Context, workflowID, taskID string, report *models.FailureReport) string {
	result, err := d.chat.SendChat(ctx, &router.ChatRequest{
		ConversationID: conversationID(workflowID, taskID) + "_debug",
		Prompt: fmt.Sprintf("Failure kind: %s\nFailing: %v\nOutput:\n%s",
			report.Kind, report.FailingNames, truncate(report.Traceback, maxTracebackChars)),
		SystemPrompt:             debuggerSystemPrompt,
		ExpectedCompletionTokens: 256,
		TaskType:                 "debugging",
	})
	if err != nil || !result.Success {
		return ""
	}
	return result.Content
}

func fixDescription(report *models.FailureReport, diagnosis string) string {
	desc := fmt.Sprintf("Fix the strategy so the %s failure below no longer occurs.", report.Kind)
	if len(report.FailingNames) > 0 {
		desc += fmt.Sprintf("\nFailing: %v", report.FailingNames)
	}
	if diagnosis != "" {
		desc += "\nDiagnosis: " + diagnosis
	}
	if report.Traceback != "" {
		desc += "\nCaptured output:\n" + truncate(report.Traceback, maxTracebackChars)
	}
	if report.Command != "" {
		desc += "\nReproduce with: " + report.Command
	}
	return desc
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
