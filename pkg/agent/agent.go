// Package agent implements the five specialized workers of the pipeline:
// planner, architect, coder, tester, and debugger. Agents are stateless
// between tasks; everything they need arrives in the dispatched task and
// everything they produce goes to the artifact store and the bus.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/router"
)

// Sentinel errors.
var (
	// ErrMissingWorkflowID means a task arrived without workflow_id in its
	// metadata. This is a hard error, never a silent fallback to a default.
	ErrMissingWorkflowID = errors.New("task metadata missing workflow_id")

	// ErrSecretsLeak means a secret-shaped string was found in run output.
	// The task fails with no automatic fix; an operator has to look.
	ErrSecretsLeak = errors.New("secret pattern detected in output")
)

// Result is what an agent produces for one task.
type Result struct {
	Output       string
	ArtifactRefs []string
	Failure      *models.FailureReport
}

// Failed reports whether the result carries a failure classification.
func (r *Result) Failed() bool {
	return r != nil && r.Failure != nil
}

// Agent executes one task to completion.
type Agent interface {
	Role() models.AgentRole
	Execute(ctx context.Context, task *models.TodoItem) (*Result, error)
}

// ChatService is the slice of the router the agents use. The concrete
// implementation is *router.Router; tests substitute scripted responses.
type ChatService interface {
	SendChat(ctx context.Context, req *router.ChatRequest) (*router.ChatResult, error)
}

// requireWorkflowID reads the workflow id from task metadata, failing hard
// when absent.
func requireWorkflowID(task *models.TodoItem) (string, error) {
	workflowID := task.WorkflowID()
	if workflowID == "" {
		return "", fmt.Errorf("task %s: %w", task.ID, ErrMissingWorkflowID)
	}
	return workflowID, nil
}

// conversationID derives the per-task conversation id. Conversations are
// addressed by id only; which key serves a turn is the router's business.
func conversationID(workflowID, taskID string) string {
	return "conv_" + workflowID + "_" + taskID
}

// chatError converts a router-level failure into a Go error for the caller.
func chatError(result *router.ChatResult) error {
	return fmt.Errorf("llm call failed (%s): %s", result.ErrorType, result.Error)
}
