package orchestrator

import (
	"context"
	"log/slog"

	"github.com/quantforge/quantforge/pkg/models"
)

// Service is the submission front-end used by the HTTP API: Submit registers
// a workflow and starts its iterative loop in the background; Status reads
// the runtime snapshot.
type Service struct {
	orch  *Orchestrator
	fixer FixMaker
	loop  LoopConfig
}

// NewService creates the service.
func NewService(orch *Orchestrator, fixer FixMaker, loop LoopConfig) *Service {
	return &Service{orch: orch, fixer: fixer, loop: loop}
}

// Submit validates and registers the list, then runs the iterative loop in
// the background. The loop's lifetime is independent of the request context.
func (s *Service) Submit(ctx context.Context, list *models.TodoList) (string, error) {
	workflowID, err := s.orch.CreateWorkflow(list)
	if err != nil {
		return "", err
	}

	go func() {
		status, err := s.orch.RunIterative(context.WithoutCancel(ctx), workflowID, s.fixer, s.loop)
		if err != nil {
			slog.Error("Workflow finished with error",
				"workflow_id", workflowID, "status", status, "error", err)
			return
		}
		slog.Info("Workflow finished", "workflow_id", workflowID, "status", status)
	}()
	return workflowID, nil
}

// Status returns the runtime state snapshot.
func (s *Service) Status(workflowID string) (*models.WorkflowState, error) {
	return s.orch.Snapshot(workflowID)
}
