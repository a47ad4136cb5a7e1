package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantforge/quantforge/pkg/artifact"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/router"
)

const architectSystemPrompt = `You are a trading-strategy architect.
Given a strategy goal, produce a concise design document in markdown:
entry and exit rules, risk management (stop loss, take profit, position sizing),
indicators used, and the parameters with default values. Design only; no code.`

// DesignFileName is the artifact the architect writes per task.
const DesignFileName = "design.md"

// Architect produces a design document for the coder to implement.
type Architect struct {
	chat  ChatService
	store *artifact.Store
}

// NewArchitect creates an architect.
func NewArchitect(chat ChatService, store *artifact.Store) *Architect {
	return &Architect{chat: chat, store: store}
}

// Role implements Agent.
func (a *Architect) Role() models.AgentRole { return models.RoleArchitect }

// Execute implements Agent.
func (a *Architect) Execute(ctx context.Context, task *models.TodoItem) (*Result, error) {
	workflowID, err := requireWorkflowID(task)
	if err != nil {
		return nil, err
	}
	log := slog.With("workflow_id", workflowID, "task_id", task.ID)

	result, err := a.chat.SendChat(ctx, &router.ChatRequest{
		ConversationID:           conversationID(workflowID, task.ID),
		Prompt:                   task.Description,
		SystemPrompt:             architectSystemPrompt,
		ExpectedCompletionTokens: 2048,
		TaskType:                 "design",
	})
	if err != nil {
		return nil, fmt.Errorf("design call: %w", err)
	}
	if !result.Success {
		return nil, chatError(result)
	}

	attemptID := models.NewAttemptID()
	manifest, err := a.store.Put(workflowID, task.ID, attemptID, map[string][]byte{
		DesignFileName: []byte(result.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("storing design: %w", err)
	}
	log.Info("Design stored", "attempt_id", attemptID, "model", result.Model)

	return &Result{
		Output:       result.Content,
		ArtifactRefs: []string{artifactRef(manifest, DesignFileName)},
	}, nil
}

// artifactRef names one stored file with the full workflow id embedded, so
// any artifact can be traced back to its workflow from the name alone.
func artifactRef(m *artifact.Manifest, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", m.WorkflowID, m.TaskID, m.AttemptID, name)
}
