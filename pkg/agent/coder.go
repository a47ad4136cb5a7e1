package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantforge/quantforge/pkg/artifact"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/router"
)

const coderSystemPrompt = `You are a coding agent generating Python trading strategies
for a deterministic bar-driven backtest engine. Produce a complete, runnable
strategy module. Honor the provided design document if one is given. The
strategy must seed every RNG it uses from the provided rng_seed so repeated
runs are identical. Respond with a single python code block.`

// StrategyFileName is the artifact the coder writes per task.
const StrategyFileName = "strategy.py"

// Coder generates strategy source and stores it as a new attempt.
type Coder struct {
	chat  ChatService
	store *artifact.Store
}

// NewCoder creates a coder.
func NewCoder(chat ChatService, store *artifact.Store) *Coder {
	return &Coder{chat: chat, store: store}
}

// Role implements Agent.
func (c *Coder) Role() models.AgentRole { return models.RoleCoder }

// Execute implements Agent. For fix-tasks, the failure context arrives in
// the task description; the conversation id is task-scoped so the model
// sees its own prior output when a fix iterates on the same task.
func (c *Coder) Execute(ctx context.Context, task *models.TodoItem) (*Result, error) {
	workflowID, err := requireWorkflowID(task)
	if err != nil {
		return nil, err
	}
	log := slog.With("workflow_id", workflowID, "task_id", task.ID)

	prompt := task.Description
	if design := c.latestDesign(workflowID, task); design != "" {
		prompt = "Design document:\n" + design + "\n\nTask: " + task.Description
	}

	result, err := c.chat.SendChat(ctx, &router.ChatRequest{
		ConversationID:           conversationID(workflowID, task.ID),
		Prompt:                   prompt,
		SystemPrompt:             coderSystemPrompt,
		ExpectedCompletionTokens: 4096,
		TaskType:                 "coding",
	})
	if err != nil {
		return nil, fmt.Errorf("coding call: %w", err)
	}
	if !result.Success {
		return nil, chatError(result)
	}

	source := extractCodeBlock(result.Content)
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("coder response contained no code")
	}

	attemptID := models.NewAttemptID()
	manifest, err := c.store.Put(workflowID, task.ID, attemptID, map[string][]byte{
		StrategyFileName: []byte(source),
	})
	if err != nil {
		return nil, fmt.Errorf("storing strategy: %w", err)
	}
	log.Info("Strategy stored", "attempt_id", attemptID, "bytes", len(source), "model", result.Model)

	return &Result{
		Output:       source,
		ArtifactRefs: []string{artifactRef(manifest, StrategyFileName)},
	}, nil
}

// latestDesign pulls the newest design document produced by a dependency
// architect task, when one exists.
func (c *Coder) latestDesign(workflowID string, task *models.TodoItem) string {
	for _, dep := range task.Dependencies {
		attempts, err := c.store.ListAttempts(workflowID, dep)
		if err != nil || len(attempts) == 0 {
			continue
		}
		data, err := c.store.Get(workflowID, dep, attempts[len(attempts)-1], DesignFileName)
		if err == nil {
			return string(data)
		}
	}
	return ""
}

// extractCodeBlock returns the contents of the first fenced code block, or
// the whole response when no fence is present.
func extractCodeBlock(content string) string {
	start := strings.Index(content, "```")
	if start < 0 {
		return content
	}
	rest := content[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop the language tag line.
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}
