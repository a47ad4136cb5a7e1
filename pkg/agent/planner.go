package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/router"
)

const plannerSystemPrompt = `You are a planning agent for an automated trading-strategy pipeline.
Given a user goal, produce a JSON array of tasks. Each task has:
  title, description, agent_role (architect|coder|tester), dependencies (array of task titles), priority (integer, lower runs earlier).
Respond with the JSON array only, no prose.`

// plannedItem is the shape the LLM is asked to emit.
type plannedItem struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	AgentRole    string   `json:"agent_role"`
	Dependencies []string `json:"dependencies"`
	Priority     int      `json:"priority"`
}

// Planner turns a free-form goal into TodoList items. When the LLM response
// does not parse as a plan, a deterministic fallback template is used so a
// workflow always starts.
type Planner struct {
	chat ChatService
}

// NewPlanner creates a planner.
func NewPlanner(chat ChatService) *Planner {
	return &Planner{chat: chat}
}

// Role implements Agent.
func (p *Planner) Role() models.AgentRole { return models.RolePlanner }

// Execute implements Agent. The task description carries the goal; the
// output is the planned items as JSON.
func (p *Planner) Execute(ctx context.Context, task *models.TodoItem) (*Result, error) {
	workflowID, err := requireWorkflowID(task)
	if err != nil {
		return nil, err
	}

	items, err := p.Plan(ctx, workflowID, task.ID, task.Description)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encoding plan: %w", err)
	}
	return &Result{Output: string(encoded)}, nil
}

// Plan produces TodoList items for the goal.
func (p *Planner) Plan(ctx context.Context, workflowID, taskID, goal string) ([]*models.TodoItem, error) {
	log := slog.With("workflow_id", workflowID, "task_id", taskID)

	result, err := p.chat.SendChat(ctx, &router.ChatRequest{
		ConversationID:           conversationID(workflowID, taskID),
		Prompt:                   "Goal: " + goal,
		SystemPrompt:             plannerSystemPrompt,
		ExpectedCompletionTokens: 1024,
		TaskType:                 "planning",
	})
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}
	if !result.Success {
		return nil, chatError(result)
	}

	items, err := parsePlan(result.Content, workflowID)
	if err != nil {
		log.Warn("Plan did not parse, using fallback template", "error", err)
		return fallbackPlan(workflowID, goal), nil
	}
	log.Info("Plan produced", "tasks", len(items), "model", result.Model)
	return items, nil
}

// parsePlan extracts the JSON array from the response and converts it to
// TodoList items. Title references in dependencies are resolved to ids.
func parsePlan(content, workflowID string) ([]*models.TodoItem, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var planned []plannedItem
	if err := json.Unmarshal([]byte(content[start:end+1]), &planned); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("empty plan")
	}

	idByTitle := make(map[string]string, len(planned))
	items := make([]*models.TodoItem, 0, len(planned))
	for _, pi := range planned {
		role := models.AgentRole(pi.AgentRole)
		if !role.IsValid() || role == models.RolePlanner {
			return nil, fmt.Errorf("invalid agent role %q for task %q", pi.AgentRole, pi.Title)
		}
		item := &models.TodoItem{
			ID:          models.NewTaskID(),
			Title:       pi.Title,
			Description: pi.Description,
			AgentRole:   role,
			Priority:    pi.Priority,
			Status:      models.TaskStatusPending,
			Metadata:    map[string]string{models.MetadataKeyWorkflowID: workflowID},
		}
		idByTitle[pi.Title] = item.ID
		items = append(items, item)
	}
	for i, pi := range planned {
		for _, dep := range pi.Dependencies {
			depID, ok := idByTitle[dep]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", pi.Title, dep)
			}
			items[i].Dependencies = append(items[i].Dependencies, depID)
		}
	}
	return items, nil
}

// fallbackPlan is the deterministic architect → coder → tester pipeline used
// when the model output is unusable.
func fallbackPlan(workflowID, goal string) []*models.TodoItem {
	meta := func() map[string]string {
		return map[string]string{models.MetadataKeyWorkflowID: workflowID}
	}
	design := &models.TodoItem{
		ID:          models.NewTaskID(),
		Title:       "Design strategy",
		Description: "Design a trading strategy for: " + goal,
		AgentRole:   models.RoleArchitect,
		Priority:    1,
		Status:      models.TaskStatusPending,
		Metadata:    meta(),
	}
	code := &models.TodoItem{
		ID:           models.NewTaskID(),
		Title:        "Implement strategy",
		Description:  "Implement the designed strategy for: " + goal,
		AgentRole:    models.RoleCoder,
		Dependencies: []string{design.ID},
		Priority:     2,
		Status:       models.TaskStatusPending,
		Metadata:     meta(),
	}
	test := &models.TodoItem{
		ID:           models.NewTaskID(),
		Title:        "Backtest strategy",
		Description:  "Run the backtest suite against the implemented strategy",
		AgentRole:    models.RoleTester,
		Dependencies: []string{code.ID},
		Priority:     3,
		Status:       models.TaskStatusPending,
		Metadata:     meta(),
	}
	test.Metadata[MetadataKeyTargetTask] = code.ID
	return []*models.TodoItem{design, code, test}
}
