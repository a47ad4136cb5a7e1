package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/quantforge/pkg/artifact"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/router"
)

// fakeChat returns scripted content and records requests.
type fakeChat struct {
	content  string
	fail     bool
	requests []*router.ChatRequest
}

func (f *fakeChat) SendChat(_ context.Context, req *router.ChatRequest) (*router.ChatResult, error) {
	f.requests = append(f.requests, req)
	if f.fail {
		return &router.ChatResult{Success: false, Error: "scripted failure", ErrorType: router.ErrorNonRetryable}, nil
	}
	return &router.ChatResult{Success: true, Content: f.content, Model: "test-model", KeyID: "key-1"}, nil
}

func taskWithWorkflow(role models.AgentRole, workflowID string) *models.TodoItem {
	return &models.TodoItem{
		ID:          models.NewTaskID(),
		Title:       "test task",
		Description: "build a momentum strategy",
		AgentRole:   role,
		Status:      models.TaskStatusPending,
		Metadata:    map[string]string{models.MetadataKeyWorkflowID: workflowID},
	}
}

func newAgentStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestAgents_MissingWorkflowIDIsHardError(t *testing.T) {
	store := newAgentStore(t)
	chat := &fakeChat{content: "anything"}

	agents := []Agent{
		NewPlanner(chat),
		NewArchitect(chat, store),
		NewCoder(chat, store),
		NewDebugger(chat),
	}
	for _, a := range agents {
		t.Run(string(a.Role()), func(t *testing.T) {
			task := taskWithWorkflow(a.Role(), "wf_x")
			delete(task.Metadata, models.MetadataKeyWorkflowID)
			_, err := a.Execute(context.Background(), task)
			assert.ErrorIs(t, err, ErrMissingWorkflowID)
		})
	}
}

func TestPlanner_ParsesPlan(t *testing.T) {
	chat := &fakeChat{content: `Here is the plan:
[
  {"title": "Design", "description": "design it", "agent_role": "architect", "dependencies": [], "priority": 1},
  {"title": "Code", "description": "code it", "agent_role": "coder", "dependencies": ["Design"], "priority": 2}
]`}
	p := NewPlanner(chat)

	items, err := p.Plan(context.Background(), "wf_plan", "task_p", "build a strategy")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, models.RoleArchitect, items[0].AgentRole)
	assert.Equal(t, models.RoleCoder, items[1].AgentRole)
	// Title references resolve to generated ids.
	assert.Equal(t, []string{items[0].ID}, items[1].Dependencies)
	for _, item := range items {
		assert.Equal(t, "wf_plan", item.WorkflowID())
		assert.Equal(t, models.TaskStatusPending, item.Status)
	}
}

func TestPlanner_FallbackOnUnparseableResponse(t *testing.T) {
	chat := &fakeChat{content: "I cannot produce a plan right now."}
	p := NewPlanner(chat)

	items, err := p.Plan(context.Background(), "wf_fb", "task_p", "scalping strategy")
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, models.RoleArchitect, items[0].AgentRole)
	assert.Equal(t, models.RoleCoder, items[1].AgentRole)
	assert.Equal(t, models.RoleTester, items[2].AgentRole)
	// The pipeline is chained and the tester points at the coder task.
	assert.Equal(t, []string{items[0].ID}, items[1].Dependencies)
	assert.Equal(t, []string{items[1].ID}, items[2].Dependencies)
	assert.Equal(t, items[1].ID, items[2].Metadata[MetadataKeyTargetTask])
}

func TestPlanner_FallbackOnInvalidRole(t *testing.T) {
	chat := &fakeChat{content: `[{"title": "X", "agent_role": "wizard", "priority": 1}]`}
	p := NewPlanner(chat)

	items, err := p.Plan(context.Background(), "wf_bad", "task_p", "goal")
	require.NoError(t, err)
	assert.Len(t, items, 3) // fallback template
}

func TestPlanner_ChatFailurePropagates(t *testing.T) {
	p := NewPlanner(&fakeChat{fail: true})

	_, err := p.Plan(context.Background(), "wf_f", "task_p", "goal")
	assert.ErrorContains(t, err, "non_retryable")
}

func TestArchitect_StoresDesign(t *testing.T) {
	store := newAgentStore(t)
	chat := &fakeChat{content: "# Momentum Strategy\nBuy on breakout."}
	a := NewArchitect(chat, store)

	task := taskWithWorkflow(models.RoleArchitect, "wf_arch")
	result, err := a.Execute(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, result.ArtifactRefs, 1)
	// Artifact refs embed the full workflow id.
	assert.Contains(t, result.ArtifactRefs[0], "wf_arch")
	assert.Contains(t, result.ArtifactRefs[0], DesignFileName)

	attempts, err := store.ListAttempts("wf_arch", task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	data, err := store.Get("wf_arch", task.ID, attempts[0], DesignFileName)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Momentum")
}

func TestCoder_ExtractsCodeBlockAndStores(t *testing.T) {
	store := newAgentStore(t)
	chat := &fakeChat{content: "Here you go:\n```python\nclass Strategy:\n    pass\n```\nDone."}
	c := NewCoder(chat, store)

	task := taskWithWorkflow(models.RoleCoder, "wf_code")
	result, err := c.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "class Strategy:\n    pass\n", result.Output)
	require.Len(t, result.ArtifactRefs, 1)
	assert.Contains(t, result.ArtifactRefs[0], "wf_code")
	assert.Contains(t, result.ArtifactRefs[0], StrategyFileName)
}

func TestCoder_IncludesDesignFromDependency(t *testing.T) {
	store := newAgentStore(t)
	_, err := store.Put("wf_dep", "task_design", "attempt_1", map[string][]byte{
		DesignFileName: []byte("use RSI crossover"),
	})
	require.NoError(t, err)

	chat := &fakeChat{content: "```python\nx = 1\n```"}
	c := NewCoder(chat, store)

	task := taskWithWorkflow(models.RoleCoder, "wf_dep")
	task.Dependencies = []string{"task_design"}
	_, err = c.Execute(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, chat.requests, 1)
	assert.Contains(t, chat.requests[0].Prompt, "use RSI crossover")
}

func TestCoder_EmptyCodeIsError(t *testing.T) {
	c := NewCoder(&fakeChat{content: "```python\n\n```"}, newAgentStore(t))

	_, err := c.Execute(context.Background(), taskWithWorkflow(models.RoleCoder, "wf_e"))
	assert.ErrorContains(t, err, "no code")
}

func TestExtractCodeBlock(t *testing.T) {
	assert.Equal(t, "a = 1\n", extractCodeBlock("```python\na = 1\n```"))
	assert.Equal(t, "a = 1\n", extractCodeBlock("prose\n```\na = 1\n```\nmore"))
	assert.Equal(t, "plain text", extractCodeBlock("plain text"))
}

func TestDebugger_FixTasksForTestFailure(t *testing.T) {
	chat := &fakeChat{content: "The stop loss is on the wrong side."}
	d := NewDebugger(chat)

	failed := taskWithWorkflow(models.RoleTester, "wf_dbg")
	failed.Metadata[MetadataKeyTargetTask] = "task_code"
	failed.Metadata[MetadataKeyRNGSeed] = "7"
	report := &models.FailureReport{
		Kind:          models.FailureTestFailures,
		FailingNames:  []string{"test_stop_loss"},
		Traceback:     "AssertionError: expected close_reason sl",
		Command:       "python strategy.py",
		CorrelationID: "corr_1",
	}

	tasks := d.MakeFixTasks(context.Background(), "wf_dbg", failed, report)
	require.Len(t, tasks, 2)

	fix, retest := tasks[0], tasks[1]
	assert.Equal(t, models.RoleCoder, fix.AgentRole)
	assert.Equal(t, failed.ID, fix.Metadata[models.MetadataKeyOriginTask])
	assert.Equal(t, "test_failures", fix.Metadata[models.MetadataKeyFailureCategory])
	assert.Equal(t, "wf_dbg", fix.WorkflowID())
	assert.Contains(t, fix.Description, "AssertionError")
	assert.Contains(t, fix.Description, "wrong side")
	assert.NotEqual(t, failed.ID, fix.ID)

	assert.Equal(t, models.RoleTester, retest.AgentRole)
	assert.Equal(t, []string{fix.ID}, retest.Dependencies)
	assert.Equal(t, fix.ID, retest.Metadata[MetadataKeyTargetTask])
	assert.Equal(t, "7", retest.Metadata[MetadataKeyRNGSeed])
}

func TestDebugger_SandboxErrorSchedulesRetestOnly(t *testing.T) {
	chat := &fakeChat{content: "should not be called"}
	d := NewDebugger(chat)

	failed := taskWithWorkflow(models.RoleTester, "wf_sb")
	failed.Metadata[MetadataKeyTargetTask] = "task_code"
	report := &models.FailureReport{Kind: models.FailureSandboxError, CorrelationID: "corr_2"}

	tasks := d.MakeFixTasks(context.Background(), "wf_sb", failed, report)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.RoleTester, tasks[0].AgentRole)
	assert.Equal(t, "task_code", tasks[0].Metadata[MetadataKeyTargetTask])
	assert.Empty(t, chat.requests)
}

func TestDebugger_DiagnosisFailureStillProducesFixTasks(t *testing.T) {
	d := NewDebugger(&fakeChat{fail: true})

	failed := taskWithWorkflow(models.RoleTester, "wf_df")
	report := &models.FailureReport{Kind: models.FailureStaticFailures, Traceback: "SyntaxError: invalid syntax"}

	tasks := d.MakeFixTasks(context.Background(), "wf_df", failed, report)
	require.Len(t, tasks, 2)
	assert.Contains(t, tasks[0].Description, "SyntaxError")
}
