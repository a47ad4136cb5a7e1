// Package orchestrator turns a TodoList into executed work: it validates the
// dependency DAG, dispatches ready tasks to agent channels over the bus,
// collects results, and keeps the in-memory task state synchronized with the
// persisted list as the iterative loop mutates it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantforge/quantforge/pkg/bus"
	"github.com/quantforge/quantforge/pkg/models"
)

// Sentinel errors.
var (
	ErrInvalidTodoList = errors.New("invalid todo list")
	ErrCyclicDeps      = errors.New("dependency cycle")
	ErrTaskTimeout     = errors.New("task result timed out")
)

// workflow is the orchestrator's in-memory state for one workflow.
type workflow struct {
	id            string
	correlationID string
	tasks         map[string]*models.TaskState
	failures      map[string]*models.FailureReport // task id → last failure report
	order         []string                         // task ids in list order
	iteration     int
}

// Config tunes the orchestrator.
type Config struct {
	// TaskTimeout bounds the wait for a single task's result (default 10m).
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	return c
}

// Orchestrator owns workflow state. TodoLists are mutated only under the
// store's workflow lock; other components observe state through read-only
// snapshots or bus events.
type Orchestrator struct {
	cfg   Config
	store *TodoStore
	bus   bus.Bus

	mu        sync.Mutex
	workflows map[string]*workflow
	waiters   map[string]chan *models.TaskResultPayload // task id → waiter

	resultsSub bus.Subscription
}

// New creates an orchestrator.
func New(cfg Config, store *TodoStore, b bus.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		bus:       b,
		workflows: make(map[string]*workflow),
		waiters:   make(map[string]chan *models.TaskResultPayload),
	}
}

// Start subscribes to task results. Must be called before any execution.
func (o *Orchestrator) Start(ctx context.Context) error {
	sub, err := o.bus.Subscribe(ctx, bus.ChannelTaskResults, o.handleResult)
	if err != nil {
		return fmt.Errorf("subscribing to task results: %w", err)
	}
	o.resultsSub = sub
	return nil
}

// Stop closes the result subscription.
func (o *Orchestrator) Stop() {
	if o.resultsSub != nil {
		_ = o.resultsSub.Close()
	}
}

// handleResult routes a task result to its waiter. Duplicates after the
// waiter is gone are dropped; at-least-once delivery makes them expected.
func (o *Orchestrator) handleResult(_ context.Context, event *models.Event) error {
	var payload models.TaskResultPayload
	if err := event.DecodeData(&payload); err != nil {
		return fmt.Errorf("decoding task result: %w", err)
	}
	o.mu.Lock()
	waiter, ok := o.waiters[payload.TaskID]
	if ok {
		delete(o.waiters, payload.TaskID)
	}
	o.mu.Unlock()
	if !ok {
		slog.Debug("Dropping result with no waiter", "task_id", payload.TaskID)
		return nil
	}
	waiter <- &payload
	return nil
}

// CreateWorkflow validates the list, assigns ids where missing, persists it,
// and initializes every task state to pending.
func (o *Orchestrator) CreateWorkflow(list *models.TodoList) (string, error) {
	if list == nil || len(list.Items) == 0 {
		return "", fmt.Errorf("%w: no items", ErrInvalidTodoList)
	}
	if list.WorkflowID == "" {
		list.WorkflowID = models.NewWorkflowID()
	}
	if list.CreatedAt.IsZero() {
		list.CreatedAt = time.Now().UTC()
	}
	for _, item := range list.Items {
		if item.ID == "" {
			item.ID = models.NewTaskID()
		}
		if !item.AgentRole.IsValid() {
			return "", fmt.Errorf("%w: task %s has invalid agent role %q", ErrInvalidTodoList, item.ID, item.AgentRole)
		}
		item.Status = models.TaskStatusPending
	}
	if err := validateDAG(list); err != nil {
		return "", err
	}
	if err := o.store.Save(list); err != nil {
		return "", err
	}

	wf := &workflow{
		id:            list.WorkflowID,
		correlationID: models.NewCorrelationID(),
		tasks:         make(map[string]*models.TaskState, len(list.Items)),
		failures:      make(map[string]*models.FailureReport),
	}
	for _, item := range list.Items {
		wf.tasks[item.ID] = &models.TaskState{TaskID: item.ID, Status: models.TaskStatusPending}
		wf.order = append(wf.order, item.ID)
	}
	o.mu.Lock()
	o.workflows[list.WorkflowID] = wf
	o.mu.Unlock()

	slog.Info("Workflow created",
		"workflow_id", list.WorkflowID,
		"correlation_id", wf.correlationID,
		"tasks", len(list.Items))
	return list.WorkflowID, nil
}

// validateDAG rejects unknown dependency references and cycles.
func validateDAG(list *models.TodoList) error {
	byID := make(map[string]*models.TodoItem, len(list.Items))
	for _, item := range list.Items {
		if byID[item.ID] != nil {
			return fmt.Errorf("%w: duplicate task id %s", ErrInvalidTodoList, item.ID)
		}
		byID[item.ID] = item
	}
	for _, item := range list.Items {
		for _, dep := range item.Dependencies {
			if byID[dep] == nil {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidTodoList, item.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(list.Items))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: involving task %s", ErrCyclicDeps, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, item := range list.Items {
		if err := visit(item.ID); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteWorkflow runs one pass: repeatedly dispatches pending tasks whose
// dependencies are all completed, in priority order then by id, until no
// task is ready. Completed tasks are never re-executed. Tasks whose
// dependencies terminally failed are marked skipped.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string) error {
	wf, err := o.get(workflowID)
	if err != nil {
		return err
	}
	list, err := o.store.Load(workflowID)
	if err != nil {
		return err
	}
	log := slog.With("workflow_id", workflowID, "correlation_id", wf.correlationID)

	for {
		ready := o.readyTasks(wf, list)
		if len(ready) == 0 {
			break
		}
		for _, item := range ready {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.runTask(ctx, wf, item); err != nil {
				return err
			}
		}
	}

	// A pending task with a failed or skipped dependency can never run.
	for _, id := range wf.order {
		state := wf.tasks[id]
		if state.Status != models.TaskStatusPending {
			continue
		}
		if item := list.Item(id); item != nil && o.depsBlocked(wf, item) {
			state.Status = models.TaskStatusSkipped
			log.Info("Task skipped, dependency failed", "task_id", id)
		}
	}
	return nil
}

// readyTasks returns pending tasks whose dependencies are all completed,
// sorted by priority then id.
func (o *Orchestrator) readyTasks(wf *workflow, list *models.TodoList) []*models.TodoItem {
	var ready []*models.TodoItem
	for _, id := range wf.order {
		state := wf.tasks[id]
		if state.Status != models.TaskStatusPending {
			continue
		}
		item := list.Item(id)
		if item == nil {
			continue
		}
		depsDone := true
		for _, dep := range item.Dependencies {
			depState, ok := wf.tasks[dep]
			if !ok || depState.Status != models.TaskStatusCompleted {
				depsDone = false
				break
			}
		}
		if depsDone {
			ready = append(ready, item)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (o *Orchestrator) depsBlocked(wf *workflow, item *models.TodoItem) bool {
	for _, dep := range item.Dependencies {
		state, ok := wf.tasks[dep]
		if !ok {
			continue
		}
		if state.Status == models.TaskStatusFailed || state.Status == models.TaskStatusSkipped {
			return true
		}
	}
	return false
}

// runTask dispatches one task and blocks for its result.
func (o *Orchestrator) runTask(ctx context.Context, wf *workflow, item *models.TodoItem) error {
	state := wf.tasks[item.ID]
	state.Status = models.TaskStatusRunning
	state.Attempts++

	// Workflow id is stamped before every dispatch; agents hard-fail
	// without it rather than guessing.
	if item.Metadata == nil {
		item.Metadata = map[string]string{}
	}
	item.Metadata[models.MetadataKeyWorkflowID] = wf.id

	waiter := make(chan *models.TaskResultPayload, 1)
	o.mu.Lock()
	o.waiters[item.ID] = waiter
	o.mu.Unlock()

	event := &models.Event{
		EventID:       models.NewEventID(),
		EventType:     bus.EventTypeTaskDispatch,
		CorrelationID: wf.correlationID,
		WorkflowID:    wf.id,
		TaskID:        item.ID,
		SourceAgent:   "orchestrator",
		Timestamp:     time.Now().UTC(),
	}
	if err := event.EncodeData(&models.TaskDispatchPayload{Task: item}); err != nil {
		return fmt.Errorf("encoding dispatch for %s: %w", item.ID, err)
	}

	log := slog.With("workflow_id", wf.id, "correlation_id", wf.correlationID, "task_id", item.ID)
	log.Info("Dispatching task", "role", item.AgentRole, "priority", item.Priority)

	if err := o.bus.Publish(ctx, bus.RoleChannel(item.AgentRole), event); err != nil {
		o.clearWaiter(item.ID)
		state.Status = models.TaskStatusFailed
		state.LastError = "dispatch failed: " + err.Error()
		log.Error("Dispatch failed", "error", err)
		return nil
	}

	select {
	case result := <-waiter:
		o.recordResult(wf, state, result)
	case <-time.After(o.cfg.TaskTimeout):
		o.clearWaiter(item.ID)
		state.Status = models.TaskStatusFailed
		state.LastError = ErrTaskTimeout.Error()
		log.Error("Task result timed out")
	case <-ctx.Done():
		o.clearWaiter(item.ID)
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) clearWaiter(taskID string) {
	o.mu.Lock()
	delete(o.waiters, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) recordResult(wf *workflow, state *models.TaskState, result *models.TaskResultPayload) {
	log := slog.With("workflow_id", wf.id, "correlation_id", wf.correlationID, "task_id", state.TaskID)
	if result.Status == models.TaskStatusCompleted {
		state.Status = models.TaskStatusCompleted
		state.ArtifactRefs = result.ArtifactRefs
		state.LastError = ""
		log.Info("Task completed", "artifacts", len(result.ArtifactRefs))
		return
	}
	state.Status = models.TaskStatusFailed
	state.LastError = result.Output
	if result.Failure != nil {
		state.LastError = fmt.Sprintf("%s: %s", result.Failure.Kind, firstLine(result.Failure.Traceback))
		wf.failures[state.TaskID] = result.Failure
	}
	log.Info("Task failed", "error", state.LastError)
}

// ReloadWorkflowTasks re-reads the persisted list and synchronizes memory:
// completed tasks keep their status, everything else is created or reset to
// pending. This is the only sanctioned way to surface externally appended
// fix-tasks.
func (o *Orchestrator) ReloadWorkflowTasks(workflowID string) error {
	wf, err := o.get(workflowID)
	if err != nil {
		return err
	}
	list, err := o.store.Load(workflowID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool, len(list.Items))
	var order []string
	added := 0
	for _, item := range list.Items {
		seen[item.ID] = true
		order = append(order, item.ID)
		existing, ok := wf.tasks[item.ID]
		switch {
		case !ok:
			wf.tasks[item.ID] = &models.TaskState{TaskID: item.ID, Status: models.TaskStatusPending}
			added++
		case existing.Status == models.TaskStatusCompleted:
			// Preserved: a completed task is never re-executed.
		case existing.Status == models.TaskStatusFailed:
			// Failed outcomes are preserved too; fixes arrive as new tasks.
		default:
			existing.Status = models.TaskStatusPending
		}
	}
	for id := range wf.tasks {
		if !seen[id] {
			delete(wf.tasks, id)
		}
	}
	wf.order = order

	slog.Info("Workflow tasks reloaded",
		"workflow_id", workflowID, "tasks", len(wf.tasks), "new_tasks", added)
	return nil
}

// Snapshot returns a read-only view of the workflow's task states.
func (o *Orchestrator) Snapshot(workflowID string) (*models.WorkflowState, error) {
	wf, err := o.get(workflowID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := &models.WorkflowState{
		WorkflowID: workflowID,
		Tasks:      make(map[string]*models.TaskState, len(wf.tasks)),
		Iteration:  wf.iteration,
	}
	for id, state := range wf.tasks {
		copied := *state
		snapshot.Tasks[id] = &copied
	}
	return snapshot, nil
}

// succeeded reports whether the workflow reached a successful end state:
// every task is terminal, and every failed or skipped task has been
// superseded by a completed fix-task chain. A failed task is resolved when
// all its fix-tasks (linked via origin_task metadata) completed or are
// themselves resolved.
func (o *Orchestrator) succeeded(workflowID string) bool {
	wf, err := o.get(workflowID)
	if err != nil {
		return false
	}
	list, err := o.store.Load(workflowID)
	if err != nil {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range wf.tasks {
		if !state.Status.IsTerminal() {
			return false
		}
	}

	successors := make(map[string][]string)
	for _, item := range list.Items {
		if origin := item.Metadata[models.MetadataKeyOriginTask]; origin != "" {
			successors[origin] = append(successors[origin], item.ID)
		}
	}

	resolvedMemo := make(map[string]bool)
	var resolved func(id string) bool
	resolved = func(id string) bool {
		state, ok := wf.tasks[id]
		if !ok {
			return false
		}
		if state.Status == models.TaskStatusCompleted {
			return true
		}
		if done, seen := resolvedMemo[id]; seen {
			return done
		}
		resolvedMemo[id] = false // breaks origin cycles, none expected
		succ := successors[id]
		ok = len(succ) > 0
		for _, s := range succ {
			if !resolved(s) {
				ok = false
				break
			}
		}
		resolvedMemo[id] = ok
		return ok
	}

	for id, state := range wf.tasks {
		switch state.Status {
		case models.TaskStatusFailed:
			if !resolved(id) {
				return false
			}
		case models.TaskStatusSkipped:
			item := list.Item(id)
			if item == nil {
				return false
			}
			for _, dep := range item.Dependencies {
				if depState := wf.tasks[dep]; depState != nil &&
					depState.Status != models.TaskStatusCompleted && !resolved(dep) {
					return false
				}
			}
		}
	}
	return true
}

// failedTasks returns the failed tasks with their states, in list order.
func (o *Orchestrator) failedTasks(workflowID string) []*models.TaskState {
	wf, err := o.get(workflowID)
	if err != nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var failed []*models.TaskState
	for _, id := range wf.order {
		if state := wf.tasks[id]; state != nil && state.Status == models.TaskStatusFailed {
			failed = append(failed, state)
		}
	}
	return failed
}

func (o *Orchestrator) get(workflowID string) (*workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
