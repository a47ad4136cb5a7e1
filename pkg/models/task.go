// Package models defines the shared domain types exchanged between the
// orchestrator, the agents, and the router. These are plain data records;
// behavior lives in the owning packages.
package models

import "time"

// AgentRole identifies which specialized agent a task is dispatched to.
type AgentRole string

// Agent roles.
const (
	RolePlanner   AgentRole = "planner"
	RoleArchitect AgentRole = "architect"
	RoleCoder     AgentRole = "coder"
	RoleTester    AgentRole = "tester"
	RoleDebugger  AgentRole = "debugger"
)

// ValidRoles lists every recognized agent role.
var ValidRoles = []AgentRole{RolePlanner, RoleArchitect, RoleCoder, RoleTester, RoleDebugger}

// IsValid reports whether the role is one of the recognized agent roles.
func (r AgentRole) IsValid() bool {
	switch r {
	case RolePlanner, RoleArchitect, RoleCoder, RoleTester, RoleDebugger:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

// Task lifecycle states. A failed task is never retried in place; fixes
// arrive as new tasks with fresh ids so every attempt's outcome is preserved.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// MetadataKeyWorkflowID is the task metadata key carrying the owning workflow id.
// The orchestrator stamps it before dispatch; agents treat its absence as a hard error.
const MetadataKeyWorkflowID = "workflow_id"

// Task metadata keys recorded on fix-tasks by the debugger.
const (
	MetadataKeyOriginTask      = "origin_task"
	MetadataKeyFailureCategory = "failure_category"
)

// MetadataKeyCorrelationID carries the workflow's correlation id into the
// task so agent-side failure reports can echo it.
const MetadataKeyCorrelationID = "correlation_id"

// TodoItem is one unit of work in a workflow's TodoList.
type TodoItem struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	AgentRole    AgentRole         `json:"agent_role"`
	Dependencies []string          `json:"dependencies"`
	Priority     int               `json:"priority"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       TaskStatus        `json:"status"`
}

// WorkflowID returns the workflow id from item metadata, or "" when unset.
func (t *TodoItem) WorkflowID() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[MetadataKeyWorkflowID]
}

// TodoList is the authoritative declarative description of work for one
// workflow. The persisted JSON form is the source of truth when the disk
// and in-memory copies disagree.
type TodoList struct {
	WorkflowID string      `json:"workflow_id"`
	CreatedAt  time.Time   `json:"created_at"`
	Items      []*TodoItem `json:"items"`
}

// Item returns the item with the given id, or nil.
func (l *TodoList) Item(id string) *TodoItem {
	for _, item := range l.Items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// TaskState is the runtime state the orchestrator tracks per task.
type TaskState struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	ArtifactRefs []string   `json:"artifact_refs,omitempty"`
}

// WorkflowStatus is the terminal disposition of a whole workflow.
type WorkflowStatus string

// Workflow terminal states.
const (
	WorkflowStatusRunning              WorkflowStatus = "running"
	WorkflowStatusSuccess              WorkflowStatus = "success"
	WorkflowStatusFailedAfterIteration WorkflowStatus = "failed_after_iterations"
	WorkflowStatusAborted              WorkflowStatus = "aborted"
)

// WorkflowState is the orchestrator-owned runtime state of one workflow.
type WorkflowState struct {
	WorkflowID    string                `json:"workflow_id"`
	TodoListRef   string                `json:"todo_list_ref"`
	Tasks         map[string]*TaskState `json:"tasks"`
	Iteration     int                   `json:"iteration"`
	MaxIterations int                   `json:"max_iterations"`
	Status        WorkflowStatus        `json:"status"`
}
