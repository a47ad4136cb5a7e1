// Package bus provides typed pub/sub over named channels with at-least-once
// delivery. Events carry the workflow correlation id end to end; handlers
// must be idempotent keyed by (correlation_id, task_id, event_type) because
// redelivery after a consumer crash is acceptable.
package bus

import (
	"context"
	"errors"

	"github.com/quantforge/quantforge/pkg/models"
)

// Channel names. One logical consumer per role per channel.
const (
	ChannelPlannerRequests  = "PLANNER_REQUESTS"
	ChannelAgentRequests    = "AGENT_REQUESTS" // architect + coder, filtered by agent_role
	ChannelTesterRequests   = "TESTER_REQUESTS"
	ChannelDebuggerRequests = "DEBUGGER_REQUESTS"
	ChannelTestResults      = "TEST_RESULTS"
	ChannelTaskResults      = "TASK_RESULTS"
	ChannelWorkflowEvents   = "WORKFLOW_EVENTS"
)

// Event types.
const (
	EventTypeTaskDispatch   = "task.dispatch"
	EventTypeTaskResult     = "task.result"
	EventTypeTestResult     = "test.result"
	EventTypeWorkflowStatus = "workflow.status"
)

// ErrBusClosed indicates an operation on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Handler processes one delivered event. Returning an error triggers
// redelivery (bounded); handlers must therefore be idempotent.
type Handler func(ctx context.Context, event *models.Event) error

// Subscription is a live channel subscription.
type Subscription interface {
	// Close stops delivery and releases the subscription's resources.
	Close() error
}

// Bus is the message transport. In-memory and Redis implementations share
// this contract; the choice is a deployment parameter.
type Bus interface {
	// Publish delivers the event to every subscriber of the channel.
	Publish(ctx context.Context, channel string, event *models.Event) error

	// Subscribe registers a handler for a channel. Events with the same
	// correlation id are delivered to a given subscription in publish order.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// RoleChannel maps an agent role to its request channel.
func RoleChannel(role models.AgentRole) string {
	switch role {
	case models.RolePlanner:
		return ChannelPlannerRequests
	case models.RoleTester:
		return ChannelTesterRequests
	case models.RoleDebugger:
		return ChannelDebuggerRequests
	default:
		return ChannelAgentRequests
	}
}

// FilterByRole wraps a handler so it only sees dispatch events addressed to
// the given role. The AGENT_REQUESTS channel is shared by architect and
// coder; subscribers filter by the agent_role in the payload.
func FilterByRole(role models.AgentRole, handler Handler) Handler {
	return func(ctx context.Context, event *models.Event) error {
		var payload models.TaskDispatchPayload
		if err := event.DecodeData(&payload); err != nil {
			return err
		}
		if payload.Task == nil || payload.Task.AgentRole != role {
			return nil
		}
		return handler(ctx, event)
	}
}
