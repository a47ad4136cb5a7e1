package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/quantforge/pkg/models"
)

func makeDispatchEvent(t *testing.T, corrID, taskID string, role models.AgentRole) *models.Event {
	t.Helper()
	event := &models.Event{
		EventID:       models.NewEventID(),
		EventType:     EventTypeTaskDispatch,
		CorrelationID: corrID,
		TaskID:        taskID,
		WorkflowID:    corrID,
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, event.EncodeData(&models.TaskDispatchPayload{
		Task: &models.TodoItem{ID: taskID, AgentRole: role},
	}))
	return event
}

// collector accumulates delivered events behind a mutex and signals each
// delivery on a channel so tests can wait without sleeping.
type collector struct {
	mu       sync.Mutex
	events   []*models.Event
	notified chan struct{}
}

func newCollector() *collector {
	return &collector{notified: make(chan struct{}, 128)}
}

func (c *collector) handle(_ context.Context, event *models.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.notified <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*models.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.notified:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestInMemoryBus_DeliversToSubscriber(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, err := b.Subscribe(ctx, ChannelTaskResults, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	event := makeDispatchEvent(t, "wf_aaa", "task-1", models.RoleCoder)
	require.NoError(t, b.Publish(ctx, ChannelTaskResults, event))

	got := c.wait(t, 1)
	assert.Equal(t, event.EventID, got[0].EventID)
	assert.Equal(t, "wf_aaa", got[0].CorrelationID)
}

func TestInMemoryBus_OrderPreservedPerSubscription(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, err := b.Subscribe(ctx, ChannelWorkflowEvents, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		event := makeDispatchEvent(t, "wf_ord", models.NewTaskID(), models.RoleCoder)
		require.NoError(t, b.Publish(ctx, ChannelWorkflowEvents, event))
	}

	got := c.wait(t, n)
	require.Len(t, got, n)
	// Single delivery goroutine per subscription: publish order holds, which
	// covers per-correlation ordering as well.
	for i := 1; i < n; i++ {
		assert.True(t, !got[i].Timestamp.Before(got[i-1].Timestamp))
	}
}

func TestInMemoryBus_FanOutToMultipleSubscribers(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()
	ctx := context.Background()

	c1 := newCollector()
	c2 := newCollector()
	sub1, err := b.Subscribe(ctx, ChannelTestResults, c1.handle)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, ChannelTestResults, c2.handle)
	require.NoError(t, err)
	defer sub2.Close()

	event := makeDispatchEvent(t, "wf_fan", "task-1", models.RoleTester)
	require.NoError(t, b.Publish(ctx, ChannelTestResults, event))

	assert.Equal(t, event.EventID, c1.wait(t, 1)[0].EventID)
	assert.Equal(t, event.EventID, c2.wait(t, 1)[0].EventID)
}

func TestInMemoryBus_RedeliversOnHandlerError(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var calls int
	done := make(chan struct{})
	sub, err := b.Subscribe(ctx, ChannelTaskResults, func(_ context.Context, _ *models.Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 2 {
			return errors.New("transient consumer failure")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	event := makeDispatchEvent(t, "wf_retry", "task-1", models.RoleCoder)
	require.NoError(t, b.Publish(ctx, ChannelTaskResults, event))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not redelivered")
	}
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestInMemoryBus_FilterByRole(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()
	ctx := context.Background()

	// Architect and coder share AGENT_REQUESTS; each only sees its own role.
	coder := newCollector()
	architect := newCollector()
	sub1, err := b.Subscribe(ctx, ChannelAgentRequests, FilterByRole(models.RoleCoder, coder.handle))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, ChannelAgentRequests, FilterByRole(models.RoleArchitect, architect.handle))
	require.NoError(t, err)
	defer sub2.Close()

	coderEvent := makeDispatchEvent(t, "wf_f", "task-c", models.RoleCoder)
	archEvent := makeDispatchEvent(t, "wf_f", "task-a", models.RoleArchitect)
	require.NoError(t, b.Publish(ctx, ChannelAgentRequests, coderEvent))
	require.NoError(t, b.Publish(ctx, ChannelAgentRequests, archEvent))

	assert.Equal(t, "task-c", coder.wait(t, 1)[0].TaskID)
	assert.Equal(t, "task-a", architect.wait(t, 1)[0].TaskID)

	coder.mu.Lock()
	assert.Len(t, coder.events, 1)
	coder.mu.Unlock()
}

func TestInMemoryBus_PublishAfterCloseFails(t *testing.T) {
	b := NewInMemoryBus()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), ChannelTaskResults, makeDispatchEvent(t, "wf", "t", models.RoleCoder))
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Subscribe(context.Background(), ChannelTaskResults, func(context.Context, *models.Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestInMemoryBus_SubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, err := b.Subscribe(ctx, ChannelTaskResults, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ChannelTaskResults, makeDispatchEvent(t, "wf", "t1", models.RoleCoder)))
	c.wait(t, 1)
	require.NoError(t, sub.Close())

	// Publish to a channel with no live subscriptions is a no-op.
	require.NoError(t, b.Publish(ctx, ChannelTaskResults, makeDispatchEvent(t, "wf", "t2", models.RoleCoder)))
	select {
	case <-c.notified:
		t.Fatal("delivery after subscription close")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIdempotencyKey(t *testing.T) {
	e1 := makeDispatchEvent(t, "wf_1", "task-1", models.RoleCoder)
	e2 := makeDispatchEvent(t, "wf_1", "task-1", models.RoleCoder)
	e3 := makeDispatchEvent(t, "wf_1", "task-2", models.RoleCoder)

	// Redelivered duplicates map to the same key; distinct tasks do not.
	assert.Equal(t, e1.IdempotencyKey(), e2.IdempotencyKey())
	assert.NotEqual(t, e1.IdempotencyKey(), e3.IdempotencyKey())
}

func TestRoleChannel(t *testing.T) {
	assert.Equal(t, ChannelPlannerRequests, RoleChannel(models.RolePlanner))
	assert.Equal(t, ChannelAgentRequests, RoleChannel(models.RoleArchitect))
	assert.Equal(t, ChannelAgentRequests, RoleChannel(models.RoleCoder))
	assert.Equal(t, ChannelTesterRequests, RoleChannel(models.RoleTester))
	assert.Equal(t, ChannelDebuggerRequests, RoleChannel(models.RoleDebugger))
}
