package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantforge/quantforge/pkg/models"
)

const (
	// subscriptionBuffer bounds the per-subscription queue; Publish blocks
	// (with ctx) when a slow consumer falls this far behind.
	subscriptionBuffer = 256

	// redeliveryAttempts bounds handler retries per event (at-least-once,
	// not at-most-once: a handler error means the event is tried again).
	redeliveryAttempts = 3

	redeliveryDelay = 100 * time.Millisecond
)

// InMemoryBus is the default single-process transport. Each subscription
// runs one delivery goroutine, so events within a subscription are handled
// in publish order, which preserves per-correlation-id ordering.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*inmemSubscription
	closed bool
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]*inmemSubscription)}
}

type inmemSubscription struct {
	bus     *InMemoryBus
	channel string
	events  chan *models.Event
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Publish implements Bus.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, event *models.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*inmemSubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &inmemSubscription{
		bus:     b,
		channel: channel,
		events:  make(chan *models.Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subs[channel] = append(b.subs[channel], sub)

	sub.wg.Add(1)
	go sub.run(ctx, handler)
	return sub, nil
}

func (s *inmemSubscription) run(ctx context.Context, handler Handler) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case event := <-s.events:
			s.deliver(ctx, handler, event)
		}
	}
}

// deliver invokes the handler with bounded redelivery on error.
func (s *inmemSubscription) deliver(ctx context.Context, handler Handler, event *models.Event) {
	for attempt := 0; attempt < redeliveryAttempts; attempt++ {
		if err := handler(ctx, event); err == nil {
			return
		} else if attempt == redeliveryAttempts-1 {
			slog.Error("Event handler failed after redelivery attempts, dropping",
				"channel", s.channel,
				"event_type", event.EventType,
				"correlation_id", event.CorrelationID,
				"task_id", event.TaskID,
				"workflow_id", event.WorkflowID,
				"error", err)
			return
		}
		select {
		case <-time.After(redeliveryDelay):
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close implements Subscription.
func (s *inmemSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
	s.wg.Wait()
	return nil
}

func (b *InMemoryBus) remove(sub *inmemSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Close implements Bus.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*inmemSubscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*inmemSubscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.done) })
		sub.wg.Wait()
	}
	return nil
}
