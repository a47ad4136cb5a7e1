package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/quantforge/quantforge/pkg/models"
)

// channelPrefix namespaces bus channels in a shared Redis.
const channelPrefix = "qf:bus:"

// RedisBus carries events over Redis Pub/Sub for multi-replica deployments.
// Selected with BUS_BACKEND=redis; the contract matches InMemoryBus.
type RedisBus struct {
	client redis.UniversalClient

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

// NewRedisBus creates a bus over an existing Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	once   sync.Once
	wg     sync.WaitGroup
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, event *models.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.EventID, err)
	}
	if err := b.client.Publish(ctx, channelPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	pubsub := b.client.Subscribe(ctx, channelPrefix+channel)
	// Force the SUBSCRIBE round-trip so delivery is live before we return.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	sub := &redisSubscription{bus: b, pubsub: pubsub}
	b.subs = append(b.subs, sub)

	sub.wg.Add(1)
	go sub.run(ctx, channel, handler)
	return sub, nil
}

func (s *redisSubscription) run(ctx context.Context, channel string, handler Handler) {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for msg := range ch {
		var event models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			slog.Error("Dropping malformed bus event", "channel", channel, "error", err)
			continue
		}
		if err := handler(ctx, &event); err != nil {
			// One immediate redelivery; handlers are idempotent.
			if err := handler(ctx, &event); err != nil {
				slog.Error("Event handler failed after redelivery",
					"channel", channel,
					"event_type", event.EventType,
					"correlation_id", event.CorrelationID,
					"task_id", event.TaskID,
					"workflow_id", event.WorkflowID,
					"error", err)
			}
		}
	}
}

// Close implements Subscription.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	s.wg.Wait()
	return err
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
