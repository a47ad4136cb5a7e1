package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantforge/quantforge/pkg/models"
)

// ErrConversationNotFound indicates no record exists for the conversation id.
var ErrConversationNotFound = errors.New("conversation not found")

// DefaultConversationTTL is the default record time-to-live (24h).
const DefaultConversationTTL = 24 * time.Hour

// ConversationStore persists per-conversation message history. Records are
// mutated only by the router (append-only); agents address conversations by
// id. Which key served a turn is never recorded.
type ConversationStore interface {
	// Get returns the record, or ErrConversationNotFound.
	Get(ctx context.Context, conversationID string) (*models.ConversationRecord, error)

	// Put writes the record and refreshes its TTL.
	Put(ctx context.Context, record *models.ConversationRecord) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, conversationID string) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}

// InMemoryConversationStore is the single-node store used in tests and when
// no Redis backend is configured. TTL expiry is lazy (checked on Get).
type InMemoryConversationStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	record    *models.ConversationRecord
	expiresAt time.Time
}

// NewInMemoryConversationStore creates a store with the given TTL
// (DefaultConversationTTL when zero).
func NewInMemoryConversationStore(ttl time.Duration) *InMemoryConversationStore {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	return &InMemoryConversationStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*memoryRecord),
	}
}

// Get implements ConversationStore.
func (s *InMemoryConversationStore) Get(_ context.Context, conversationID string) (*models.ConversationRecord, error) {
	s.mu.RLock()
	entry, ok := s.records[conversationID]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return cloneRecord(entry.record), nil
}

// Put implements ConversationStore.
func (s *InMemoryConversationStore) Put(_ context.Context, record *models.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ConversationID] = &memoryRecord{
		record:    cloneRecord(record),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Delete implements ConversationStore.
func (s *InMemoryConversationStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, conversationID)
	return nil
}

// Ping implements ConversationStore.
func (s *InMemoryConversationStore) Ping(context.Context) error { return nil }

func cloneRecord(r *models.ConversationRecord) *models.ConversationRecord {
	copied := *r
	copied.Messages = make([]models.ConversationMessage, len(r.Messages))
	copy(copied.Messages, r.Messages)
	return &copied
}

// RedisConversationStore persists records as JSON strings with a TTL,
// sharing history across router replicas.
type RedisConversationStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisConversationStore creates a Redis-backed store.
func NewRedisConversationStore(client redis.UniversalClient, ttl time.Duration) *RedisConversationStore {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	return &RedisConversationStore{client: client, ttl: ttl}
}

func conversationKey(id string) string { return "conv:" + id }

// Get implements ConversationStore.
func (s *RedisConversationStore) Get(ctx context.Context, conversationID string) (*models.ConversationRecord, error) {
	data, err := s.client.Get(ctx, conversationKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation %s: %w", conversationID, err)
	}
	var record models.ConversationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", conversationID, err)
	}
	return &record, nil
}

// Put implements ConversationStore.
func (s *RedisConversationStore) Put(ctx context.Context, record *models.ConversationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", record.ConversationID, err)
	}
	if err := s.client.Set(ctx, conversationKey(record.ConversationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing conversation %s: %w", record.ConversationID, err)
	}
	return nil
}

// Delete implements ConversationStore.
func (s *RedisConversationStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, conversationKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
	}
	return nil
}

// Ping implements ConversationStore.
func (s *RedisConversationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
