package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEventAlreadyProcessed is returned when a webhook delivery was already claimed.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// DefaultWebhookRetention is how long a claimed delivery key is remembered.
const DefaultWebhookRetention = 72 * time.Hour

// WebhookEvent is a claimed webhook delivery.
type WebhookEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// WebhookRepository deduplicates provider webhook deliveries.
//
// Claim is atomic: of any number of concurrent calls with the same event id
// exactly one returns nil and the rest return ErrEventAlreadyProcessed.
// Release forgets a claim so a delivery whose processing failed can be retried.
type WebhookRepository interface {
	Claim(ctx context.Context, eventID, eventType string) error
	Release(ctx context.Context, eventID string) error
	HasProcessed(ctx context.Context, eventID string) (bool, error)
}

// InMemoryWebhookRepository implements WebhookRepository for a single process.
type InMemoryWebhookRepository struct {
	mu        sync.Mutex
	events    map[string]WebhookEvent
	retention time.Duration
	now       func() time.Time
}

// NewInMemoryWebhookRepository creates an in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events:    make(map[string]WebhookEvent),
		retention: DefaultWebhookRetention,
		now:       time.Now,
	}
}

// Claim records the event unless it was seen within the retention window.
func (r *InMemoryWebhookRepository) Claim(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if ev, ok := r.events[eventID]; ok && now.Sub(ev.ProcessedAt) < r.retention {
		return ErrEventAlreadyProcessed
	}
	r.events[eventID] = WebhookEvent{EventID: eventID, EventType: eventType, ProcessedAt: now}
	return nil
}

// Release forgets the event.
func (r *InMemoryWebhookRepository) Release(ctx context.Context, eventID string) error {
	r.mu.Lock()
	delete(r.events, eventID)
	r.mu.Unlock()
	return nil
}

// HasProcessed reports whether the event is currently claimed.
func (r *InMemoryWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	return ok && r.now().Sub(ev.ProcessedAt) < r.retention, nil
}

// Cleanup drops claims older than the retention window.
func (r *InMemoryWebhookRepository) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, ev := range r.events {
		if now.Sub(ev.ProcessedAt) >= r.retention {
			delete(r.events, id)
			removed++
		}
	}
	return removed
}

// RedisWebhookRepository implements WebhookRepository with SET NX so that
// several API replicas share one dedup window.
type RedisWebhookRepository struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisWebhookRepository creates a Redis-backed webhook repository.
func NewRedisWebhookRepository(client *redis.Client, retention time.Duration) *RedisWebhookRepository {
	if retention <= 0 {
		retention = DefaultWebhookRetention
	}
	return &RedisWebhookRepository{
		client:    client,
		prefix:    "webhook:event:",
		retention: retention,
	}
}

// Claim sets the event key if absent.
func (r *RedisWebhookRepository) Claim(ctx context.Context, eventID, eventType string) error {
	ok, err := r.client.SetNX(ctx, r.prefix+eventID, eventType, r.retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// Release deletes the event key.
func (r *RedisWebhookRepository) Release(ctx context.Context, eventID string) error {
	return r.client.Del(ctx, r.prefix+eventID).Err()
}

// HasProcessed reports whether the event key exists.
func (r *RedisWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
