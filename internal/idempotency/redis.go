package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisRepository shares records across API instances. Each record is a
// JSON value written with SET NX and a TTL, so Redis does the expiry.
type RedisRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRepository uses DefaultExpiry when ttl is not positive.
func NewRedisRepository(client redis.UniversalClient, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl}
}

func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRepository) Save(ctx context.Context, rec *Record) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	stored, err := r.client.SetNX(ctx, redisKeyPrefix+rec.Key, raw, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	if !stored {
		return ErrKeyExists
	}
	return nil
}

// Prune is a no-op; keys carry their own TTL.
func (r *RedisRepository) Prune(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
