package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is the single-instance Repository used without Redis.
// Prune has to run periodically to bound its size.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{records: make(map[string]*Record), now: time.Now}
}

func (r *InMemoryRepository) Get(_ context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec.clone(), nil
}

func (r *InMemoryRepository) Save(_ context.Context, rec *Record) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Key]; ok {
		return ErrKeyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	r.records[rec.Key] = rec.clone()
	return nil
}

func (r *InMemoryRepository) Prune(_ context.Context, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	var n int64
	for key, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}
