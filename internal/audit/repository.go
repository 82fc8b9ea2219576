package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChainBroken is returned by VerifyChain when an entry's PreviousHash does
// not match the entry before it.
var ErrChainBroken = errors.New("audit hash chain broken")

// Repository stores audit events.
type Repository interface {
	// Append stores a new event, linking it to the previous one by hash.
	Append(ctx context.Context, entry Entry) (*Event, error)

	// QueryByEntity returns events for one entity, newest first. 0 = no limit.
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error)

	// QueryByActor returns events caused by one actor, newest first. 0 = no limit.
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*Event, error)
}

// hashEvent returns the SHA-256 hex digest of a stored entry.
func hashEvent(l *Event) string {
	h := sha256.New()
	fields := []string{
		l.ID, l.ActorID, l.EntityType, l.EntityID, l.Action, l.Outcome,
		l.Channel, l.Provenance, l.Detail, l.RequestID, l.IPAddress, l.UserAgent,
		l.CreatedAt.UTC().Format(time.RFC3339Nano), l.PreviousHash,
	}
	h.Write([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

func newEvent(entry Entry, prevHash string, now time.Time) *Event {
	return &Event{
		Entry:        entry,
		ID:           uuid.New().String(),
		CreatedAt:    now.UTC().Truncate(time.Microsecond),
		PreviousHash: prevHash,
	}
}

// verifyChain checks logs given oldest first.
func verifyChain(logs []*Event) error {
	prev := ""
	for i, l := range logs {
		if l.PreviousHash != prev {
			return fmt.Errorf("%w at entry %d (%s)", ErrChainBroken, i, l.ID)
		}
		prev = hashEvent(l)
	}
	return nil
}

// InMemoryRepository is an in-memory Repository for tests and development.
type InMemoryRepository struct {
	mu   sync.RWMutex
	events []*Event
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// Append stores the entry.
func (r *InMemoryRepository) Append(ctx context.Context, entry Entry) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if n := len(r.events); n > 0 {
		prev = hashEvent(r.events[n-1])
	}
	l := newEvent(entry, prev, r.now())
	r.events = append(r.events, l)

	c := *l
	return &c, nil
}

// QueryByEntity returns matching events, newest first.
func (r *InMemoryRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error) {
	return r.query(limit, func(l *Event) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByActor returns matching events, newest first.
func (r *InMemoryRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Event, error) {
	return r.query(limit, func(l *Event) bool {
		return l.ActorID == actorID
	}), nil
}

func (r *InMemoryRepository) query(limit int, match func(*Event) bool) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if !match(r.events[i]) {
			continue
		}
		c := *r.events[i]
		results = append(results, &c)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// VerifyChain checks every stored entry links to its predecessor.
func (r *InMemoryRepository) VerifyChain(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return verifyChain(r.events)
}
