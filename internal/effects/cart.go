package effects

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/limestore/internal/order"
)

// CartClearer removes a purchaser's leftover cart state after payment.
type CartClearer interface {
	Clear(ctx context.Context, owner order.Owner) error
}

// PendingDeleter is the ledger capability LedgerResidueClearer needs.
type PendingDeleter interface {
	DeletePendingFor(ctx context.Context, owner order.Owner) (int64, error)
}

// LedgerResidueClearer deletes the owner's abandoned pending orders.
// Paid orders are never touched. Only orders created before
// owner.CreatedBefore go; an earlier checkout still open in another tab is
// removed along with them.
type LedgerResidueClearer struct {
	Ledger PendingDeleter
}

// Clear deletes pending orders matching owner.
func (c LedgerResidueClearer) Clear(ctx context.Context, owner order.Owner) error {
	_, err := c.Ledger.DeletePendingFor(ctx, owner)
	return err
}

// RedisCartStore keeps server-side carts in Redis.
type RedisCartStore struct {
	client *redis.Client
}

// NewRedisCartStore creates a Redis cart store.
func NewRedisCartStore(client *redis.Client) *RedisCartStore {
	return &RedisCartStore{client: client}
}

// UserCartKey is the cart key for a user reference.
func UserCartKey(userRef string) string {
	return "cart:user:" + userRef
}

// EmailCartKey is the cart key for an email address.
func EmailCartKey(email string) string {
	return "cart:email:" + strings.ToLower(strings.TrimSpace(email))
}

// Clear deletes the cart keys for the owner's user reference and email.
func (s *RedisCartStore) Clear(ctx context.Context, owner order.Owner) error {
	var keys []string
	if owner.UserRef != "" {
		keys = append(keys, UserCartKey(owner.UserRef))
	}
	if strings.TrimSpace(owner.Email) != "" {
		keys = append(keys, EmailCartKey(owner.Email))
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// MultiClearer runs every clearer and joins their errors.
type MultiClearer []CartClearer

// Clear calls each clearer in order, continuing past failures.
func (m MultiClearer) Clear(ctx context.Context, owner order.Owner) error {
	var errs []error
	for _, c := range m {
		if err := c.Clear(ctx, owner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
