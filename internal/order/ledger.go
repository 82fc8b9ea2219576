package order

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Ledger errors.
var (
	// ErrOrderNotFound is returned when no order matches the lookup key.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists is returned when inserting an order whose reference is taken.
	ErrOrderExists = errors.New("order already exists")

	// ErrCheckoutIDImmutable is returned when attaching a different checkout id
	// to an order that already has one.
	ErrCheckoutIDImmutable = errors.New("provider checkout id already set")

	// ErrInvariantViolation is returned when a compare-and-set finds the order
	// neither pending nor paid after a failed conditional write.
	ErrInvariantViolation = errors.New("order ledger invariant violated")

	// ErrInvalidOrder is returned when an order is missing required fields.
	ErrInvalidOrder = errors.New("invalid order")
)

// Ledger persists order records and owns their lifecycle field.
// All transitions to StatePaid go through MarkPaid.
type Ledger interface {
	// CreatePending stores a new pending order.
	// Returns ErrOrderExists if the reference is already taken.
	CreatePending(ctx context.Context, o *Order) error

	// InsertPaid stores an order that is already paid.
	// Returns ErrOrderExists if the reference is already taken.
	InsertPaid(ctx context.Context, o *Order) error

	// FindByReference returns the order with the given reference.
	FindByReference(ctx context.Context, ref string) (*Order, error)

	// FindByCheckoutID returns the order holding the given provider checkout id.
	FindByCheckoutID(ctx context.Context, checkoutID string) (*Order, error)

	// AttachCheckoutID sets the provider checkout id once.
	AttachCheckoutID(ctx context.Context, ref, checkoutID string) error

	// MarkPaid moves a pending order to paid with the given payment facts.
	// The write is conditioned on the stored state still being pending.
	// The returned bool is true only for the call that performed the transition;
	// an already-paid order is returned unchanged with false.
	MarkPaid(ctx context.Context, ref string, p Payment, prov Provenance) (*Order, bool, error)

	// DeletePending removes a pending order. Paid orders are never deleted.
	DeletePending(ctx context.Context, ref string) error

	// DeletePendingFor removes pending orders belonging to the owner and
	// created before owner.CreatedBefore, if set. It returns how many were
	// removed.
	DeletePendingFor(ctx context.Context, owner Owner) (int64, error)

	// ListByCustomer returns the owner's orders, newest first.
	// A limit of 0 means no limit.
	ListByCustomer(ctx context.Context, owner Owner, limit int) ([]*Order, error)

	// ListPaid returns every paid order, newest first, for staff views.
	ListPaid(ctx context.Context, limit int) ([]*Order, error)
}

func validateForInsert(o *Order) error {
	if o == nil || o.Reference == "" {
		return ErrInvalidOrder
	}
	if len(o.Currency) != 3 {
		return ErrInvalidOrder
	}
	return nil
}

// InMemoryLedger implements Ledger with in-memory storage.
// Thread-safe; records are copied on the way in and out.
type InMemoryLedger struct {
	mu         sync.RWMutex
	orders     map[string]*Order
	byCheckout map[string]string
	now        func() time.Time
}

// NewInMemoryLedger creates an empty in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		orders:     make(map[string]*Order),
		byCheckout: make(map[string]string),
		now:        time.Now,
	}
}

// CreatePending stores a new pending order.
func (l *InMemoryLedger) CreatePending(ctx context.Context, o *Order) error {
	if err := validateForInsert(o); err != nil {
		return err
	}
	c := o.Clone()
	c.State = StatePending
	c.Provenance = ""
	c.Payment = nil
	return l.insert(c)
}

// InsertPaid stores an order that is already paid.
func (l *InMemoryLedger) InsertPaid(ctx context.Context, o *Order) error {
	if err := validateForInsert(o); err != nil {
		return err
	}
	if o.Payment == nil {
		return ErrInvalidOrder
	}
	c := o.Clone()
	c.State = StatePaid
	return l.insert(c)
}

func (l *InMemoryLedger) insert(o *Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.orders[o.Reference]; exists {
		return ErrOrderExists
	}
	if o.CheckoutID != "" {
		if _, taken := l.byCheckout[o.CheckoutID]; taken {
			return ErrOrderExists
		}
		l.byCheckout[o.CheckoutID] = o.Reference
	}

	now := l.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	l.orders[o.Reference] = o
	return nil
}

// FindByReference returns the order with the given reference.
func (l *InMemoryLedger) FindByReference(ctx context.Context, ref string) (*Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[ref]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// FindByCheckoutID returns the order holding the given provider checkout id.
func (l *InMemoryLedger) FindByCheckoutID(ctx context.Context, checkoutID string) (*Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ref, ok := l.byCheckout[checkoutID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return l.orders[ref].Clone(), nil
}

// AttachCheckoutID sets the provider checkout id once.
func (l *InMemoryLedger) AttachCheckoutID(ctx context.Context, ref, checkoutID string) error {
	if checkoutID == "" {
		return ErrInvalidOrder
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[ref]
	if !ok {
		return ErrOrderNotFound
	}
	if o.CheckoutID == checkoutID {
		return nil
	}
	if o.CheckoutID != "" {
		return ErrCheckoutIDImmutable
	}
	if owner, taken := l.byCheckout[checkoutID]; taken && owner != ref {
		return ErrOrderExists
	}
	o.CheckoutID = checkoutID
	o.UpdatedAt = l.now().UTC()
	l.byCheckout[checkoutID] = ref
	return nil
}

// MarkPaid moves a pending order to paid.
func (l *InMemoryLedger) MarkPaid(ctx context.Context, ref string, p Payment, prov Provenance) (*Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[ref]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	switch o.State {
	case StatePaid:
		return o.Clone(), false, nil
	case StatePending:
	default:
		return nil, false, ErrInvariantViolation
	}

	now := l.now().UTC()
	if p.PaidAt.IsZero() {
		p.PaidAt = now
	}
	o.State = StatePaid
	o.Provenance = prov
	o.Payment = &p
	o.UpdatedAt = now
	return o.Clone(), true, nil
}

// DeletePending removes a pending order.
func (l *InMemoryLedger) DeletePending(ctx context.Context, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[ref]
	if !ok || o.State != StatePending {
		return nil
	}
	l.remove(o)
	return nil
}

// DeletePendingFor removes pending orders belonging to the owner.
func (l *InMemoryLedger) DeletePendingFor(ctx context.Context, owner Owner) (int64, error) {
	if owner.IsZero() {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var deleted int64
	for _, o := range l.orders {
		if o.State == StatePending && owner.Matches(o) && owner.predates(o) {
			l.remove(o)
			deleted++
		}
	}
	return deleted, nil
}

// remove must be called with l.mu held.
func (l *InMemoryLedger) remove(o *Order) {
	delete(l.orders, o.Reference)
	if o.CheckoutID != "" {
		delete(l.byCheckout, o.CheckoutID)
	}
}

// ListByCustomer returns the owner's orders, newest first.
func (l *InMemoryLedger) ListByCustomer(ctx context.Context, owner Owner, limit int) ([]*Order, error) {
	if owner.IsZero() {
		return nil, nil
	}

	l.mu.RLock()
	var results []*Order
	for _, o := range l.orders {
		if owner.Matches(o) {
			results = append(results, o.Clone())
		}
	}
	l.mu.RUnlock()

	return newestFirst(results, limit), nil
}

// ListPaid returns every paid order, newest first.
func (l *InMemoryLedger) ListPaid(ctx context.Context, limit int) ([]*Order, error) {
	l.mu.RLock()
	var results []*Order
	for _, o := range l.orders {
		if o.IsPaid() {
			results = append(results, o.Clone())
		}
	}
	l.mu.RUnlock()

	return newestFirst(results, limit), nil
}

func newestFirst(orders []*Order, limit int) []*Order {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return strings.Compare(orders[i].Reference, orders[j].Reference) > 0
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders
}
