package order

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newPendingOrder(ref string) *Order {
	return &Order{
		Reference: ref,
		Items: []LineItem{
			{ProductRef: "prod-1", Name: "Lime Tee", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
		},
		Subtotal:        decimal.RequireFromString("25.00"),
		Currency:        "EUR",
		Customer:        Customer{UserRef: "user-1", Email: "buyer@example.com", Name: "Buyer"},
		ShippingAddress: Address{"city": "Berlin"},
		RequestedMethod: MethodSumUpCard,
	}
}

func paidPayment() Payment {
	return Payment{
		Method:    MethodSumUpCard,
		Amount:    decimal.RequireFromString("25.00"),
		Currency:  "EUR",
		RawStatus: "PAID",
	}
}

func TestNewReference(t *testing.T) {
	pattern := regexp.MustCompile(`^LIME-[0-9A-F]{10}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ref := NewReference("")
		if !pattern.MatchString(ref) {
			t.Fatalf("reference %q does not match %s", ref, pattern)
		}
		if seen[ref] {
			t.Fatalf("duplicate reference %q", ref)
		}
		seen[ref] = true
	}

	if ref := NewReference("SHOP"); ref[:5] != "SHOP-" {
		t.Errorf("expected custom prefix, got %q", ref)
	}
}

func TestInMemoryLedger_CreatePendingAndFind(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	o := newPendingOrder("LIME-0000000001")
	if err := ledger.CreatePending(ctx, o); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	if err := ledger.CreatePending(ctx, o); !errors.Is(err, ErrOrderExists) {
		t.Errorf("expected ErrOrderExists on duplicate, got %v", err)
	}

	got, err := ledger.FindByReference(ctx, o.Reference)
	if err != nil {
		t.Fatalf("FindByReference failed: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("expected pending state, got %s", got.State)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	// Mutating the returned copy must not affect the stored record.
	got.Items[0].Quantity = 99
	got.ShippingAddress["city"] = "Paris"
	again, _ := ledger.FindByReference(ctx, o.Reference)
	if again.Items[0].Quantity != 2 {
		t.Errorf("stored line items were mutated through a returned copy")
	}
	if again.ShippingAddress["city"] != "Berlin" {
		t.Errorf("stored address was mutated through a returned copy")
	}

	if _, err := ledger.FindByReference(ctx, "LIME-MISSING"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestInMemoryLedger_CreatePendingValidation(t *testing.T) {
	ledger := NewInMemoryLedger()
	ctx := context.Background()

	tests := []struct {
		name  string
		order *Order
	}{
		{"nil order", nil},
		{"missing reference", &Order{Currency: "EUR"}},
		{"bad currency", &Order{Reference: "LIME-X", Currency: "EURO"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ledger.CreatePending(ctx, tt.order); !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestInMemoryLedger_AttachCheckoutID(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	if err := ledger.CreatePending(ctx, newPendingOrder("LIME-A")); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	if err := ledger.CreatePending(ctx, newPendingOrder("LIME-B")); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	if err := ledger.AttachCheckoutID(ctx, "LIME-A", "CHK-1"); err != nil {
		t.Fatalf("AttachCheckoutID failed: %v", err)
	}
	if err := ledger.AttachCheckoutID(ctx, "LIME-A", "CHK-1"); err != nil {
		t.Errorf("re-attaching the same id should be a no-op, got %v", err)
	}
	if err := ledger.AttachCheckoutID(ctx, "LIME-A", "CHK-2"); !errors.Is(err, ErrCheckoutIDImmutable) {
		t.Errorf("expected ErrCheckoutIDImmutable, got %v", err)
	}
	if err := ledger.AttachCheckoutID(ctx, "LIME-B", "CHK-1"); !errors.Is(err, ErrOrderExists) {
		t.Errorf("expected ErrOrderExists for a checkout id owned by another order, got %v", err)
	}
	if err := ledger.AttachCheckoutID(ctx, "LIME-MISSING", "CHK-3"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	got, err := ledger.FindByCheckoutID(ctx, "CHK-1")
	if err != nil {
		t.Fatalf("FindByCheckoutID failed: %v", err)
	}
	if got.Reference != "LIME-A" {
		t.Errorf("expected LIME-A, got %s", got.Reference)
	}
}

func TestInMemoryLedger_MarkPaidIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()
	if err := ledger.CreatePending(ctx, newPendingOrder("LIME-PAY")); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	first, transitioned, err := ledger.MarkPaid(ctx, "LIME-PAY", paidPayment(), ProvenanceProviderVerified)
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if !transitioned {
		t.Fatal("first MarkPaid should transition")
	}
	if !first.IsPaid() || first.Provenance != ProvenanceProviderVerified {
		t.Errorf("unexpected order after transition: state=%s provenance=%s", first.State, first.Provenance)
	}

	other := paidPayment()
	other.Amount = decimal.RequireFromString("1.00")
	second, transitioned, err := ledger.MarkPaid(ctx, "LIME-PAY", other, ProvenanceProviderVerified)
	if err != nil {
		t.Fatalf("second MarkPaid failed: %v", err)
	}
	if transitioned {
		t.Error("second MarkPaid must not transition")
	}
	if !second.Payment.Amount.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("paid amount changed on second MarkPaid: %s", second.Payment.Amount)
	}

	if _, _, err := ledger.MarkPaid(ctx, "LIME-MISSING", paidPayment(), ProvenanceProviderVerified); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestInMemoryLedger_MarkPaidConcurrent(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()
	if err := ledger.CreatePending(ctx, newPendingOrder("LIME-RACE")); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	const workers = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, transitioned, err := ledger.MarkPaid(ctx, "LIME-RACE", paidPayment(), ProvenanceProviderVerified)
			if err != nil {
				t.Errorf("MarkPaid failed: %v", err)
				return
			}
			if transitioned {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one transition, got %d", wins)
	}
}

func TestInMemoryLedger_InsertPaid(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	o := newPendingOrder("LIME-DIRECT")
	if err := ledger.InsertPaid(ctx, o); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder without payment, got %v", err)
	}

	p := paidPayment()
	p.Method = MethodExternal
	o.Payment = &p
	o.Provenance = ProvenanceClientAsserted
	if err := ledger.InsertPaid(ctx, o); err != nil {
		t.Fatalf("InsertPaid failed: %v", err)
	}
	if err := ledger.InsertPaid(ctx, o); !errors.Is(err, ErrOrderExists) {
		t.Errorf("expected ErrOrderExists, got %v", err)
	}

	got, _ := ledger.FindByReference(ctx, "LIME-DIRECT")
	if !got.IsPaid() || got.Provenance != ProvenanceClientAsserted {
		t.Errorf("unexpected stored order: state=%s provenance=%s", got.State, got.Provenance)
	}
}

func TestInMemoryLedger_DeletePending(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	for _, ref := range []string{"LIME-1", "LIME-2"} {
		if err := ledger.CreatePending(ctx, newPendingOrder(ref)); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
	}
	if err := ledger.AttachCheckoutID(ctx, "LIME-1", "CHK-DEL"); err != nil {
		t.Fatalf("AttachCheckoutID failed: %v", err)
	}
	if _, _, err := ledger.MarkPaid(ctx, "LIME-2", paidPayment(), ProvenanceProviderVerified); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	if err := ledger.DeletePending(ctx, "LIME-1"); err != nil {
		t.Fatalf("DeletePending failed: %v", err)
	}
	if _, err := ledger.FindByReference(ctx, "LIME-1"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected pending order to be deleted, got %v", err)
	}
	if _, err := ledger.FindByCheckoutID(ctx, "CHK-DEL"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected checkout index entry to be deleted, got %v", err)
	}

	if err := ledger.DeletePending(ctx, "LIME-2"); err != nil {
		t.Fatalf("DeletePending failed: %v", err)
	}
	if _, err := ledger.FindByReference(ctx, "LIME-2"); err != nil {
		t.Errorf("paid order must survive DeletePending, got %v", err)
	}
}

func TestInMemoryLedger_DeletePendingFor(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	mine := newPendingOrder("LIME-MINE")
	byUser := newPendingOrder("LIME-USER")
	byUser.Customer.Email = "other@example.com"
	paid := newPendingOrder("LIME-PAID")
	stranger := newPendingOrder("LIME-STRANGER")
	stranger.Customer = Customer{Email: "stranger@example.com"}

	for _, o := range []*Order{mine, byUser, paid, stranger} {
		if err := ledger.CreatePending(ctx, o); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
	}
	if _, _, err := ledger.MarkPaid(ctx, "LIME-PAID", paidPayment(), ProvenanceProviderVerified); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	deleted, err := ledger.DeletePendingFor(ctx, Owner{Email: "BUYER@example.com", UserRef: "user-1"})
	if err != nil {
		t.Fatalf("DeletePendingFor failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
	if _, err := ledger.FindByReference(ctx, "LIME-PAID"); err != nil {
		t.Errorf("paid order must survive, got %v", err)
	}
	if _, err := ledger.FindByReference(ctx, "LIME-STRANGER"); err != nil {
		t.Errorf("unrelated order must survive, got %v", err)
	}

	if n, _ := ledger.DeletePendingFor(ctx, Owner{}); n != 0 {
		t.Errorf("empty owner must not delete anything, deleted %d", n)
	}
}

func TestInMemoryLedger_DeletePendingForCutoff(t *testing.T) {
	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		createdAt time.Time
		cutoff    time.Time
		wantGone  bool
	}{
		{"older checkout", paidAt.Add(-time.Hour), paidAt, true},
		{"checkout opened later in another tab", paidAt.Add(time.Minute), paidAt, false},
		{"created at the cutoff", paidAt, paidAt, false},
		{"no cutoff", paidAt.Add(time.Minute), time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := NewInMemoryLedger()
			o := newPendingOrder("LIME-TAB")
			o.CreatedAt = tt.createdAt
			if err := ledger.CreatePending(ctx, o); err != nil {
				t.Fatalf("CreatePending failed: %v", err)
			}

			if _, err := ledger.DeletePendingFor(ctx, Owner{Email: "buyer@example.com", CreatedBefore: tt.cutoff}); err != nil {
				t.Fatalf("DeletePendingFor failed: %v", err)
			}
			_, err := ledger.FindByReference(ctx, "LIME-TAB")
			if gone := errors.Is(err, ErrOrderNotFound); gone != tt.wantGone {
				t.Errorf("deleted = %v, want %v (err %v)", gone, tt.wantGone, err)
			}
		})
	}
}

func TestInMemoryLedger_ListByCustomer(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, ref := range []string{"LIME-OLD", "LIME-MID", "LIME-NEW"} {
		o := newPendingOrder(ref)
		o.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := ledger.CreatePending(ctx, o); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
	}

	orders, err := ledger.ListByCustomer(ctx, Owner{UserRef: "user-1"}, 2)
	if err != nil {
		t.Fatalf("ListByCustomer failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].Reference != "LIME-NEW" || orders[1].Reference != "LIME-MID" {
		t.Errorf("unexpected order: %s, %s", orders[0].Reference, orders[1].Reference)
	}
}

func TestInMemoryLedger_ListPaid(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, ref := range []string{"LIME-A", "LIME-B", "LIME-C"} {
		o := newPendingOrder(ref)
		o.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := ledger.CreatePending(ctx, o); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
	}
	for _, ref := range []string{"LIME-A", "LIME-C"} {
		if _, _, err := ledger.MarkPaid(ctx, ref, paidPayment(), ProvenanceProviderVerified); err != nil {
			t.Fatalf("MarkPaid(%s) failed: %v", ref, err)
		}
	}

	orders, err := ledger.ListPaid(ctx, 0)
	if err != nil {
		t.Fatalf("ListPaid failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 paid orders, got %d", len(orders))
	}
	if orders[0].Reference != "LIME-C" || orders[1].Reference != "LIME-A" {
		t.Errorf("unexpected order: %s, %s", orders[0].Reference, orders[1].Reference)
	}
}

func TestOrder_TotalsAndClone(t *testing.T) {
	o := newPendingOrder("LIME-T")
	o.Items = append(o.Items, LineItem{ProductRef: "prod-2", Quantity: 3, UnitPrice: decimal.RequireFromString("1.10")})

	if got := o.TotalItems(); got != 5 {
		t.Errorf("TotalItems = %d, want 5", got)
	}
	if got := o.Items[1].LineTotal(); !got.Equal(decimal.RequireFromString("3.30")) {
		t.Errorf("LineTotal = %s, want 3.30", got)
	}

	var nilOrder *Order
	if nilOrder.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
	if nilOrder.IsPaid() {
		t.Error("nil order is not paid")
	}
}
