package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/limestore/internal/payment"
)

func TestReconcileWebhook_EnvelopeIdentifiersAreChecked(t *testing.T) {
	tests := []struct {
		name      string
		env       WebhookEnvelope
		fetch     func(string) (*payment.CheckoutStatus, error)
		wantErr   error
		wantFetch int32
	}{
		{
			name:    "reference of one order with the checkout of another",
			env:     WebhookEnvelope{Provider: "sumup", EventType: EventSumUpCheckoutCompleted, CheckoutID: "chk-b", Reference: "LIME-A"},
			wantErr: ErrInvalidCheckout,
		},
		{
			name:      "provider places the checkout under a different order",
			env:       WebhookEnvelope{Provider: "sumup", EventType: EventSumUpCheckoutCompleted, CheckoutID: "chk-a"},
			fetch:     paidStatus("LIME-B", "25.00"),
			wantErr:   ErrVerificationRejected,
			wantFetch: 1,
		},
		{
			name:    "unknown reference",
			env:     WebhookEnvelope{Provider: "sumup", EventType: EventSumUpCheckoutCompleted, CheckoutID: "chk-a", Reference: "LIME-Z"},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, PolicyOpen)
			f.seedPending(t, "LIME-A", "chk-a")
			f.seedPending(t, "LIME-B", "chk-b")
			f.provider.fetch = tt.fetch

			_, err := f.engine.ReconcileWebhook(context.Background(), tt.env)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got := f.provider.fetches.Load(); got != tt.wantFetch {
				t.Errorf("fetches = %d, want %d", got, tt.wantFetch)
			}
			for _, ref := range []string{"LIME-A", "LIME-B"} {
				o, _ := f.ledger.FindByReference(context.Background(), ref)
				if o.IsPaid() {
					t.Errorf("%s must stay pending", ref)
				}
			}
			if f.effects.count() != 0 {
				t.Errorf("expected no effects, got %d", f.effects.count())
			}
		})
	}
}
