package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/auth"
	"github.com/onnwee/limestore/internal/cart"
	"github.com/onnwee/limestore/internal/idempotency"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/payment"
	"github.com/onnwee/limestore/internal/reconcile"
)

const testJWTSecret = "test-secret-for-limestore-api-handlers"

type fakeProvider struct {
	create  func(req payment.CheckoutRequest) (*payment.CheckoutSession, error)
	fetch   func(checkoutID string) (*payment.CheckoutStatus, error)
	fetches atomic.Int32
}

func (p *fakeProvider) Name() string { return "sumup" }

func (p *fakeProvider) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	if p.create != nil {
		return p.create(req)
	}
	return &payment.CheckoutSession{
		CheckoutID:  "chk-" + req.Reference,
		RedirectURL: "https://pay.example.com/" + req.Reference,
	}, nil
}

func (p *fakeProvider) FetchCheckoutStatus(ctx context.Context, checkoutID string) (*payment.CheckoutStatus, error) {
	p.fetches.Add(1)
	if p.fetch == nil {
		return nil, errors.New("unexpected fetch")
	}
	return p.fetch(checkoutID)
}

func paidAt(ref, amount string) func(string) (*payment.CheckoutStatus, error) {
	return func(checkoutID string) (*payment.CheckoutStatus, error) {
		return &payment.CheckoutStatus{
			CheckoutID: checkoutID,
			Status:     payment.StatusPaid,
			Amount:     decimal.RequireFromString(amount),
			Currency:   "EUR",
			Reference:  ref,
			RawStatus:  "PAID",
		}, nil
	}
}

type stubStripe struct {
	event *payment.StripeWebhookEvent
	err   error
}

func (s stubStripe) ParseWebhook(payload []byte, signature string) (*payment.StripeWebhookEvent, error) {
	return s.event, s.err
}

type apiFixture struct {
	t        *testing.T
	ledger   *order.InMemoryLedger
	provider *fakeProvider
	audit    *audit.InMemoryRepository
	jwt      *auth.JWTService
	handler  http.Handler
}

type fixtureOptions struct {
	policy     reconcile.ConfirmPolicy
	successURL string
	failureURL string
	stripe     StripeWebhookParser
	receipts   ReceiptLinker
}

func newAPIFixture(t *testing.T, opts fixtureOptions) *apiFixture {
	t.Helper()
	f := &apiFixture{
		t:        t,
		ledger:   order.NewInMemoryLedger(),
		provider: &fakeProvider{},
		audit:    audit.NewInMemoryRepository(),
		jwt:      auth.NewJWTService(testJWTSecret),
	}
	engine, err := reconcile.New(reconcile.Config{
		Ledger:        f.ledger,
		Providers:     []payment.Provider{f.provider},
		Webhooks:      payment.NewInMemoryWebhookRepository(),
		Audit:         f.audit,
		ConfirmPolicy: opts.policy,
	})
	if err != nil {
		t.Fatalf("reconcile.New() error = %v", err)
	}

	f.handler = NewRouter(RouterConfig{
		Payments: NewPaymentHandlers(PaymentHandlersConfig{
			Engine:     engine,
			Stripe:     opts.stripe,
			ReturnURL:  "https://api.limeshop.store/api/payments/sumup/callback",
			SuccessURL: opts.successURL,
			FailureURL: opts.failureURL,
			Currency:   "EUR",
		}),
		Orders:      NewOrderHandlers(engine, f.ledger, opts.receipts, f.audit, "EUR"),
		Health:      NewHealthHandlers(HealthHandlersConfig{}),
		Tokens:      f.jwt,
		Idempotency: idempotency.NewInMemoryRepository(),
	})
	return f
}

func (f *apiFixture) token(userID, email, role string) string {
	f.t.Helper()
	tok, err := f.jwt.GenerateAccessToken(userID, email, role)
	if err != nil {
		f.t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

func (f *apiFixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			f.t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) doStripe(body, signature string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/payments/stripe/webhook", bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// seedPending stores a pending 25.00 EUR order for buyer@example.com.
func (f *apiFixture) seedPending(ref, checkoutID string) {
	f.t.Helper()
	c := cart.Normalize([]map[string]any{
		{"productId": "tee", "name": "Lime Tee", "quantity": 2, "price": "12.50"},
	})
	err := f.ledger.CreatePending(context.Background(), &order.Order{
		Reference:       ref,
		CheckoutID:      checkoutID,
		Items:           c.Items,
		Subtotal:        c.Subtotal,
		Currency:        "EUR",
		Customer:        order.Customer{Email: "buyer@example.com", UserRef: "user-1", Name: "Lin"},
		ShippingAddress: order.Address{"city": "Lisbon"},
		RequestedMethod: order.MethodSumUpCard,
	})
	if err != nil {
		f.t.Fatalf("CreatePending() error = %v", err)
	}
}

func (f *apiFixture) markPaid(ref string) {
	f.t.Helper()
	_, _, err := f.ledger.MarkPaid(context.Background(), ref, order.Payment{
		Method:   order.MethodSumUpCard,
		Amount:   decimal.RequireFromString("25.00"),
		Currency: "EUR",
	}, order.ProvenanceProviderVerified)
	if err != nil {
		f.t.Fatalf("MarkPaid() error = %v", err)
	}
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v, body: %s", err, w.Body.String())
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[ErrorResponse](t, w).Error.Code
}
