package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/reconcile"
)

type fakeReceipts struct {
	url string
	err error
}

func (f fakeReceipts) PresignedURL(ctx context.Context, reference string) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.url + reference, time.Now().Add(15 * time.Minute), nil
}

// insertPaid stores a paid order for another purchaser.
func (f *apiFixture) insertPaid(ref, email string) {
	f.t.Helper()
	err := f.ledger.InsertPaid(context.Background(), &order.Order{
		Reference:  ref,
		Items:      []order.LineItem{{ProductRef: "mug", Quantity: 1, UnitPrice: decimal.RequireFromString("8.00")}},
		Subtotal:   decimal.RequireFromString("8.00"),
		Currency:   "EUR",
		Provenance: order.ProvenanceClientAsserted,
		Customer:   order.Customer{Email: email},
		Payment:    &order.Payment{Method: order.MethodExternal, Amount: decimal.RequireFromString("8.00"), Currency: "EUR"},
	})
	if err != nil {
		f.t.Fatalf("InsertPaid() error = %v", err)
	}
}

func directBody(ref string) map[string]any {
	return map[string]any{
		"orderId":       ref,
		"paymentMethod": "external",
		"email":         "walkin@example.com",
		"name":          "Ana",
		"items":         []map[string]any{{"id": "tee", "quantity": 2, "price": "12.50"}},
		"total":         "999.00",
		"address":       map[string]any{"line1": "Rua Augusta 1"},
	}
}

func TestCreateOrder_RecordsClientConfirmedOrder(t *testing.T) {
	f := newAPIFixture(t, fixtureOptions{})

	w := f.do(http.MethodPost, "/api/orders/create", directBody("LIME-WALKIN"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeJSON[CreateOrderResponse](t, w)
	if !resp.Success || resp.OrderID != "LIME-WALKIN" || resp.Message != "Order saved successfully." {
		t.Errorf("unexpected response: %+v", resp)
	}
	// The server subtotal wins over the client's total.
	if resp.Order.Total != "25.00" {
		t.Errorf("total = %s, want 25.00", resp.Order.Total)
	}
	if resp.Order.Customer == nil || resp.Order.Customer.Type != "guest" {
		t.Errorf("expected guest customer view, got %+v", resp.Order.Customer)
	}
	if w.Header().Get("X-Order-Reference") != "LIME-WALKIN" {
		t.Errorf("missing X-Order-Reference header")
	}

	o, err := f.ledger.FindByReference(t.Context(), "LIME-WALKIN")
	if err != nil {
		t.Fatalf("FindByReference() error = %v", err)
	}
	if !o.IsPaid() || o.Provenance != order.ProvenanceClientAsserted {
		t.Errorf("state=%s provenance=%s, want paid client_asserted", o.State, o.Provenance)
	}
	if o.Payment.Method != order.MethodExternal || o.Payment.RawStatus != reconcile.ClientConfirmedStatus {
		t.Errorf("unexpected payment %+v", o.Payment)
	}
	if o.ShippingAddress["line1"] != "Rua Augusta 1" {
		t.Errorf("shipping address not stored: %+v", o.ShippingAddress)
	}
	if f.provider.fetches.Load() != 0 {
		t.Error("provider should not be consulted without a checkout")
	}
}

func TestCreateOrder_RepeatIsAlreadyRecorded(t *testing.T) {
	f := newAPIFixture(t, fixtureOptions{})

	f.do(http.MethodPost, "/api/orders/create", directBody("LIME-WALKIN"), "")
	w := f.do(http.MethodPost, "/api/orders/create", directBody("LIME-WALKIN"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[CreateOrderResponse](t, w)
	if resp.Message != "Order already recorded." {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestCreateOrder_PendingCheckoutIsVerified(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		wantStatus int
		wantPaid   bool
	}{
		{name: "provider confirms", amount: "25.00", wantStatus: http.StatusOK, wantPaid: true},
		{name: "provider disagrees", amount: "20.00", wantStatus: http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, fixtureOptions{policy: reconcile.PolicyDisabled})
			f.seedPending("LIME-1", "chk-1")
			f.provider.fetch = paidAt("LIME-1", tt.amount)

			w := f.do(http.MethodPost, "/api/orders/create", map[string]any{"orderId": "LIME-1"}, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			o, _ := f.ledger.FindByReference(t.Context(), "LIME-1")
			if o.IsPaid() != tt.wantPaid {
				t.Errorf("paid = %v, want %v", o.IsPaid(), tt.wantPaid)
			}
			if tt.wantPaid && o.Provenance != order.ProvenanceProviderVerified {
				t.Errorf("provenance = %q, want provider_verified", o.Provenance)
			}
		})
	}
}

func TestCreateOrder_ConfirmPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     reconcile.ConfirmPolicy
		role       string
		wantStatus int
		wantCode   string
	}{
		{name: "authenticated policy, anonymous", policy: reconcile.PolicyAuthenticated, wantStatus: http.StatusUnauthorized, wantCode: ErrCodeAuthRequired},
		{name: "authenticated policy, customer", policy: reconcile.PolicyAuthenticated, role: "customer", wantStatus: http.StatusOK},
		{name: "admin policy, customer", policy: reconcile.PolicyAdmin, role: "customer", wantStatus: http.StatusForbidden, wantCode: ErrCodeConfirmNotAllowed},
		{name: "admin policy, admin", policy: reconcile.PolicyAdmin, role: "admin", wantStatus: http.StatusOK},
		{name: "disabled", policy: reconcile.PolicyDisabled, role: "admin", wantStatus: http.StatusForbidden, wantCode: ErrCodeConfirmNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, fixtureOptions{policy: tt.policy})
			f.seedPending("LIME-1", "")
			var token string
			if tt.role != "" {
				token = f.token("user-9", "staff@example.com", tt.role)
			}

			w := f.do(http.MethodPost, "/api/orders/create", map[string]any{"orderId": "LIME-1"}, token)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantCode != "" {
				if code := errorCode(t, w); code != tt.wantCode {
					t.Errorf("expected error code %q, got %q", tt.wantCode, code)
				}
			}

			o, _ := f.ledger.FindByReference(t.Context(), "LIME-1")
			wantPaid := tt.wantStatus == http.StatusOK
			if o.IsPaid() != wantPaid {
				t.Errorf("paid = %v, want %v", o.IsPaid(), wantPaid)
			}
			if wantPaid && !o.Payment.Amount.Equal(decimal.RequireFromString("25.00")) {
				t.Errorf("asserted amount = %s, want stored subtotal 25.00", o.Payment.Amount)
			}
		})
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{name: "malformed JSON", body: "[", wantCode: ErrCodeBadRequest},
		{name: "reference with spaces", body: map[string]any{"orderId": "LIME 1"}, wantCode: ErrCodeValidation},
		{name: "bad payment method", body: map[string]any{"paymentMethod": "card;drop"}, wantCode: ErrCodeValidation},
		{name: "bad email", body: map[string]any{"email": "nope"}, wantCode: ErrCodeValidation},
		{name: "empty cart", body: map[string]any{"items": []map[string]any{}}, wantCode: ErrCodeEmptyCart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, fixtureOptions{})
			w := f.do(http.MethodPost, "/api/orders/create", tt.body, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("expected error code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

func TestCreateOrder_UnpricedCartUsesClientTotal(t *testing.T) {
	f := newAPIFixture(t, fixtureOptions{})
	body := map[string]any{
		"orderId": "LIME-GIFT",
		"items":   []map[string]any{{"id": "gift-card", "quantity": 1}},
		"amount":  40,
	}

	w := f.do(http.MethodPost, "/api/orders/create", body, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeJSON[CreateOrderResponse](t, w); resp.Order.Total != "40.00" {
		t.Errorf("total = %s, want 40.00", resp.Order.Total)
	}
}

func TestGetOrder(t *testing.T) {
	tests := []struct {
		name         string
		userID       string
		email        string
		role         string
		wantCustomer bool
	}{
		{name: "anonymous sees summary only"},
		{name: "other customer sees summary only", userID: "user-2", email: "other@example.com", role: "customer"},
		{name: "owner by email", userID: "user-3", email: "BUYER@example.com", role: "customer", wantCustomer: true},
		{name: "owner by account", userID: "user-1", email: "changed@example.com", role: "customer", wantCustomer: true},
		{name: "admin", userID: "staff-1", email: "staff@example.com", role: "admin", wantCustomer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, fixtureOptions{})
			f.seedPending("LIME-1", "chk-1")
			var token string
			if tt.role != "" {
				token = f.token(tt.userID, tt.email, tt.role)
			}

			w := f.do(http.MethodGet, "/api/orders/LIME-1", nil, token)
			if w.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
			}
			resp := decodeJSON[struct {
				Order OrderView `json:"order"`
			}](t, w)
			if resp.Order.OrderID != "LIME-1" || resp.Order.Status != order.StatePending || resp.Order.Total != "25.00" {
				t.Errorf("unexpected order view %+v", resp.Order)
			}
			if (resp.Order.Customer != nil) != tt.wantCustomer {
				t.Errorf("customer present = %v, want %v", resp.Order.Customer != nil, tt.wantCustomer)
			}
			if tt.wantCustomer && resp.Order.ShippingAddress["city"] != "Lisbon" {
				t.Errorf("expected shipping address, got %+v", resp.Order.ShippingAddress)
			}
			if !tt.wantCustomer && resp.Order.ShippingAddress != nil {
				t.Errorf("shipping address leaked: %+v", resp.Order.ShippingAddress)
			}

			logs, _ := f.audit.QueryByEntity(t.Context(), audit.EntityOrder, "LIME-1", 0)
			viewed := false
			for _, l := range logs {
				viewed = viewed || l.Action == audit.ActionOrderViewed
			}
			if viewed != tt.wantCustomer {
				t.Errorf("order_viewed audited = %v, want %v", viewed, tt.wantCustomer)
			}
		})
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newAPIFixture(t, fixtureOptions{})
	for _, path := range []string{"/api/orders/LIME-404", "/api/orders/bad%20ref"} {
		w := f.do(http.MethodGet, path, nil, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestListOrders(t *testing.T) {
	f := newAPIFixture(t, fixtureOptions{})
	f.seedPending("LIME-1", "chk-1")
	f.markPaid("LIME-1")
	f.seedPending("LIME-2", "chk-2")
	f.insertPaid("LIME-3", "someone@example.com")

	if w := f.do(http.MethodGet, "/api/orders/", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list: expected 401, got %d", w.Code)
	}

	for _, path := range []string{"/api/orders/", "/api/orders/user", "/api/orders/me"} {
		w := f.do(http.MethodGet, path, nil, f.token("user-1", "buyer@example.com", "customer"))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d: %s", path, w.Code, w.Body.String())
		}
		resp := decodeJSON[struct {
			Orders []OrderView `json:"orders"`
		}](t, w)
		if len(resp.Orders) != 1 || resp.Orders[0].OrderID != "LIME-1" {
			t.Errorf("%s: expected only the paid order LIME-1, got %+v", path, resp.Orders)
		}
	}
}

func TestListAllOrders(t *testing.T) {
	f := newAPIFixture(t, fixtureOptions{})
	f.seedPending("LIME-1", "chk-1")
	f.markPaid("LIME-1")
	f.seedPending("LIME-2", "chk-2")
	f.insertPaid("LIME-3", "someone@example.com")

	tests := []struct {
		name       string
		token      string
		wantStatus int
		wantCount  int
	}{
		{name: "anonymous", wantStatus: http.StatusUnauthorized},
		{name: "customer", token: f.token("user-1", "buyer@example.com", "customer"), wantStatus: http.StatusForbidden},
		{name: "admin", token: f.token("staff-1", "staff@example.com", "admin"), wantStatus: http.StatusOK, wantCount: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/api/admin/orders", "/api/orders/all"} {
				w := f.do(http.MethodGet, path, nil, tt.token)
				if w.Code != tt.wantStatus {
					t.Fatalf("%s: expected status %d, got %d", path, tt.wantStatus, w.Code)
				}
				if tt.wantStatus != http.StatusOK {
					continue
				}
				resp := decodeJSON[struct {
					Orders []OrderView `json:"orders"`
				}](t, w)
				if len(resp.Orders) != tt.wantCount {
					t.Errorf("%s: got %d orders, want %d", path, len(resp.Orders), tt.wantCount)
				}
			}
		})
	}
}

func TestOrderReceipt(t *testing.T) {
	owner := "owner"
	tests := []struct {
		name       string
		receipts   ReceiptLinker
		reference  string
		paid       bool
		caller     string
		wantStatus int
		wantCode   string
	}{
		{name: "receipts not configured", paid: true, caller: owner, wantStatus: http.StatusServiceUnavailable, wantCode: ErrCodeReceiptUnavailable},
		{name: "receipts not configured, pending order", caller: owner, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "receipts not configured, unknown order", reference: "LIME-404", paid: true, caller: owner, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "owner of paid order", receipts: fakeReceipts{url: "https://receipts.example.com/"}, paid: true, caller: owner, wantStatus: http.StatusFound},
		{name: "pending order", receipts: fakeReceipts{url: "https://receipts.example.com/"}, caller: owner, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "anonymous", receipts: fakeReceipts{url: "https://receipts.example.com/"}, paid: true, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "archive missing", receipts: fakeReceipts{err: errors.New("no such key")}, paid: true, caller: owner, wantStatus: http.StatusNotFound, wantCode: ErrCodeReceiptUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, fixtureOptions{receipts: tt.receipts})
			f.seedPending("LIME-1", "chk-1")
			if tt.paid {
				f.markPaid("LIME-1")
			}
			var token string
			if tt.caller == owner {
				token = f.token("user-1", "buyer@example.com", "customer")
			}

			ref := tt.reference
			if ref == "" {
				ref = "LIME-1"
			}
			w := f.do(http.MethodGet, "/api/orders/"+ref+"/receipt", nil, token)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus == http.StatusFound {
				if loc := w.Header().Get("Location"); loc != "https://receipts.example.com/LIME-1" {
					t.Errorf("Location = %q", loc)
				}
				return
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("expected error code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

func TestListLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", DefaultListLimit},
		{"limit=10", 10},
		{"limit=0", DefaultListLimit},
		{"limit=abc", DefaultListLimit},
		{"limit=100000", MaxListLimit},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest(http.MethodGet, "/api/admin/orders?"+tt.query, nil)
		if got := listLimit(r); got != tt.want {
			t.Errorf("listLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
