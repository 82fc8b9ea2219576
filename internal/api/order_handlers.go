package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/auth"
	"github.com/onnwee/limestore/internal/cart"
	"github.com/onnwee/limestore/internal/middleware"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/reconcile"
	"github.com/onnwee/limestore/internal/validate"
)

// Listing bounds for order history endpoints.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// OrderReader is the read side of the order ledger.
type OrderReader interface {
	FindByReference(ctx context.Context, ref string) (*order.Order, error)
	ListByCustomer(ctx context.Context, owner order.Owner, limit int) ([]*order.Order, error)
	ListPaid(ctx context.Context, limit int) ([]*order.Order, error)
}

// ReceiptLinker issues short-lived links to archived receipts.
type ReceiptLinker interface {
	PresignedURL(ctx context.Context, reference string) (string, time.Time, error)
}

// OrderHandlers serves direct confirmation and order lookups.
type OrderHandlers struct {
	engine   Reconciler
	orders   OrderReader
	receipts ReceiptLinker
	audit    audit.Repository
	currency string
}

// NewOrderHandlers creates a new OrderHandlers instance. receipts and
// auditRepo may be nil.
func NewOrderHandlers(engine Reconciler, orders OrderReader, receipts ReceiptLinker, auditRepo audit.Repository, currency string) *OrderHandlers {
	return &OrderHandlers{
		engine:   engine,
		orders:   orders,
		receipts: receipts,
		audit:    auditRepo,
		currency: currency,
	}
}

// CustomerView is the purchaser as shown to the owner and staff.
type CustomerView struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Type  string `json:"type"`
}

// OrderView is the JSON form of an order.
type OrderView struct {
	OrderID         string           `json:"order_id"`
	CheckoutID      string           `json:"checkout_id,omitempty"`
	Status          order.Lifecycle  `json:"status"`
	Provenance      order.Provenance `json:"provenance,omitempty"`
	Items           []order.LineItem `json:"items"`
	TotalItems      int              `json:"total_items"`
	Total           string           `json:"total"`
	Currency        string           `json:"currency"`
	PaymentMethod   string           `json:"payment_method,omitempty"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	Customer        *CustomerView    `json:"customer,omitempty"`
	ShippingAddress order.Address    `json:"shipping_address,omitempty"`
}

// NewOrderView serializes o. Customer details and the shipping address are
// only included when includeCustomer is set.
func NewOrderView(o *order.Order, includeCustomer bool) OrderView {
	v := OrderView{
		OrderID:       o.Reference,
		CheckoutID:    o.CheckoutID,
		Status:        o.State,
		Provenance:    o.Provenance,
		Items:         o.Items,
		TotalItems:    o.TotalItems(),
		Total:         o.Subtotal.StringFixed(2),
		Currency:      o.Currency,
		PaymentMethod: o.RequestedMethod,
		CreatedAt:     o.CreatedAt,
	}
	if v.Items == nil {
		v.Items = []order.LineItem{}
	}
	if o.Payment != nil {
		paidAt := o.Payment.PaidAt
		v.PaidAt = &paidAt
		v.PaymentMethod = o.Payment.Method
		v.Total = o.Payment.Amount.StringFixed(2)
	}
	if includeCustomer {
		kind := "guest"
		if o.Customer.UserRef != "" {
			kind = "account"
		}
		v.Customer = &CustomerView{Name: o.Customer.Name, Email: o.Customer.Email, Type: kind}
		v.ShippingAddress = o.ShippingAddress
	}
	return v
}

// CreateOrderResponse is returned by the direct confirmation endpoint.
type CreateOrderResponse struct {
	Success    bool      `json:"success"`
	OrderID    string    `json:"order_id"`
	Message    string    `json:"message"`
	Order      OrderView `json:"order"`
	EmailSent  bool      `json:"email_sent"`
	EmailError string    `json:"email_error,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// Create handles POST /api/orders/create, the storefront's own confirmation
// that a payment completed. Orders with a provider checkout are verified with
// the provider; anything else is recorded as client-asserted, subject to the
// configured confirm policy.
func (h *OrderHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := decodePayload(r)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body.")
		return
	}

	ref, err := validate.OrderReference(body.str(orderRefKeys...))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid order reference.")
		return
	}
	method, err := validate.PaymentMethod(body.str(methodKeys...))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid payment method.")
		return
	}

	customer := body.customer()
	if customer.Email, err = validate.OptionalEmail(customer.Email); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Please provide a valid email address.")
		return
	}
	if customer.Name, err = validate.CustomerName(customer.Name); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid customer name.")
		return
	}
	caller := middleware.GetClaims(ctx)
	if caller != nil {
		customer.UserRef = caller.Subject
		if customer.Email == "" {
			customer.Email = caller.Email
		}
	}

	res, err := h.engine.ConfirmDirect(ctx, reconcile.DirectRequest{
		Reference:       ref,
		CheckoutID:      body.str(checkoutIDKeys...),
		Cart:            cart.Normalize(body.items(itemsKeys...)),
		ClientTotal:     body.amount(totalKeys...),
		Currency:        firstNonEmpty(body.str(currencyKeys...), h.currency),
		Customer:        customer,
		ShippingAddress: body.address(),
		PaymentMethod:   method,
		Caller:          caller,
	})
	if err != nil {
		writeReconcileError(w, r, err)
		return
	}

	w.Header().Set(middleware.OrderReferenceHeader, res.Order.Reference)
	resp := CreateOrderResponse{
		Success: true,
		OrderID: res.Order.Reference,
		Message: "Order saved successfully.",
		Order:   NewOrderView(res.Order, true),
	}
	if res.Outcome == reconcile.OutcomeAlreadyPaid {
		resp.Message = "Order already recorded."
	}
	if res.Effects != nil {
		resp.EmailSent = res.Effects.EmailSent
		resp.EmailError = res.Effects.EmailError
		resp.Warnings = res.Effects.Warnings
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

// Get handles GET /api/orders/{reference}. Anyone holding the reference sees
// the order summary; customer details are reserved for the owner and staff.
func (h *OrderHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, ok := h.load(w, r)
	if !ok {
		return
	}

	sensitive := canSeeCustomer(middleware.GetClaims(ctx), o)
	if sensitive {
		h.recordView(r, o.Reference)
	}
	writeJSON(w, ctx, http.StatusOK, map[string]any{"order": NewOrderView(o, sensitive)})
}

// List handles GET /api/orders: the caller's paid orders, newest first.
func (h *OrderHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := middleware.GetClaims(ctx)
	if claims == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthRequired)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthRequired, "Authentication is required.")
		return
	}

	owner := order.Owner{Email: claims.Email, UserRef: claims.Subject}
	// Pending orders are filtered after the query, so fetch without a limit.
	orders, err := h.orders.ListByCustomer(ctx, owner, 0)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list orders", "user_id", claims.Subject, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load orders.")
		return
	}

	limit := listLimit(r)
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		if !o.IsPaid() {
			continue
		}
		views = append(views, NewOrderView(o, true))
		if len(views) == limit {
			break
		}
	}
	writeJSON(w, ctx, http.StatusOK, map[string]any{"orders": views})
}

// ListAll handles GET /api/admin/orders: every paid order, newest first.
// The route is mounted behind middleware.RequireAdmin.
func (h *OrderHandlers) ListAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orders, err := h.orders.ListPaid(ctx, listLimit(r))
	if err != nil {
		slog.ErrorContext(ctx, "failed to list paid orders", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load orders.")
		return
	}

	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, NewOrderView(o, true))
	}
	writeJSON(w, ctx, http.StatusOK, map[string]any{"orders": views})
}

// Receipt handles GET /api/orders/{reference}/receipt by redirecting the
// owner to a short-lived link to the archived receipt. Unknown, unpaid and
// foreign orders answer 404; a server without an archive answers 503.
func (h *OrderHandlers) Receipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, ok := h.load(w, r)
	if !ok {
		return
	}
	if !o.IsPaid() || !canSeeCustomer(middleware.GetClaims(ctx), o) {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Order not found.")
		return
	}
	if h.receipts == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeReceiptUnavailable)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeReceiptUnavailable, "Receipts are not available.")
		return
	}

	link, _, err := h.receipts.PresignedURL(ctx, o.Reference)
	if err != nil {
		slog.ErrorContext(ctx, "failed to presign receipt", "order_reference", o.Reference, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeReceiptUnavailable)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeReceiptUnavailable, "Receipt is not available.")
		return
	}
	h.recordView(r, o.Reference)
	http.Redirect(w, r, link, http.StatusFound)
}

// load fetches the order named in the URL, writing 404 or 500 on failure.
func (h *OrderHandlers) load(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	ctx := r.Context()

	ref, err := validate.OrderReference(chi.URLParam(r, "reference"))
	if err != nil || ref == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Order not found.")
		return nil, false
	}

	o, err := h.orders.FindByReference(ctx, ref)
	if errors.Is(err, order.ErrOrderNotFound) {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Order not found.")
		return nil, false
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to load order", "order_reference", ref, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Order could not be loaded.")
		return nil, false
	}
	return o, true
}

func (h *OrderHandlers) recordView(r *http.Request, ref string) {
	if h.audit == nil {
		return
	}
	var actor string
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		actor = claims.Subject
	}
	err := audit.RecordFromRequest(r, h.audit, audit.Entry{
		ActorID:    actor,
		EntityType: audit.EntityOrder,
		EntityID:   ref,
		Action:     audit.ActionOrderViewed,
	})
	if err != nil {
		slog.WarnContext(r.Context(), "failed to write audit entry", "order_reference", ref, "error", err)
	}
}

func canSeeCustomer(claims *auth.Claims, o *order.Order) bool {
	if claims == nil {
		return false
	}
	if claims.IsAdmin() {
		return true
	}
	return order.Owner{Email: claims.Email, UserRef: claims.Subject}.Matches(o)
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return DefaultListLimit
	}
	return min(n, MaxListLimit)
}
