package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/limestore/internal/cart"
	"github.com/onnwee/limestore/internal/middleware"
	"github.com/onnwee/limestore/internal/payment"
	"github.com/onnwee/limestore/internal/reconcile"
	"github.com/onnwee/limestore/internal/validate"
)

// Reconciler is the order engine the payment and order handlers drive.
type Reconciler interface {
	BeginCheckout(ctx context.Context, req reconcile.BeginRequest) (*reconcile.BeginResult, error)
	ReconcileRedirect(ctx context.Context, req reconcile.RedirectRequest) (*reconcile.Result, error)
	ReconcileWebhook(ctx context.Context, env reconcile.WebhookEnvelope) (*reconcile.Result, error)
	ConfirmDirect(ctx context.Context, req reconcile.DirectRequest) (*reconcile.Result, error)
}

// StripeWebhookParser verifies and decodes Stripe webhook deliveries.
type StripeWebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*payment.StripeWebhookEvent, error)
}

// PaymentHandlersConfig configures PaymentHandlers.
type PaymentHandlersConfig struct {
	Engine Reconciler
	Stripe StripeWebhookParser

	// ReturnURL is where the hosted checkout sends the purchaser back to.
	ReturnURL string
	// SuccessURL and FailureURL are storefront pages the callback redirects
	// to. When empty the callback answers with JSON instead.
	SuccessURL string
	FailureURL string
	Currency   string
}

// PaymentHandlers serves checkout creation, the provider return redirect and
// provider webhooks.
type PaymentHandlers struct {
	engine     Reconciler
	stripe     StripeWebhookParser
	returnURL  string
	successURL string
	failureURL string
	currency   string
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(cfg PaymentHandlersConfig) *PaymentHandlers {
	return &PaymentHandlers{
		engine:     cfg.Engine,
		stripe:     cfg.Stripe,
		returnURL:  cfg.ReturnURL,
		successURL: cfg.SuccessURL,
		failureURL: cfg.FailureURL,
		currency:   cfg.Currency,
	}
}

// CheckoutResponse is returned when a hosted checkout has been opened.
type CheckoutResponse struct {
	OrderReference string                   `json:"order_reference"`
	OrderID        string                   `json:"order_id"`
	CheckoutID     string                   `json:"checkout_id"`
	RedirectURL    string                   `json:"redirect_url,omitempty"`
	Total          string                   `json:"total"`
	Currency       string                   `json:"currency"`
	Checkout       *payment.CheckoutSession `json:"checkout"`
}

// CreateCheckout handles POST /api/payments/checkout.
// The body carries the cart and customer; prices are recomputed server-side.
func (h *PaymentHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := decodePayload(r)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body.")
		return
	}

	snapshot := cart.Normalize(body.items(itemsKeys...))
	if err := snapshot.Validate(); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeEmptyCart)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeEmptyCart, "Cart has no valid items.")
		return
	}

	customer := body.customer()
	if customer.Email, err = validate.OptionalEmail(customer.Email); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid customer email.")
		return
	}
	if customer.Name, err = validate.CustomerName(customer.Name); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid customer name.")
		return
	}
	if claims := middleware.GetClaims(ctx); claims != nil {
		customer.UserRef = claims.Subject
		if customer.Email == "" {
			customer.Email = claims.Email
		}
	}

	res, err := h.engine.BeginCheckout(ctx, reconcile.BeginRequest{
		Cart:            snapshot,
		Customer:        customer,
		ShippingAddress: body.address(),
		Currency:        firstNonEmpty(body.str(currencyKeys...), h.currency),
		Provider:        strings.ToLower(body.str(providerKeys...)),
		ReturnURL:       h.returnURL,
	})
	if err != nil {
		writeReconcileError(w, r, err)
		return
	}

	w.Header().Set(middleware.OrderReferenceHeader, res.Order.Reference)
	writeJSON(w, ctx, http.StatusOK, CheckoutResponse{
		OrderReference: res.Order.Reference,
		OrderID:        res.Order.Reference,
		CheckoutID:     res.Session.CheckoutID,
		RedirectURL:    res.Session.RedirectURL,
		Total:          res.Order.Subtotal.StringFixed(2),
		Currency:       res.Order.Currency,
		Checkout:       res.Session,
	})
}

// Callback handles GET and POST /api/payments/callback, the purchaser's
// return from the hosted checkout. The status parameter is only a hint; the
// provider is always asked before anything is marked paid.
func (h *PaymentHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params := r.URL.Query()
	if r.Method == http.MethodPost {
		body, err := decodePayload(r)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body.")
			return
		}
		for _, keys := range [][]string{orderRefKeys, checkoutIDKeys, {"status"}} {
			if v := body.str(keys...); v != "" && firstParam(params, keys...) == "" {
				params.Set(keys[0], v)
			}
		}
	}

	ref := firstParam(params, orderRefKeys...)
	req := reconcile.RedirectRequest{
		Reference:  ref,
		CheckoutID: firstParam(params, checkoutIDKeys...),
		StatusHint: params.Get("status"),
	}
	if req.Reference == "" && req.CheckoutID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Missing checkout reference.")
		return
	}

	res, err := h.engine.ReconcileRedirect(ctx, req)
	if err != nil {
		if errors.Is(err, reconcile.ErrVerificationRejected) && h.failureURL != "" {
			http.Redirect(w, r, withOrderID(h.failureURL, ref), http.StatusFound)
			return
		}
		writeReconcileError(w, r, err)
		return
	}

	ref = res.Order.Reference
	if h.successURL != "" {
		http.Redirect(w, r, withOrderID(h.successURL, ref), http.StatusFound)
		return
	}
	writeJSON(w, ctx, http.StatusOK, map[string]any{
		"message":    "Payment confirmed.",
		"orderId":    ref,
		"status":     res.Outcome,
		"email_sent": res.Effects != nil && res.Effects.EmailSent,
	})
}

// WebhookResponse acknowledges a provider notification.
type WebhookResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// SumUpWebhook handles POST /api/payments/webhook.
// Body: {"id": "...", "event_type"|"type": "...", "payload": {"id", "checkout_reference"}}.
// Ignored, duplicate and processed events are acknowledged with 200 so the
// provider stops retrying; a provider outage answers 502 so it retries.
func (h *PaymentHandlers) SumUpWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := decodePayload(r)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body.")
		return
	}

	env := reconcile.WebhookEnvelope{
		Provider:  "sumup",
		EventID:   body.str("event_id"),
		EventType: body.str("event_type", "type"),
	}
	if inner := body.object("payload"); inner != nil {
		env.CheckoutID = inner.str("id", "checkout_id")
		env.Reference = inner.str("checkout_reference")
	} else {
		// Older notifications put the checkout at the top level.
		env.CheckoutID = body.str("id", "checkout_id")
		env.Reference = body.str("checkout_reference")
	}

	slog.InfoContext(ctx, "webhook event received",
		"provider", env.Provider, "event_type", env.EventType, "checkout_id", env.CheckoutID)
	h.finishWebhook(w, r, env)
}

// StripeWebhook handles POST /api/payments/stripe/webhook.
func (h *PaymentHandlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.stripe == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeConfiguration)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeConfiguration, "Stripe is not configured.")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	event, err := h.stripe.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		code, msg := ErrCodeBadRequest, "invalid webhook payload"
		if errors.Is(err, payment.ErrInvalidSignature) {
			code, msg = ErrCodeInvalidSignature, "invalid signature"
		}
		slog.WarnContext(ctx, "stripe webhook rejected", "error", err)
		ctx = middleware.SetErrorCode(ctx, code)
		WriteError(w, ctx, http.StatusBadRequest, code, msg)
		return
	}

	slog.InfoContext(ctx, "webhook event received",
		"provider", "stripe", "event_type", event.Type, "event_id", event.ID)
	h.finishWebhook(w, r, reconcile.WebhookEnvelope{
		Provider:   "stripe",
		EventID:    event.ID,
		EventType:  event.Type,
		CheckoutID: event.CheckoutID,
		Reference:  event.Reference,
	})
}

func (h *PaymentHandlers) finishWebhook(w http.ResponseWriter, r *http.Request, env reconcile.WebhookEnvelope) {
	ctx := r.Context()

	res, err := h.engine.ReconcileWebhook(ctx, env)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrVerificationRejected):
		// The provider says it is not paid (yet); nothing to retry.
		writeJSON(w, ctx, http.StatusOK, WebhookResponse{Status: "ignored", OrderID: env.Reference, Detail: "payment not completed"})
		return
	default:
		writeReconcileError(w, r, err)
		return
	}

	resp := WebhookResponse{Status: "ok", Detail: res.Detail}
	if res.Order != nil {
		resp.OrderID = res.Order.Reference
	}
	switch res.Outcome {
	case reconcile.OutcomeIgnored:
		resp.Status = "ignored"
	case reconcile.OutcomeAlreadyPaid:
		resp.Status = "already_paid"
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

func firstParam(v url.Values, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k)); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// withOrderID appends orderId=<ref> to a storefront URL.
func withOrderID(raw, ref string) string {
	if ref == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("orderId", ref)
	u.RawQuery = q.Encode()
	return u.String()
}
