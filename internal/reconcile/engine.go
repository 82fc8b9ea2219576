// Package reconcile drives orders from checkout to paid across the redirect,
// webhook and direct-confirmation channels. Every transition to paid goes
// through the ledger's compare-and-set, and post-payment effects run once,
// for the call that performed it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/cart"
	"github.com/onnwee/limestore/internal/effects"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/payment"
	"github.com/onnwee/limestore/internal/tracing"
)

// DefaultCurrency is used when neither the request nor the config names one.
const DefaultCurrency = "EUR"

// Channel is the entry point an attempt came through.
type Channel string

// Channels.
const (
	ChannelCheckout Channel = "checkout"
	ChannelRedirect Channel = "redirect"
	ChannelWebhook  Channel = "webhook"
	ChannelDirect   Channel = "direct"
	ChannelOperator Channel = "operator"
)

// Outcome is the successful result of a reconciliation attempt.
type Outcome string

// Outcomes.
const (
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeAlreadyPaid  Outcome = "already_paid"
	OutcomeRecorded     Outcome = "recorded"
	OutcomeIgnored      Outcome = "ignored"
)

// Result is returned by every reconciliation entry point on success.
// Effects is set only when this call performed the paid transition.
type Result struct {
	Order   *order.Order
	Outcome Outcome
	Effects *effects.Report
	Detail  string
}

// EffectsRunner runs post-payment effects for a freshly paid order.
type EffectsRunner interface {
	Run(ctx context.Context, o *order.Order, email string) *effects.Report
}

// Config wires an Engine. Ledger is required; everything else is optional.
type Config struct {
	Ledger          order.Ledger
	Providers       []payment.Provider
	DefaultProvider string
	Effects         EffectsRunner
	Webhooks        payment.WebhookRepository
	Audit           audit.Repository
	Metrics         *Metrics
	ConfirmPolicy   ConfirmPolicy
	Currency        string
	ReferencePrefix string
}

// Engine implements checkout and the reconciliation channels.
type Engine struct {
	ledger          order.Ledger
	providers       map[string]payment.Provider
	defaultProvider string
	effects         EffectsRunner
	webhooks        payment.WebhookRepository
	audit           audit.Repository
	metrics         *Metrics
	policy          ConfirmPolicy
	currency        string
	prefix          string
	now             func() time.Time
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("reconcile: ledger is required")
	}
	e := &Engine{
		ledger:          cfg.Ledger,
		providers:       make(map[string]payment.Provider, len(cfg.Providers)),
		defaultProvider: cfg.DefaultProvider,
		effects:         cfg.Effects,
		webhooks:        cfg.Webhooks,
		audit:           cfg.Audit,
		metrics:         cfg.Metrics,
		policy:          cfg.ConfirmPolicy,
		currency:        strings.ToUpper(strings.TrimSpace(cfg.Currency)),
		prefix:          cfg.ReferencePrefix,
		now:             time.Now,
	}
	for _, p := range cfg.Providers {
		e.providers[p.Name()] = p
		if e.defaultProvider == "" {
			e.defaultProvider = p.Name()
		}
	}
	if e.defaultProvider != "" && len(e.providers) > 0 {
		if _, ok := e.providers[e.defaultProvider]; !ok {
			return nil, fmt.Errorf("reconcile: default provider %q is not configured", e.defaultProvider)
		}
	}
	if e.policy == "" {
		e.policy = PolicyOpen
	}
	if _, err := ParseConfirmPolicy(string(e.policy)); err != nil {
		return nil, err
	}
	if e.currency == "" {
		e.currency = DefaultCurrency
	}
	return e, nil
}

// BeginRequest opens a hosted checkout for a normalized cart.
type BeginRequest struct {
	Cart            cart.Snapshot
	Customer        order.Customer
	ShippingAddress order.Address
	Currency        string
	// Provider selects the payment provider by name; empty uses the default.
	Provider    string
	ReturnURL   string
	Payee       string
	Description string
}

// BeginResult is the pending order and the provider session to redirect to.
type BeginResult struct {
	Order   *order.Order
	Session *payment.CheckoutSession
}

// BeginCheckout persists a pending order and opens a provider checkout for
// its server-computed subtotal. If the provider call fails the pending
// order is deleted again.
func (e *Engine) BeginCheckout(ctx context.Context, req BeginRequest) (res *BeginResult, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.begin_checkout")
	defer func() {
		endSpan(err)
		label := "started"
		if err != nil {
			label = outcomeLabel(nil, err)
		}
		e.metrics.observe(ChannelCheckout, start, label)
	}()

	if err := req.Cart.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckout, err)
	}
	if !req.Cart.Subtotal.IsPositive() {
		return nil, fmt.Errorf("%w: cart total must be greater than zero", ErrInvalidCheckout)
	}

	provider, err := e.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	o := &order.Order{
		Reference:       order.NewReference(e.prefix),
		Items:           req.Cart.Items,
		Subtotal:        req.Cart.Subtotal,
		Currency:        e.currencyOr(req.Currency),
		State:           order.StatePending,
		Customer:        normalizeCustomer(req.Customer),
		ShippingAddress: req.ShippingAddress,
		RequestedMethod: methodFor(provider.Name()),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tracing.SetAttributes(ctx, tracing.OrderAttributes(o.Reference, "", provider.Name())...)

	err = e.ledger.CreatePending(ctx, o)
	if errors.Is(err, order.ErrOrderExists) {
		o.Reference = order.NewReference(e.prefix)
		err = e.ledger.CreatePending(ctx, o)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create pending order: %w", err)
	}

	description := req.Description
	if description == "" {
		description = "Order " + o.Reference
	}
	session, err := provider.CreateCheckout(ctx, payment.CheckoutRequest{
		Reference:     o.Reference,
		Amount:        o.Subtotal,
		Currency:      o.Currency,
		ReturnURL:     req.ReturnURL,
		Payee:         req.Payee,
		CustomerEmail: o.Customer.Email,
		Description:   description,
	})
	if err != nil {
		if delErr := e.ledger.DeletePending(context.WithoutCancel(ctx), o.Reference); delErr != nil {
			slog.ErrorContext(ctx, "failed to delete pending order after checkout failure",
				"order_reference", o.Reference, "error", delErr)
		}
		slog.WarnContext(ctx, "checkout creation failed",
			"order_reference", o.Reference, "provider", provider.Name(), "error", err)
		return nil, err
	}

	if session.CheckoutID != "" {
		if err := e.ledger.AttachCheckoutID(ctx, o.Reference, session.CheckoutID); err != nil {
			// The webhook and redirect channels can still resolve the
			// order by reference and attach the id on verification.
			slog.ErrorContext(ctx, "failed to attach checkout id to pending order",
				"order_reference", o.Reference, "checkout_id", session.CheckoutID, "error", err)
		} else {
			o.CheckoutID = session.CheckoutID
		}
	}

	slog.InfoContext(ctx, "checkout started",
		"order_reference", o.Reference,
		"checkout_id", session.CheckoutID,
		"provider", provider.Name(),
		"amount", o.Subtotal.StringFixed(2),
		"currency", o.Currency,
	)
	e.record(ctx, audit.Entry{
		EntityType: audit.EntityOrder,
		EntityID:   o.Reference,
		Action:     audit.ActionCheckoutStarted,
		Channel:    string(ChannelCheckout),
		Detail:     provider.Name() + " " + o.Subtotal.StringFixed(2) + " " + o.Currency,
	})

	return &BeginResult{Order: o, Session: session}, nil
}

// RedirectRequest carries what the provider's return redirect told us.
// StatusHint is never trusted beyond short-circuiting an explicit failure.
type RedirectRequest struct {
	Reference  string
	CheckoutID string
	StatusHint string
}

// ReconcileRedirect verifies a returning purchaser's checkout with the provider.
func (e *Engine) ReconcileRedirect(ctx context.Context, req RedirectRequest) (res *Result, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.redirect", tracing.AttrChannel.String(string(ChannelRedirect)))
	defer func() {
		label := outcomeLabel(res, err)
		tracing.SetAttributes(ctx, tracing.AttrOutcome.String(label))
		endSpan(err)
		e.metrics.observe(ChannelRedirect, start, label)
	}()

	ref := strings.TrimSpace(req.Reference)
	checkoutID := strings.TrimSpace(req.CheckoutID)
	if ref == "" && checkoutID == "" {
		return nil, fmt.Errorf("%w: order reference or checkout id is required", ErrInvalidCheckout)
	}

	if IsFailureHint(req.StatusHint) {
		slog.InfoContext(ctx, "redirect reported payment failure",
			"order_reference", ref, "status", req.StatusHint)
		return nil, &RejectedError{
			Reference: ref,
			Status:    payment.StatusFailed,
			RawStatus: req.StatusHint,
			Reason:    "provider redirect reported failure",
		}
	}

	o, err := e.lookup(ctx, ref, checkoutID)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, ChannelRedirect, o, checkoutID)
}

// Reconcile re-verifies a single order with its provider.
func (e *Engine) Reconcile(ctx context.Context, ref string) (res *Result, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.operator", tracing.AttrChannel.String(string(ChannelOperator)))
	defer func() {
		label := outcomeLabel(res, err)
		tracing.SetAttributes(ctx, tracing.AttrOutcome.String(label))
		endSpan(err)
		e.metrics.observe(ChannelOperator, start, label)
	}()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: order reference is required", ErrInvalidCheckout)
	}
	o, err := e.lookup(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, ChannelOperator, o, "")
}

// lookup finds an order by reference, or by checkout id when ref is empty.
func (e *Engine) lookup(ctx context.Context, ref, checkoutID string) (*order.Order, error) {
	var (
		o   *order.Order
		err error
		key = ref
	)
	if ref != "" {
		o, err = e.ledger.FindByReference(ctx, ref)
	} else {
		key = checkoutID
		o, err = e.ledger.FindByCheckoutID(ctx, checkoutID)
	}
	if errors.Is(err, order.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

// resolve short-circuits paid orders and otherwise verifies the checkout.
func (e *Engine) resolve(ctx context.Context, channel Channel, o *order.Order, suppliedID string) (*Result, error) {
	if o.IsPaid() {
		slog.InfoContext(ctx, "order already paid",
			"order_reference", o.Reference, "channel", channel)
		e.record(ctx, audit.Entry{
			EntityType: audit.EntityOrder,
			EntityID:   o.Reference,
			Action:     audit.ActionAlreadyPaid,
			Channel:    string(channel),
			Provenance: string(o.Provenance),
		})
		return &Result{Order: o, Outcome: OutcomeAlreadyPaid}, nil
	}

	checkoutID := o.CheckoutID
	if suppliedID != "" {
		if checkoutID != "" && checkoutID != suppliedID {
			slog.WarnContext(ctx, "checkout id does not match order",
				"order_reference", o.Reference, "stored", checkoutID, "supplied", suppliedID, "channel", channel)
			return nil, fmt.Errorf("%w: checkout id does not belong to order %s", ErrInvalidCheckout, o.Reference)
		}
		checkoutID = suppliedID
	}
	if checkoutID == "" {
		return nil, fmt.Errorf("%w: order %s has no provider checkout id", ErrInvalidCheckout, o.Reference)
	}

	return e.verifyAndApply(ctx, channel, o, checkoutID)
}

// verifyAndApply fetches the authoritative checkout status and, if it is a
// matching paid payment, applies the transition.
func (e *Engine) verifyAndApply(ctx context.Context, channel Channel, o *order.Order, checkoutID string) (*Result, error) {
	provider, err := e.providerFor(o)
	if err != nil {
		return nil, err
	}
	tracing.SetAttributes(ctx, tracing.OrderAttributes(o.Reference, checkoutID, provider.Name())...)

	status, err := provider.FetchCheckoutStatus(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, payment.ErrCheckoutNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		slog.WarnContext(ctx, "checkout verification failed",
			"order_reference", o.Reference, "checkout_id", checkoutID, "channel", channel, "error", err)
		return nil, err
	}

	if rej := checkVerified(o, status); rej != nil {
		slog.WarnContext(ctx, "payment not verified",
			"order_reference", o.Reference,
			"checkout_id", checkoutID,
			"channel", channel,
			"status", status.Status,
			"raw_status", status.RawStatus,
			"reason", rej.Reason,
		)
		e.record(ctx, audit.Entry{
			EntityType: audit.EntityOrder,
			EntityID:   o.Reference,
			Action:     audit.ActionPaymentRejected,
			Outcome:    audit.OutcomeFailure,
			Channel:    string(channel),
			Detail:     rej.Error(),
		})
		return nil, rej
	}

	if o.CheckoutID == "" {
		err := e.ledger.AttachCheckoutID(ctx, o.Reference, checkoutID)
		if errors.Is(err, order.ErrCheckoutIDImmutable) {
			return nil, fmt.Errorf("%w: checkout id does not belong to order %s", ErrInvalidCheckout, o.Reference)
		}
		if err != nil {
			slog.WarnContext(ctx, "failed to attach verified checkout id",
				"order_reference", o.Reference, "checkout_id", checkoutID, "error", err)
		}
	}

	method := status.PaymentMethod
	if method == "" {
		method = o.RequestedMethod
	}
	return e.apply(ctx, channel, o.Reference, order.Payment{
		Method:    method,
		Amount:    status.Amount,
		Currency:  strings.ToUpper(status.Currency),
		RawStatus: status.RawStatus,
		PaidAt:    e.now().UTC(),
	}, order.ProvenanceProviderVerified)
}

// checkVerified returns a rejection unless status is a paid payment for
// exactly this order's amount, currency and reference.
func checkVerified(o *order.Order, status *payment.CheckoutStatus) *RejectedError {
	rej := &RejectedError{Reference: o.Reference, Status: status.Status, RawStatus: status.RawStatus}
	switch {
	case status.Status != payment.StatusPaid:
		rej.Reason = "provider reports the checkout is not paid"
	case !status.Amount.Equal(o.Subtotal):
		rej.Reason = fmt.Sprintf("verified amount %s does not match order total %s",
			status.Amount.StringFixed(2), o.Subtotal.StringFixed(2))
	case !strings.EqualFold(status.Currency, o.Currency):
		rej.Reason = fmt.Sprintf("verified currency %q does not match order currency %q", status.Currency, o.Currency)
	case status.Reference != "" && status.Reference != o.Reference:
		rej.Reason = fmt.Sprintf("checkout belongs to order %s", status.Reference)
	default:
		return nil
	}
	return rej
}

// apply performs the compare-and-set to paid and runs effects only when this
// call won the transition.
func (e *Engine) apply(ctx context.Context, channel Channel, ref string, p order.Payment, prov order.Provenance) (*Result, error) {
	paid, transitioned, err := e.ledger.MarkPaid(ctx, ref, p, prov)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		case errors.Is(err, order.ErrInvariantViolation):
			slog.ErrorContext(ctx, "order ledger invariant violated",
				"order_reference", ref, "channel", channel, "error", err)
			e.record(ctx, audit.Entry{
				EntityType: audit.EntityOrder,
				EntityID:   ref,
				Action:     audit.ActionInvariantBreach,
				Outcome:    audit.OutcomeFailure,
				Channel:    string(channel),
				Provenance: string(prov),
				Detail:     err.Error(),
			})
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	if !transitioned {
		slog.InfoContext(ctx, "order already paid by a concurrent attempt",
			"order_reference", ref, "channel", channel)
		e.record(ctx, audit.Entry{
			EntityType: audit.EntityOrder,
			EntityID:   ref,
			Action:     audit.ActionAlreadyPaid,
			Channel:    string(channel),
			Provenance: string(paid.Provenance),
		})
		return &Result{Order: paid, Outcome: OutcomeAlreadyPaid}, nil
	}

	slog.InfoContext(ctx, "order paid",
		"order_reference", ref,
		"checkout_id", paid.CheckoutID,
		"channel", channel,
		"provenance", prov,
		"amount", p.Amount.StringFixed(2),
		"currency", p.Currency,
	)
	action := audit.ActionPaymentVerified
	if prov == order.ProvenanceClientAsserted {
		action = audit.ActionOrderRecorded
	}
	e.record(ctx, audit.Entry{
		EntityType: audit.EntityOrder,
		EntityID:   ref,
		Action:     action,
		Channel:    string(channel),
		Provenance: string(prov),
		Detail:     p.Method + " " + p.Amount.StringFixed(2) + " " + p.Currency,
	})

	return &Result{Order: paid, Outcome: OutcomeTransitioned, Effects: e.runEffects(ctx, paid)}, nil
}

func (e *Engine) runEffects(ctx context.Context, o *order.Order) *effects.Report {
	if e.effects == nil {
		return nil
	}
	return e.effects.Run(ctx, o, "")
}

// record writes an audit entry; failures are logged and otherwise ignored.
func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if e.audit == nil {
		return
	}
	if err := audit.Record(ctx, e.audit, entry); err != nil {
		slog.WarnContext(ctx, "failed to write audit entry",
			"action", entry.Action, "entity_id", entry.EntityID, "error", err)
	}
}

func (e *Engine) provider(name string) (payment.Provider, error) {
	if len(e.providers) == 0 {
		return nil, fmt.Errorf("%w: no payment provider configured", payment.ErrConfiguration)
	}
	if name == "" {
		name = e.defaultProvider
	}
	p, ok := e.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment provider %q", ErrInvalidCheckout, name)
	}
	return p, nil
}

// providerFor picks the provider that opened the order's checkout.
func (e *Engine) providerFor(o *order.Order) (payment.Provider, error) {
	switch o.RequestedMethod {
	case order.MethodStripeCheckout:
		return e.provider("stripe")
	case order.MethodSumUpCard:
		return e.provider("sumup")
	default:
		return e.provider("")
	}
}

func (e *Engine) currencyOr(c string) string {
	if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
		return c
	}
	return e.currency
}

func methodFor(provider string) string {
	if provider == "stripe" {
		return order.MethodStripeCheckout
	}
	return order.MethodSumUpCard
}

func normalizeCustomer(c order.Customer) order.Customer {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Name = strings.TrimSpace(c.Name)
	c.UserRef = strings.TrimSpace(c.UserRef)
	return c
}

// IsFailureHint reports whether a redirect status string is an explicit failure.
func IsFailureHint(hint string) bool {
	if strings.EqualFold(strings.TrimSpace(hint), "FAILURE") {
		return true
	}
	return payment.MapSumUpStatus(hint) == payment.StatusFailed
}
