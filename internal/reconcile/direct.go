package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/auth"
	"github.com/onnwee/limestore/internal/cart"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/tracing"
)

// ConfirmPolicy decides who may record a payment the provider cannot verify.
type ConfirmPolicy string

// Confirm policies.
const (
	PolicyOpen          ConfirmPolicy = "open"
	PolicyAuthenticated ConfirmPolicy = "authenticated"
	PolicyAdmin         ConfirmPolicy = "admin"
	PolicyDisabled      ConfirmPolicy = "disabled"
)

// ParseConfirmPolicy validates a policy name. Empty means PolicyOpen.
func ParseConfirmPolicy(s string) (ConfirmPolicy, error) {
	switch p := ConfirmPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyOpen, nil
	case PolicyOpen, PolicyAuthenticated, PolicyAdmin, PolicyDisabled:
		return p, nil
	default:
		return "", fmt.Errorf("unknown direct confirm policy %q", s)
	}
}

// ClientConfirmedStatus is stored as the raw status of client-asserted payments.
const ClientConfirmedStatus = "CLIENT_CONFIRMED"

// DirectRequest is a purchaser's own claim that payment completed.
type DirectRequest struct {
	Reference       string
	CheckoutID      string
	Cart            cart.Snapshot
	ClientTotal     decimal.NullDecimal
	Currency        string
	Customer        order.Customer
	ShippingAddress order.Address
	PaymentMethod   string
	// Caller is the authenticated identity, nil for anonymous requests.
	Caller *auth.Claims
}

// ConfirmDirect records a client-confirmed payment.
//
// A paid order is returned as is. A pending order with a provider checkout
// is verified with the provider like any other channel. Only when there is
// nothing to verify against is the client's claim recorded, tagged
// client_asserted, and only if the confirm policy admits the caller.
func (e *Engine) ConfirmDirect(ctx context.Context, req DirectRequest) (res *Result, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.direct", tracing.AttrChannel.String(string(ChannelDirect)))
	defer func() {
		label := outcomeLabel(res, err)
		tracing.SetAttributes(ctx, tracing.AttrOutcome.String(label))
		endSpan(err)
		e.metrics.observe(ChannelDirect, start, label)
	}()

	ref := strings.TrimSpace(req.Reference)
	checkoutID := strings.TrimSpace(req.CheckoutID)

	if ref != "" {
		existing, err := e.ledger.FindByReference(ctx, ref)
		switch {
		case err == nil && (existing.IsPaid() || existing.CheckoutID != "" || checkoutID != ""):
			return e.resolve(ctx, ChannelDirect, existing, checkoutID)
		case err == nil:
			return e.assertPending(ctx, existing, req)
		case !errors.Is(err, order.ErrOrderNotFound):
			return nil, fmt.Errorf("failed to load order: %w", err)
		}
	}

	return e.recordAsserted(ctx, ref, checkoutID, req)
}

// assertPending marks a pending order that has no provider checkout paid on
// the client's word, at the server-stored subtotal.
func (e *Engine) assertPending(ctx context.Context, o *order.Order, req DirectRequest) (*Result, error) {
	if err := e.authorizeAssertion(ctx, req.Caller, o.Reference); err != nil {
		return nil, err
	}
	return e.apply(ctx, ChannelDirect, o.Reference, order.Payment{
		Method:    methodOr(req.PaymentMethod),
		Amount:    o.Subtotal,
		Currency:  o.Currency,
		RawStatus: ClientConfirmedStatus,
		PaidAt:    e.now().UTC(),
	}, order.ProvenanceClientAsserted)
}

// recordAsserted inserts a new paid order built from the client's cart.
func (e *Engine) recordAsserted(ctx context.Context, ref, checkoutID string, req DirectRequest) (*Result, error) {
	if ref == "" {
		ref = order.NewReference(e.prefix)
	}
	if err := e.authorizeAssertion(ctx, req.Caller, ref); err != nil {
		return nil, err
	}
	if err := req.Cart.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckout, err)
	}

	amount := assertedAmount(ctx, req.Cart.Subtotal, req.ClientTotal)
	currency := e.currencyOr(req.Currency)
	method := methodOr(req.PaymentMethod)
	now := e.now().UTC()

	o := &order.Order{
		Reference:       ref,
		CheckoutID:      checkoutID,
		Items:           req.Cart.Items,
		Subtotal:        req.Cart.Subtotal,
		Currency:        currency,
		State:           order.StatePaid,
		Provenance:      order.ProvenanceClientAsserted,
		Customer:        normalizeCustomer(req.Customer),
		ShippingAddress: req.ShippingAddress,
		RequestedMethod: method,
		Payment: &order.Payment{
			Method:    method,
			Amount:    amount,
			Currency:  currency,
			RawStatus: ClientConfirmedStatus,
			PaidAt:    now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.ledger.InsertPaid(ctx, o); err != nil {
		if !errors.Is(err, order.ErrOrderExists) {
			return nil, fmt.Errorf("failed to record order: %w", err)
		}
		// Lost a race with another writer for the same reference.
		existing, findErr := e.ledger.FindByReference(ctx, ref)
		if findErr == nil && existing.IsPaid() {
			return &Result{Order: existing, Outcome: OutcomeAlreadyPaid}, nil
		}
		return nil, fmt.Errorf("%w: order %s already exists", ErrInvalidCheckout, ref)
	}

	slog.InfoContext(ctx, "recorded client confirmed order",
		"order_reference", ref,
		"channel", ChannelDirect,
		"provenance", order.ProvenanceClientAsserted,
		"amount", amount.StringFixed(2),
		"currency", currency,
	)
	e.record(ctx, audit.Entry{
		EntityType: audit.EntityOrder,
		EntityID:   ref,
		Action:     audit.ActionOrderRecorded,
		Channel:    string(ChannelDirect),
		Provenance: string(order.ProvenanceClientAsserted),
		Detail:     method + " " + amount.StringFixed(2) + " " + currency,
	})

	return &Result{Order: o, Outcome: OutcomeRecorded, Effects: e.runEffects(ctx, o)}, nil
}

// assertedAmount is the normalized subtotal. The client's total is used only
// when the cart carries no prices at all.
func assertedAmount(ctx context.Context, subtotal decimal.Decimal, client decimal.NullDecimal) decimal.Decimal {
	if !client.Valid {
		return subtotal
	}
	total := client.Decimal.Round(2)
	if subtotal.IsZero() && total.IsPositive() {
		slog.WarnContext(ctx, "using client asserted total for unpriced cart",
			"client_total", total.StringFixed(2))
		return total
	}
	if !total.Equal(subtotal) {
		slog.InfoContext(ctx, "ignoring client total that differs from cart subtotal",
			"client_total", total.StringFixed(2), "subtotal", subtotal.StringFixed(2))
	}
	return subtotal
}

func (e *Engine) authorizeAssertion(ctx context.Context, caller *auth.Claims, ref string) error {
	var err error
	switch e.policy {
	case PolicyOpen:
		return nil
	case PolicyDisabled:
		err = ErrConfirmNotAllowed
	case PolicyAuthenticated:
		if caller == nil {
			err = ErrAuthenticationRequired
		}
	case PolicyAdmin:
		switch {
		case caller == nil:
			err = ErrAuthenticationRequired
		case !caller.IsAdmin():
			err = ErrConfirmNotAllowed
		}
	}
	if err == nil {
		return nil
	}

	slog.WarnContext(ctx, "direct confirmation denied",
		"order_reference", ref, "policy", e.policy, "error", err)
	var actor string
	if caller != nil {
		actor = caller.Subject
	}
	e.record(ctx, audit.Entry{
		ActorID:    actor,
		EntityType: audit.EntityOrder,
		EntityID:   ref,
		Action:     audit.ActionConfirmDenied,
		Outcome:    audit.OutcomeFailure,
		Channel:    string(ChannelDirect),
		Detail:     string(e.policy),
	})
	return err
}

func methodOr(m string) string {
	if m = strings.TrimSpace(m); m != "" {
		return m
	}
	return order.MethodExternal
}
