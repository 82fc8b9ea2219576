package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/payment"
	"github.com/onnwee/limestore/internal/tracing"
)

// Webhook event types that mean a checkout finished.
const (
	EventSumUpCheckoutCompleted      = "checkout.completed"
	EventStripeSessionCompleted      = "checkout.session.completed"
	EventStripeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

var completedEvents = map[string]bool{
	EventSumUpCheckoutCompleted:      true,
	EventStripeSessionCompleted:      true,
	EventStripeAsyncPaymentSucceeded: true,
}

// IsCompletedEvent reports whether eventType should trigger verification.
func IsCompletedEvent(eventType string) bool {
	return completedEvents[eventType]
}

// WebhookEnvelope is a provider notification. Nothing in it is trusted
// beyond the identifiers used to look up and verify the checkout.
type WebhookEnvelope struct {
	Provider   string
	EventID    string
	EventType  string
	CheckoutID string
	Reference  string
}

// dedupeKey identifies a delivery. Providers that do not send event ids are
// keyed by checkout so a redelivered notification is still recognized.
func (w WebhookEnvelope) dedupeKey() string {
	id := w.EventID
	if id == "" {
		id = w.EventType + ":" + w.CheckoutID
	}
	provider := w.Provider
	if provider == "" {
		provider = "unknown"
	}
	return provider + ":" + id
}

// ReconcileWebhook handles a provider notification. Unrecognized event types
// and duplicate deliveries are acknowledged as OutcomeIgnored without any
// ledger write.
func (e *Engine) ReconcileWebhook(ctx context.Context, env WebhookEnvelope) (res *Result, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.webhook", tracing.AttrChannel.String(string(ChannelWebhook)))
	defer func() {
		label := outcomeLabel(res, err)
		tracing.SetAttributes(ctx, tracing.AttrOutcome.String(label))
		endSpan(err)
		e.metrics.observe(ChannelWebhook, start, label)
	}()

	env.CheckoutID = strings.TrimSpace(env.CheckoutID)
	env.Reference = strings.TrimSpace(env.Reference)

	if !IsCompletedEvent(env.EventType) {
		slog.InfoContext(ctx, "ignoring webhook event",
			"provider", env.Provider, "event_type", env.EventType)
		return &Result{Outcome: OutcomeIgnored, Detail: "unhandled event type"}, nil
	}
	if env.CheckoutID == "" {
		slog.WarnContext(ctx, "webhook event has no checkout id",
			"provider", env.Provider, "event_type", env.EventType, "order_reference", env.Reference)
		e.record(ctx, audit.Entry{
			EntityType: audit.EntityWebhook,
			EntityID:   env.dedupeKey(),
			Action:     audit.ActionWebhookIgnored,
			Channel:    string(ChannelWebhook),
			Detail:     "missing checkout id",
		})
		return &Result{Outcome: OutcomeIgnored, Detail: "missing checkout id"}, nil
	}

	key := env.dedupeKey()
	if e.webhooks != nil {
		claimErr := e.webhooks.Claim(ctx, key, env.EventType)
		switch {
		case errors.Is(claimErr, payment.ErrEventAlreadyProcessed):
			slog.InfoContext(ctx, "duplicate webhook delivery",
				"event_key", key, "checkout_id", env.CheckoutID)
			return &Result{Outcome: OutcomeIgnored, Detail: "duplicate delivery"}, nil
		case claimErr != nil:
			// Dedupe is an optimization; the ledger CAS still holds.
			slog.WarnContext(ctx, "webhook dedupe unavailable", "event_key", key, "error", claimErr)
		default:
			defer func() {
				if err == nil {
					return
				}
				if relErr := e.webhooks.Release(context.WithoutCancel(ctx), key); relErr != nil {
					slog.WarnContext(ctx, "failed to release webhook claim", "event_key", key, "error", relErr)
				}
			}()
		}
	}

	o, err := e.lookup(ctx, env.Reference, env.CheckoutID)
	if err != nil {
		slog.WarnContext(ctx, "webhook for unknown order",
			"order_reference", env.Reference, "checkout_id", env.CheckoutID)
		return nil, err
	}
	return e.resolve(ctx, ChannelWebhook, o, env.CheckoutID)
}
