package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/limestore/internal/order"
)

// ErrInvalidSignature is returned when a Stripe webhook signature does not verify.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// StripeConfig configures a StripeProvider.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	// ConnectAccount is a Stripe Connect account id (acct_...). When set,
	// sessions are created on its behalf with a destination transfer.
	ConnectAccount string
	Timeout        time.Duration
	Metrics        *Metrics
}

// StripeProvider implements Provider with Stripe Checkout Sessions.
// The Stripe SDK keeps its key in package state, so at most one StripeProvider
// should exist per process.
type StripeProvider struct {
	configured     bool
	webhookSecret  string
	connectAccount string
	timeout        time.Duration
	metrics        *Metrics
}

// NewStripeProvider creates a Stripe provider. An empty key leaves the provider
// unconfigured and every call returns ErrConfiguration.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &StripeProvider{
		configured:     cfg.SecretKey != "",
		webhookSecret:  cfg.WebhookSecret,
		connectAccount: cfg.ConnectAccount,
		timeout:        cfg.Timeout,
		metrics:        cfg.Metrics,
	}
}

// Name returns "stripe".
func (p *StripeProvider) Name() string {
	return "stripe"
}

func (p *StripeProvider) checkCredentials() error {
	if !p.configured {
		return fmt.Errorf("%w: missing STRIPE_SECRET_KEY", ErrConfiguration)
	}
	return nil
}

// CreateCheckout creates a Checkout Session with a single line for the order
// total. Amounts are sent in minor units assuming a two-decimal currency.
func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (sess *CheckoutSession, err error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if req.ReturnURL == "" {
		return nil, fmt.Errorf("%w: return url is required for stripe checkout", ErrConfiguration)
	}

	start := time.Now()
	defer func() { p.metrics.observe(p.Name(), "create_checkout", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	description := req.Description
	if description == "" {
		description = "Order " + req.Reference
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(stripeSuccessURL(req.ReturnURL)),
		CancelURL:         stripe.String(withQuery(req.ReturnURL, url.Values{"status": {"FAILED"}})),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(MinorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if p.connectAccount != "" {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			OnBehalfOf: stripe.String(p.connectAccount),
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(p.connectAccount),
			},
		}
	}
	params.AddMetadata("order_reference", req.Reference)
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		return nil, p.wrapError("create_checkout", err)
	}

	return &CheckoutSession{
		CheckoutID:  s.ID,
		RedirectURL: s.URL,
		Raw: map[string]any{
			"id":                  s.ID,
			"url":                 s.URL,
			"client_reference_id": s.ClientReferenceID,
		},
	}, nil
}

// FetchCheckoutStatus retrieves the Checkout Session and maps its status.
func (p *StripeProvider) FetchCheckoutStatus(ctx context.Context, checkoutID string) (status *CheckoutStatus, err error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { p.metrics.observe(p.Name(), "fetch_checkout", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := session.Get(checkoutID, params)
	if err != nil {
		return nil, p.wrapError("fetch_checkout", err)
	}

	return &CheckoutStatus{
		CheckoutID:    s.ID,
		Status:        MapStripeStatus(s.Status, s.PaymentStatus),
		Amount:        decimal.New(s.AmountTotal, -2),
		Currency:      strings.ToUpper(string(s.Currency)),
		Reference:     s.ClientReferenceID,
		PaymentMethod: order.MethodStripeCheckout,
		RawStatus:     string(s.PaymentStatus),
	}, nil
}

// MapStripeStatus normalizes a Checkout Session status pair.
func MapStripeStatus(status stripe.CheckoutSessionStatus, paymentStatus stripe.CheckoutSessionPaymentStatus) Status {
	switch {
	case paymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		paymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return StatusPaid
	case status == stripe.CheckoutSessionStatusExpired:
		return StatusFailed
	case status == stripe.CheckoutSessionStatusOpen, status == stripe.CheckoutSessionStatusComplete:
		return StatusPending
	default:
		return StatusUnknown
	}
}

// StripeWebhookEvent is the part of a Stripe event the reconciler needs.
type StripeWebhookEvent struct {
	ID         string
	Type       string
	CheckoutID string
	Reference  string
}

// ParseWebhook verifies and decodes a Stripe webhook body. Signature checks are
// skipped when no webhook secret is configured; the event is only a hint and
// the session is always re-fetched before anything is marked paid.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*StripeWebhookEvent, error) {
	var event stripe.Event
	if p.webhookSecret != "" {
		var err error
		event, err = webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode stripe event: %w", err)
	}

	out := &StripeWebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}
	if !strings.HasPrefix(out.Type, "checkout.session.") {
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	out.CheckoutID = s.ID
	out.Reference = s.ClientReferenceID
	if out.Reference == "" {
		out.Reference = s.Metadata["order_reference"]
	}
	return out, nil
}

func (p *StripeProvider) wrapError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrCheckoutNotFound, se.Msg)
		}
		if se.HTTPStatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: stripe rejected the API key", ErrConfiguration)
		}
		return &ProviderError{Provider: p.Name(), Op: op, StatusCode: se.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Provider: p.Name(), Op: op, Err: err}
}

// MinorUnits converts a two-decimal amount to its integer minor-unit value.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// stripeSuccessURL appends the session id template. Stripe only substitutes
// the literal unescaped placeholder, so it cannot go through url.Values.
func stripeSuccessURL(returnURL string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + "provider=stripe&checkout_id={CHECKOUT_SESSION_ID}"
}

func withQuery(raw string, extra url.Values) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
