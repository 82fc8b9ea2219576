// Package payment provides the payment provider clients used to open hosted
// checkouts and to fetch their authoritative status.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the normalized checkout status reported by a provider.
type Status string

// Checkout statuses.
const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrConfiguration is returned when required provider credentials are absent.
	// It is reported before any network call is attempted.
	ErrConfiguration = errors.New("payment provider is not configured")

	// ErrProviderUnavailable is returned for network failures, timeouts and
	// non-2xx provider responses. Callers may retry.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrCheckoutNotFound is returned when the provider does not know the checkout id.
	ErrCheckoutNotFound = errors.New("checkout not found at provider")
)

// ProviderError carries details of a failed provider call.
// It matches ErrProviderUnavailable with errors.Is.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Provider, e.Op, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Provider, e.Op)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderUnavailable}
	}
	return []error{ErrProviderUnavailable, e.Err}
}

// CheckoutRequest describes a hosted checkout to open.
type CheckoutRequest struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	ReturnURL     string
	// Payee overrides the SumUp pay_to_email. Stripe ignores it and routes
	// funds only to its own configured connected account.
	Payee         string
	CustomerEmail string
	Description   string
}

// CheckoutSession is what a provider returns for a new hosted checkout.
type CheckoutSession struct {
	CheckoutID  string         `json:"id"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// CheckoutStatus is the provider's view of a checkout.
type CheckoutStatus struct {
	CheckoutID    string
	Status        Status
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	PaymentMethod string
	RawStatus     string
}

// Provider opens hosted checkouts and reports their status.
// FetchCheckoutStatus is the only source of truth for whether money moved.
type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	FetchCheckoutStatus(ctx context.Context, checkoutID string) (*CheckoutStatus, error)
}
