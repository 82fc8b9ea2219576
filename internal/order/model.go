// Package order provides the order record model and the ledger that persists it.
package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lifecycle is the persisted payment state of an order.
type Lifecycle string

// Lifecycle states. An order never leaves StatePaid once it gets there.
const (
	StatePending Lifecycle = "pending"
	StatePaid    Lifecycle = "paid"
)

// Provenance records how an order reached the paid state.
type Provenance string

const (
	// ProvenanceProviderVerified means the payment was confirmed by fetching
	// the checkout status from the payment provider.
	ProvenanceProviderVerified Provenance = "provider_verified"

	// ProvenanceClientAsserted means the order was recorded from a client's
	// own confirmation with nothing to verify against.
	ProvenanceClientAsserted Provenance = "client_asserted"
)

// Payment methods recorded on orders.
const (
	MethodSumUpCard      = "SUMUP_CARD"
	MethodStripeCheckout = "STRIPE_CHECKOUT"
	MethodExternal       = "EXTERNAL"
)

// DefaultReferencePrefix is prepended to generated order references.
const DefaultReferencePrefix = "LIME"

// LineItem is one canonical cart entry.
type LineItem struct {
	ProductRef    string          `json:"product_ref"`
	Name          string          `json:"name,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	VariationRef  string          `json:"variation_ref,omitempty"`
	VariationName string          `json:"variation_name,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
}

// LineTotal returns unit price times quantity.
func (li LineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Customer identifies the purchaser.
type Customer struct {
	UserRef string `json:"user_ref,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Address is a free-form shipping address snapshot taken at checkout.
type Address map[string]any

// Payment holds the provider-reported payment facts of a paid order.
type Payment struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	RawStatus string          `json:"raw_status,omitempty"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Order is the ledger record for a single purchase.
type Order struct {
	Reference  string
	CheckoutID string

	Items    []LineItem
	Subtotal decimal.Decimal
	Currency string

	State      Lifecycle
	Provenance Provenance

	Customer        Customer
	ShippingAddress Address

	// RequestedMethod is the payment method chosen at checkout.
	RequestedMethod string

	// Payment is nil until the order is paid.
	Payment *Payment

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPaid reports whether the order is in the terminal paid state.
func (o *Order) IsPaid() bool {
	return o != nil && o.State == StatePaid
}

// TotalItems returns the number of units across all line items.
func (o *Order) TotalItems() int {
	n := 0
	for _, li := range o.Items {
		n += li.Quantity
	}
	return n
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Items != nil {
		c.Items = make([]LineItem, len(o.Items))
		copy(c.Items, o.Items)
	}
	if o.ShippingAddress != nil {
		c.ShippingAddress = make(Address, len(o.ShippingAddress))
		for k, v := range o.ShippingAddress {
			c.ShippingAddress[k] = v
		}
	}
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	return &c
}

// Owner selects the orders that belong to a purchaser. Empty fields are ignored;
// an order matches if any non-empty field matches.
type Owner struct {
	Email     string
	UserRef   string
	Reference string

	// CreatedBefore, when set, limits DeletePendingFor to orders created
	// earlier. Matches ignores it.
	CreatedBefore time.Time
}

// IsZero reports whether no selector is set.
func (w Owner) IsZero() bool {
	return w.Email == "" && w.UserRef == "" && w.Reference == ""
}

// Matches reports whether o belongs to the owner.
func (w Owner) Matches(o *Order) bool {
	if w.Email != "" && strings.EqualFold(w.Email, o.Customer.Email) {
		return true
	}
	if w.UserRef != "" && w.UserRef == o.Customer.UserRef {
		return true
	}
	return w.Reference != "" && w.Reference == o.Reference
}

func (w Owner) predates(o *Order) bool {
	return w.CreatedBefore.IsZero() || o.CreatedAt.Before(w.CreatedBefore)
}

// NewReference generates an order reference such as "LIME-3F9A0C12DE".
func NewReference(prefix string) string {
	if prefix == "" {
		prefix = DefaultReferencePrefix
	}
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "-" + strings.ToUpper(token[:10])
}
