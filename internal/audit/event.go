// Package audit keeps a hash-chained trail of order and payment events.
// Each event stores the SHA-256 of its predecessor, so a rewritten or
// removed row breaks verification of everything after it.
package audit

import "time"

// Outcome of an audited action.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const (
	EntityOrder   = "order"
	EntityWebhook = "webhook"
)

const (
	ActionCheckoutStarted = "checkout_started"
	ActionPaymentVerified = "payment_verified"
	ActionPaymentRejected = "payment_rejected"
	ActionAlreadyPaid     = "already_paid"
	ActionOrderRecorded   = "order_recorded"
	ActionOrderViewed     = "order_viewed"
	ActionWebhookIgnored  = "webhook_ignored"
	ActionInvariantBreach = "invariant_violation"
	ActionConfirmDenied   = "direct_confirm_denied"
)

var (
	knownEntities = []string{EntityOrder, EntityWebhook}
	knownActions  = []string{
		ActionCheckoutStarted, ActionPaymentVerified, ActionPaymentRejected,
		ActionAlreadyPaid, ActionOrderRecorded, ActionOrderViewed,
		ActionWebhookIgnored, ActionInvariantBreach, ActionConfirmDenied,
	}
)

// Entry is what callers supply for a new event.
type Entry struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string

	// Channel names the entry point, e.g. "webhook" or "direct".
	Channel    string
	Provenance string
	Detail     string

	RequestID string
	IPAddress string
	UserAgent string
}

// Event is a stored entry with its position in the chain.
type Event struct {
	Entry

	ID        string
	CreatedAt time.Time

	// PreviousHash is empty for the first event.
	PreviousHash string
}
