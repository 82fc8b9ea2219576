package reconcile

import (
	"errors"
	"fmt"

	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/payment"
)

var (
	// ErrNotFound is returned when no order matches the reference or checkout id.
	ErrNotFound = errors.New("order not found")

	// ErrVerificationRejected is returned when the provider confirms a
	// non-paid status or the verified payment does not match the order.
	ErrVerificationRejected = errors.New("payment verification rejected")

	// ErrInvariantViolation is returned when the paid transition fails in a
	// way that only storage misbehavior can explain.
	ErrInvariantViolation = order.ErrInvariantViolation

	// ErrInvalidCheckout is returned for malformed or unresolvable requests.
	ErrInvalidCheckout = errors.New("invalid checkout request")

	// ErrAuthenticationRequired is returned when direct confirmation needs a token.
	ErrAuthenticationRequired = errors.New("authentication required to confirm payment")

	// ErrConfirmNotAllowed is returned when the confirm policy denies the caller.
	ErrConfirmNotAllowed = errors.New("direct payment confirmation is not allowed")
)

// RejectedError carries why a verification attempt did not mark the order paid.
// It matches ErrVerificationRejected with errors.Is.
type RejectedError struct {
	Reference string
	Status    payment.Status
	RawStatus string
	Reason    string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("payment for %s rejected: status %s", e.Reference, e.Status)
	if e.RawStatus != "" {
		msg += " (" + e.RawStatus + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *RejectedError) Unwrap() error {
	return ErrVerificationRejected
}
