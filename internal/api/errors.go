// Package api is the HTTP surface of limestore: checkout creation, provider
// redirects and webhooks, direct confirmation, order reads and probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/limestore/internal/cart"
	"github.com/onnwee/limestore/internal/middleware"
	"github.com/onnwee/limestore/internal/payment"
	"github.com/onnwee/limestore/internal/reconcile"
)

// Error codes carried in the error envelope.
const (
	ErrCodeBadRequest          = "bad_request"
	ErrCodeValidation          = "validation_error"
	ErrCodeAuthRequired        = "auth_required"
	ErrCodeNotFound            = "not_found"
	ErrCodeInternal            = "internal_error"
	ErrCodeInvalidCheckout     = "invalid_checkout"
	ErrCodeEmptyCart           = "empty_cart"
	ErrCodePaymentRejected     = "payment_rejected"
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeConfiguration       = "configuration_error"
	ErrCodeConfirmNotAllowed   = "confirm_not_allowed"
	ErrCodeInvalidSignature    = "invalid_signature"
	ErrCodeReceiptUnavailable  = "receipt_unavailable"
)

// ErrorResponse is the envelope of every error: {"error":{"code","message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope. ctx should already carry the code
// via middleware.SetErrorCode so the access log reports it:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "Order not found.")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}}); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// failure is how a domain error is shown to the client.
type failure struct {
	status  int
	code    string
	message string
}

var internalFailure = failure{http.StatusInternalServerError, ErrCodeInternal, "Internal server error."}

// failures maps engine and provider sentinels, first match wins. Empty cart
// precedes invalid checkout because the engine wraps one in the other.
var failures = []struct {
	target error
	failure
}{
	{cart.ErrEmptyCart, failure{http.StatusBadRequest, ErrCodeEmptyCart, "Cart has no valid items."}},
	{reconcile.ErrVerificationRejected, failure{http.StatusPaymentRequired, ErrCodePaymentRejected, "Payment could not be verified."}},
	{reconcile.ErrNotFound, failure{http.StatusNotFound, ErrCodeNotFound, "Order not found."}},
	{payment.ErrConfiguration, failure{http.StatusInternalServerError, ErrCodeConfiguration, "Payment provider is not configured."}},
	{payment.ErrProviderUnavailable, failure{http.StatusBadGateway, ErrCodeProviderUnavailable, "Payment provider is unavailable, please retry."}},
	{reconcile.ErrAuthenticationRequired, failure{http.StatusUnauthorized, ErrCodeAuthRequired, "Authentication is required to confirm this payment."}},
	{reconcile.ErrConfirmNotAllowed, failure{http.StatusForbidden, ErrCodeConfirmNotAllowed, "Payment confirmation is not allowed."}},
	{reconcile.ErrInvalidCheckout, failure{http.StatusBadRequest, ErrCodeInvalidCheckout, "Invalid checkout request."}},
}

func classifyError(err error) failure {
	var itemErr *cart.ItemError
	if errors.As(err, &itemErr) {
		return failure{http.StatusBadRequest, ErrCodeValidation, "Invalid cart item: " + itemErr.Error()}
	}
	for _, f := range failures {
		if errors.Is(err, f.target) {
			return f.failure
		}
	}
	return internalFailure
}

// writeReconcileError answers a failed engine call. Ledger invariant
// breaches are logged loudly since they mean a pending/paid rule broke.
func writeReconcileError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	f := classifyError(err)

	switch {
	case errors.Is(err, reconcile.ErrInvariantViolation):
		slog.ErrorContext(ctx, "order ledger invariant violated", "path", r.URL.Path, "error", err)
	case f.status >= http.StatusInternalServerError:
		slog.ErrorContext(ctx, "request failed", "path", r.URL.Path, "code", f.code, "error", err)
	default:
		slog.InfoContext(ctx, "request rejected", "path", r.URL.Path, "code", f.code, "error", err)
	}

	WriteError(w, middleware.SetErrorCode(ctx, f.code), f.status, f.code, f.message)
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
