package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/limestore/internal/idempotency"
)

const (
	// IdempotencyKeyHeader is the client-supplied retry key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader is set on responses served from the store.
	IdempotentReplayHeader = "Idempotent-Replayed"
	// OrderReferenceHeader lets a handler name the order a response is
	// about, so the stored record points at it.
	OrderReferenceHeader = "X-Order-Reference"
)

// maxIdempotentBody caps how much of a request body is fingerprinted.
const maxIdempotentBody = 1 << 20

type idempotencyKeyContextKey struct{}

// SetIdempotencyKey stores the client key in ctx.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey returns the client key, or "".
func GetIdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key
}

// bodyRecorder is a statusRecorder that also keeps the response body.
type bodyRecorder struct {
	*statusRecorder
	body bytes.Buffer
}

func (rec *bodyRecorder) Write(b []byte) (int, error) {
	n, err := rec.statusRecorder.Write(b)
	rec.body.Write(b[:n])
	return n, err
}

// IdempotencyMiddleware replays the stored response for a POST that
// repeats an Idempotency-Key. Keys are scoped by route and caller. A key
// reused with a different body answers 422, and only 2xx responses are
// stored so failures stay retryable. Without a key the request passes
// through unless required is set. Storage errors degrade to an
// unprotected request. metrics may be nil.
func IdempotencyMiddleware(repo idempotency.Repository, required bool, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				if required {
					writeJSONError(w, r, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required for this request")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			switch err := idempotency.ValidateKey(key); {
			case errors.Is(err, idempotency.ErrKeyTooLong):
				writeJSONError(w, r, http.StatusBadRequest, "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters")
				return
			case err != nil:
				writeJSONError(w, r, http.StatusBadRequest, "invalid_idempotency_key", "Invalid Idempotency-Key format")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeJSONError(w, r, http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			route := routeLabel(r)
			caller := GetUserID(r.Context())
			if caller == "" {
				caller = "anonymous"
			}
			storeKey := idempotency.ScopedKey(route, caller, key)
			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			prev, err := repo.Get(ctx, storeKey)
			switch {
			case err == nil:
				if !prev.Matches(body) {
					writeJSONError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused", "Idempotency-Key was already used with a different request body")
					return
				}
				replay(w, prev)
				metrics.IncIdempotencyReplay(route)
				slog.InfoContext(ctx, "replayed idempotent response", "route", route, "status", prev.StatusCode, "order_reference", prev.OrderReference)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "idempotency lookup failed", "route", route, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			rec := &bodyRecorder{statusRecorder: newStatusRecorder(w)}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status > 299 {
				return
			}

			err = repo.Save(ctx, &idempotency.Record{
				Key:            storeKey,
				Route:          route,
				Fingerprint:    idempotency.Fingerprint(body),
				OrderReference: rec.Header().Get(OrderReferenceHeader),
				StatusCode:     rec.status,
				ContentType:    rec.Header().Get("Content-Type"),
				Body:           rec.body.Bytes(),
			})
			if err != nil {
				// ErrKeyExists means a concurrent twin stored first.
				slog.WarnContext(ctx, "idempotent response not stored", "route", route, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, rec *idempotency.Record) {
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	if rec.OrderReference != "" {
		w.Header().Set(OrderReferenceHeader, rec.OrderReference)
	}
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}
