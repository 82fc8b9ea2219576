package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/limestore/internal/auth"
)

type claimsKey struct{}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// SetClaims stores validated token claims and the user ID in the context.
func SetClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	return SetUserID(ctx, claims.Subject)
}

// GetClaims returns the validated claims, or nil for anonymous requests.
func GetClaims(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// Authenticate resolves an optional Authorization: Bearer token.
// Requests without a token continue anonymously; a present but invalid
// token is rejected with 401.
func Authenticate(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeJSONError(w, r, http.StatusUnauthorized, "auth_failed", "Malformed Authorization header")
				return
			}

			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				code, msg := "auth_failed", "Invalid access token"
				if errors.Is(err, auth.ErrExpiredToken) {
					code, msg = "token_expired", "Access token has expired"
				}
				writeJSONError(w, r, http.StatusUnauthorized, code, msg)
				return
			}

			ctx := SetClaims(r.Context(), claims)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			writeJSONError(w, r, http.StatusUnauthorized, "auth_required", "Authentication is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests without an admin token.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			writeJSONError(w, r, http.StatusUnauthorized, "auth_required", "Authentication is required")
			return
		}
		if !claims.IsAdmin() {
			writeJSONError(w, r, http.StatusForbidden, "forbidden", "Admin access is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
