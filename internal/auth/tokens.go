// Package auth verifies the bearer tokens storefront customers and staff
// present, and mints them for tests and tooling.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

const (
	// AccessTokenExpiry is the lifetime of minted tokens.
	AccessTokenExpiry = 15 * time.Minute
	// DefaultLeeway absorbs clock skew between the storefront and the API.
	DefaultLeeway = 30 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrEmptyUserID  = errors.New("userID cannot be empty")
)

// Claims identify the caller. Subject is the user id that orders are
// attributed to.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// IsAdmin reports whether the caller is staff.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// JWTService mints HS256 tokens with its first key and accepts tokens
// signed by any of its keys. Rotation lists the new secret first and the
// retiring one second.
type JWTService struct {
	keys   [][]byte
	parser *jwt.Parser
}

// NewJWTService uses a single secret and DefaultLeeway.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotation(secret, "", DefaultLeeway)
}

// NewJWTServiceWithRotation also accepts tokens signed with previous,
// which may be empty. A negative leeway means DefaultLeeway.
func NewJWTServiceWithRotation(current, previous string, leeway time.Duration) *JWTService {
	if leeway < 0 {
		leeway = DefaultLeeway
	}
	keys := [][]byte{[]byte(current)}
	if previous != "" {
		keys = append(keys, []byte(previous))
	}
	return &JWTService{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
}

// GenerateAccessToken mints a token for userID. role defaults to
// RoleCustomer and email is lowercased.
func (s *JWTService) GenerateAccessToken(userID, email, role string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	if role == "" {
		role = RoleCustomer
	}
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		Email: strings.ToLower(strings.TrimSpace(email)),
		Role:  role,
	}).SignedString(s.keys[0])
}

// ValidateToken returns the claims of a token signed by any key. Failures
// are ErrExpiredToken or ErrInvalidToken; an expired token is reported as
// such only when its signature checked out.
func (s *JWTService) ValidateToken(raw string) (*Claims, error) {
	expired := false
	for _, key := range s.keys {
		claims := &Claims{}
		_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil })
		switch {
		case err == nil && claims.Subject != "":
			return claims, nil
		case err == nil:
			return nil, ErrInvalidToken
		case errors.Is(err, jwt.ErrTokenExpired):
			expired = true
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			continue
		default:
			return nil, ErrInvalidToken
		}
	}
	if expired {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}
