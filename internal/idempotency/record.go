// Package idempotency keeps the first successful response to a keyed POST
// so that a retried order confirmation replays it instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// MaxKeyLength bounds a client Idempotency-Key.
const MaxKeyLength = 64

// DefaultExpiry is how long a stored response stays replayable.
const DefaultExpiry = 24 * time.Hour

var (
	ErrKeyNotFound = errors.New("idempotency key not found")
	ErrKeyExists   = errors.New("idempotency key already exists")
	ErrInvalidKey  = errors.New("invalid idempotency key")
	ErrKeyTooLong  = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// Record is a stored response. Fingerprint is the request body digest;
// a retry with a different body must not be served this response.
type Record struct {
	Key            string    `json:"key"`
	Route          string    `json:"route"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	OrderReference string    `json:"order_reference,omitempty"`
	StatusCode     int       `json:"status_code"`
	ContentType    string    `json:"content_type,omitempty"`
	Body           []byte    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// Matches reports whether body is the request this record answered.
// Records stored without a fingerprint match anything.
func (r *Record) Matches(body []byte) bool {
	return r.Fingerprint == "" || r.Fingerprint == Fingerprint(body)
}

func (r *Record) clone() *Record {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// ValidateKey accepts 1 to MaxKeyLength visible ASCII characters.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '!' || key[i] > '~' {
			return ErrInvalidKey
		}
	}
	return nil
}

// Fingerprint is the hex SHA-256 of b.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ScopedKey namespaces a client key by route and caller so two callers
// sending the same header value never share a record. The result always
// passes ValidateKey.
func ScopedKey(route, caller, key string) string {
	return Fingerprint([]byte(route + "|" + caller + "|" + key))
}

// Repository persists records.
type Repository interface {
	// Get returns ErrKeyNotFound for unknown or expired keys.
	Get(ctx context.Context, key string) (*Record, error)
	// Save returns ErrKeyExists when key is already stored; the first
	// response wins.
	Save(ctx context.Context, rec *Record) error
	// Prune drops records older than maxAge and reports how many.
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}
