// Package validate normalizes purchaser-supplied fields before they reach
// the order ledger.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrEmpty             = errors.New("value is empty")
	ErrTooLong           = errors.New("value is too long")
	ErrInvalidCharacters = errors.New("value contains invalid characters")
	ErrInvalidEmail      = errors.New("invalid email format")
)

const (
	maxEmailLength    = 254 // RFC 5321 path limit
	maxEmailLocalPart = 64
	maxCustomerName   = 200
	maxOrderReference = 64
	maxPaymentMethod  = 32
)

var (
	emailPattern     = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	methodPattern    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Email lowercases and trims an address and checks its shape. Whether the
// mailbox exists is the mailer's concern.
func Email(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	switch {
	case email == "":
		return "", ErrEmpty
	case len(email) > maxEmailLength:
		return "", fmt.Errorf("%w: email exceeds %d bytes", ErrTooLong, maxEmailLength)
	case !emailPattern.MatchString(email):
		return "", ErrInvalidEmail
	}
	if local, _, _ := strings.Cut(email, "@"); len(local) > maxEmailLocalPart {
		return "", fmt.Errorf("%w: local part exceeds %d bytes", ErrTooLong, maxEmailLocalPart)
	}
	return email, nil
}

// OptionalEmail is Email that lets a blank address through as "".
func OptionalEmail(email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", nil
	}
	return Email(email)
}

// CustomerName trims a purchaser name. It may be empty; it may not hold
// control characters or exceed 200 runes.
func CustomerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n > maxCustomerName {
		return "", fmt.Errorf("%w: name has %d characters, maximum is %d", ErrTooLong, n, maxCustomerName)
	}
	if strings.ContainsFunc(name, unicode.IsControl) {
		return "", fmt.Errorf("%w: control characters in name", ErrInvalidCharacters)
	}
	return name, nil
}

// OrderReference trims a client-supplied reference such as "LIME-7Q2X".
// Empty is allowed so the caller can generate one.
func OrderReference(ref string) (string, error) {
	return token(ref, maxOrderReference, referencePattern)
}

// PaymentMethod upper-cases a method label such as "sumup_card". Empty is
// allowed.
func PaymentMethod(method string) (string, error) {
	method, err := token(method, maxPaymentMethod, methodPattern)
	return strings.ToUpper(method), err
}

func token(s string, max int, pattern *regexp.Regexp) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", nil
	case len(s) > max:
		return "", fmt.Errorf("%w: %d characters, maximum is %d", ErrTooLong, len(s), max)
	case !pattern.MatchString(s):
		return "", ErrInvalidCharacters
	}
	return s, nil
}
