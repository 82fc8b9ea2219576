package validate

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL  = errors.New("invalid URL")
	ErrInsecureURL = errors.New("URL must use https")
	ErrPrivateHost = errors.New("URL points at a private address")
)

const maxURLLength = 2048

// RedirectURL checks a URL purchasers are sent to, or that a provider
// calls back. In production it must be https on a public host; elsewhere
// http and local hosts are fine. Hostnames are not resolved.
func RedirectURL(raw string, production bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if len(raw) > maxURLLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrTooLong, maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if !production {
		return raw, nil
	}

	if u.Scheme != "https" {
		return "", ErrInsecureURL
	}
	if privateHost(host) {
		return "", fmt.Errorf("%w: %s", ErrPrivateHost, host)
	}
	return raw, nil
}

func privateHost(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
