package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP is the caller's address as seen through the edge proxy: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection's remote host.
// Any port is dropped.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return withoutPort(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return withoutPort(xri)
	}
	return withoutPort(r.RemoteAddr)
}

func withoutPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
