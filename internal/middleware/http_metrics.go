package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// staticRoutes are paths recorded verbatim in metrics.
var staticRoutes = map[string]bool{
	"/":                                   true,
	"/health":                             true,
	"/ready":                              true,
	"/metrics":                            true,
	"/api/payments/checkout":              true,
	"/api/payments/callback":              true,
	"/api/payments/webhook":               true,
	"/api/payments/stripe/webhook":        true,
	"/api/payments/sumup/create_checkout": true,
	"/api/payments/sumup/callback":        true,
	"/api/payments/sumup/webhook":         true,
	"/api/orders":                         true,
	"/api/orders/":                        true,
	"/api/orders/create":                  true,
	"/api/orders/user":                    true,
	"/api/orders/me":                      true,
	"/api/orders/all":                     true,
	"/api/admin/orders":                   true,
}

// routePattern returns the matched chi route pattern, or "" outside chi.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// routeLabel is the chi pattern when routed, else the normalized path.
func routeLabel(r *http.Request) string {
	if p := routePattern(r); p != "" {
		return p
	}
	return normalizePath(r.URL.Path)
}

// normalizePath maps a raw path onto a bounded label set: known routes
// verbatim, /api/orders/LIME-1 to /api/orders/{reference}, and anything
// else to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	if rest, ok := strings.CutPrefix(path, "/api/orders/"); ok && rest != "" {
		ref, tail, _ := strings.Cut(rest, "/")
		switch {
		case ref == "":
		case tail == "":
			return "/api/orders/{reference}"
		case tail == "receipt":
			return "/api/orders/{reference}/receipt"
		}
	}

	return "other"
}

// unmeteredPaths are probe and scrape endpoints kept out of request metrics.
var unmeteredPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// HTTPMetrics records request count, latency and body sizes per method,
// route and status.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unmeteredPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			var requestSize int64
			if cl := r.Header.Get("Content-Length"); cl != "" {
				requestSize, _ = strconv.ParseInt(cl, 10, 64)
			}
			metrics.ObserveHTTPRequest(
				r.Method,
				routeLabel(r),
				strconv.Itoa(rec.status),
				time.Since(start).Seconds(),
				requestSize,
				rec.size,
			)
		})
	}
}
