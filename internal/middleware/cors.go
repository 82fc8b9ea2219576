package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Storefront CORS defaults.
var (
	DefaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	DefaultCORSHeaders = []string{"Content-Type", "Authorization", RequestIDHeader, IdempotencyKeyHeader}
)

// CORSConfig lists the storefront origins allowed to call the API from a
// browser. Origins are matched exactly after trimming a trailing slash.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int // preflight cache, seconds
}

type corsPolicy struct {
	origins     map[string]struct{}
	methods     string
	headers     string
	maxAge      string
	credentials bool
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{origins: map[string]struct{}{}, credentials: cfg.AllowCredentials}
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			p.origins[o] = struct{}{}
		}
	}
	methods, headers := cfg.AllowedMethods, cfg.AllowedHeaders
	if len(methods) == 0 {
		methods = DefaultCORSMethods
	}
	if len(headers) == 0 {
		headers = DefaultCORSHeaders
	}
	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func (p *corsPolicy) allows(origin string) bool {
	_, ok := p.origins[origin]
	return ok
}

// decorate sets the response headers for an allowed origin and reports
// whether the request was a preflight that has now been answered.
func (p *corsPolicy) decorate(w http.ResponseWriter, r *http.Request, origin string) bool {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+IdempotentReplayHeader)
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.headers)
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// CORS is a pass-through when no origins are configured. Requests without an
// Origin header, such as provider webhooks, are never blocked; a browser
// request from an unknown origin gets 403 forbidden_origin.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	p := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		if len(p.origins) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			if !p.allows(origin) {
				writeJSONError(w, r, http.StatusForbidden, "forbidden_origin", "Origin not allowed.")
				return
			}
			if p.decorate(w, r, origin) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
