package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window: at most RequestsPerWindow requests per
// key in each WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate rejects non-positive limits and windows.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// bucketKey namespaces key by the limit so limiters with different windows
// never share a counter.
func (c RateLimitConfig) bucketKey(key string) string {
	return fmt.Sprintf("ratelimit:%d/%s:%s", c.RequestsPerWindow, c.WindowDuration, key)
}

// DefaultGlobalLimit applies to every request: 100 per minute per IP.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultCheckoutLimit applies to routes that open provider checkouts:
// 10 per minute per IP.
func DefaultCheckoutLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// DefaultConfirmLimit applies to direct order confirmation: 30 per minute
// per user or IP.
func DefaultConfirmLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 30, WindowDuration: time.Minute}
}

// RateLimitStore counts requests per key.
type RateLimitStore interface {
	// Allow reports whether a request for key fits in the current window,
	// how many requests remain, and the seconds until the window resets
	// when blocked.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

// retryAfterSeconds rounds a window remainder up to at least one second.
func retryAfterSeconds(d time.Duration) int {
	if s := int(d.Seconds()); s > 0 {
		return s
	}
	return 1
}

type window struct {
	count int
	ends  time.Time
}

// InMemoryRateLimitStore keeps fixed windows in process memory. It is the
// single-instance fallback when Redis is not configured; Cleanup must run
// periodically to drop finished windows.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore returns an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.After(w.ends) {
		s.windows[key] = &window{count: 1, ends: now.Add(config.WindowDuration)}
		return true, config.RequestsPerWindow - 1, 0
	}
	if w.count < config.RequestsPerWindow {
		w.count++
		return true, config.RequestsPerWindow - w.count, 0
	}
	return false, 0, retryAfterSeconds(w.ends.Sub(now))
}

// Cleanup drops finished windows and returns how many it removed.
func (s *InMemoryRateLimitStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, w := range s.windows {
		if now.After(w.ends) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// windowScript increments the counter for KEYS[1], starting a window of
// ARGV[1] milliseconds on the first hit, and returns the count and the
// remaining TTL.
var windowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {c, redis.call('PTTL', KEYS[1])}
`)

// RedisRateLimitStore shares fixed windows across API instances. Redis
// failures fail open.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// WithMetrics makes the store count fail-open events.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	res, err := windowScript.Run(ctx, s.client, []string{key}, config.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
		s.metrics.IncRateLimitRedisErrors()
		return true, config.RequestsPerWindow, 0
	}

	count := int(res[0])
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}
	return false, 0, retryAfterSeconds(time.Duration(res[1]) * time.Millisecond)
}

// KeyFunc extracts a rate limit key from a request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys on ClientIP.
func IPKeyFunc() KeyFunc {
	return ClientIP
}

// UserKeyFunc keys on the authenticated user when there is one, else on the
// client IP.
func UserKeyFunc() KeyFunc {
	ip := IPKeyFunc()
	return func(r *http.Request) string {
		if id := GetUserID(r.Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + ip(r)
	}
}

// RateLimiter answers 429 rate_limit_exceeded once a key exhausts its
// window. Every response carries X-RateLimit-Limit and -Remaining; blocked
// ones add Retry-After and X-RateLimit-Reset. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			keyType := "ip"
			if strings.HasPrefix(key, "user:") {
				keyType = "user"
			}
			endpoint := routeLabel(r)
			metrics.IncRateLimitRequests(endpoint, keyType)

			allowed, remaining, retryAfter := store.Allow(r.Context(), config.bucketKey(key), config)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.IncRateLimitBlocked(endpoint, keyType)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			reset := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			writeJSONError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, retry later")
		})
	}
}
