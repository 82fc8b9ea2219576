package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricIdempotencyReplays    = "idempotency_replays_total"
)

var (
	requestLabels   = []string{"method", "path", "status"}
	rateLimitLabels = []string{"endpoint", "key_type"}

	// 100 B to 100 MB.
	sizeBuckets = prometheus.ExponentialBuckets(100, 10, 7)
	// Checkout creation waits on the provider, so the tail goes past 2s.
	latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
)

// Metrics holds the HTTP layer collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec

	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter
	idempotencyReplays   *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors; see Register.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests by method, route and status.",
		}, requestLabels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request latency in seconds.",
			Buckets: latencyBuckets,
		}, requestLabels),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestSizeBytes,
			Help:    "HTTP request body size in bytes, from Content-Length.",
			Buckets: sizeBuckets,
		}, requestLabels),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "HTTP response body size in bytes.",
			Buckets: sizeBuckets,
		}, requestLabels),
		rateLimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Requests checked against a rate limit.",
		}, rateLimitLabels),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Requests rejected with 429.",
		}, rateLimitLabels),
		rateLimitRedisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Rate limit checks that failed open because Redis was unavailable.",
		}),
		idempotencyReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIdempotencyReplays,
			Help: "Responses replayed from the idempotency store.",
		}, []string{"route"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors lists the collectors in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.duration,
		m.requestSize,
		m.responseSize,
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRedisErrors,
		m.idempotencyReplays,
	}
}

// ObserveHTTPRequest records one finished request. path must already be a
// bounded route label.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, seconds float64, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, status).Inc()
	m.duration.WithLabelValues(method, path, status).Observe(seconds)
	m.requestSize.WithLabelValues(method, path, status).Observe(float64(requestSize))
	m.responseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))
}

// IncRateLimitRequests counts a rate limit check. keyType is "user" or "ip".
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	if m != nil {
		m.rateLimitRequests.WithLabelValues(endpoint, keyType).Inc()
	}
}

// IncRateLimitBlocked counts a 429.
func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	if m != nil {
		m.rateLimitBlocked.WithLabelValues(endpoint, keyType).Inc()
	}
}

// IncRateLimitRedisErrors counts a fail-open check.
func (m *Metrics) IncRateLimitRedisErrors() {
	if m != nil {
		m.rateLimitRedisErrors.Inc()
	}
}

// IncIdempotencyReplay counts a replayed response.
func (m *Metrics) IncIdempotencyReplay(route string) {
	if m != nil {
		m.idempotencyReplays.WithLabelValues(route).Inc()
	}
}
