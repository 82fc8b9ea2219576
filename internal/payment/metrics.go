package payment

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricProviderRequests        = "provider_requests_total"
	MetricProviderRequestDuration = "provider_request_duration_seconds"
	MetricTokenRefreshes          = "provider_token_refreshes_total"
)

// Metrics records provider call outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	tokenRefreshes *prometheus.CounterVec
}

// NewMetrics creates unregistered provider metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricProviderRequests,
				Help: "Total number of payment provider calls by operation and result",
			},
			[]string{"provider", "operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricProviderRequestDuration,
				Help:    "Payment provider call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTokenRefreshes,
				Help: "Total number of provider access token fetches",
			},
			[]string{"provider"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.duration, m.tokenRefreshes}
}

func (m *Metrics) observe(provider, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) incTokenRefresh(provider string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(provider).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrCheckoutNotFound):
		return "not_found"
	default:
		return "unavailable"
	}
}
