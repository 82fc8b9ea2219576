package reconcile

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/limestore/internal/payment"
)

// Metric names.
const (
	MetricOutcomes = "reconcile_outcomes_total"
	MetricDuration = "reconcile_duration_seconds"
)

// Metrics records reconciliation outcomes per channel.
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates unregistered reconcile metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOutcomes,
				Help: "Reconciliation attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricDuration,
				Help:    "Reconciliation latency in seconds, provider calls included",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.outcomes, m.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(channel Channel, start time.Time, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(channel), outcome).Inc()
	m.duration.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
}

// outcomeLabel maps a result or error onto a metric label.
func outcomeLabel(res *Result, err error) string {
	switch {
	case err == nil && res != nil:
		return string(res.Outcome)
	case errors.Is(err, ErrVerificationRejected):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, payment.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, payment.ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalidCheckout):
		return "invalid"
	case errors.Is(err, ErrAuthenticationRequired), errors.Is(err, ErrConfirmNotAllowed):
		return "denied"
	default:
		return "error"
	}
}
