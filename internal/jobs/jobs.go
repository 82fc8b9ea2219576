// Package jobs runs the periodic maintenance tasks that keep the in-memory
// fallback stores bounded.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task names, used as the task label.
const (
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeWebhookCleanup     = "webhook_event_cleanup"
	JobTypeRateLimitCleanup   = "rate_limit_cleanup"
)

// Run results.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultTimeout  = "timeout"
	ResultCanceled = "canceled"
)

const (
	MetricRuns     = "maintenance_runs_total"
	MetricDuration = "maintenance_duration_seconds"
	MetricRemoved  = "maintenance_removed_total"
)

// Task is one periodic job. Run returns how many entries it removed.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Metrics counts task runs. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	removed  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRuns,
			Help: "Maintenance task runs by task and result.",
		}, []string{"task", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricDuration,
			Help:    "Maintenance task run time in seconds.",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 30},
		}, []string{"task"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRemoved,
			Help: "Expired entries removed by maintenance tasks.",
		}, []string{"task"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.runs, m.duration, m.removed} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) record(task, result string, took time.Duration, removed int64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(task, result).Inc()
	m.duration.WithLabelValues(task).Observe(took.Seconds())
	if removed > 0 {
		m.removed.WithLabelValues(task).Add(float64(removed))
	}
}

// RunOnce executes t a single time and records the result.
func RunOnce(ctx context.Context, t Task, m *Metrics) (int64, error) {
	start := time.Now()
	n, err := t.Run(ctx)
	res := result(err)
	m.record(t.Name, res, time.Since(start), n)

	switch {
	case err != nil:
		slog.ErrorContext(ctx, "maintenance task failed", "task", t.Name, "result", res, "error", err)
	case n > 0:
		slog.InfoContext(ctx, "maintenance task removed entries", "task", t.Name, "removed", n)
	}
	return n, err
}

// Every runs t now and then each t.Interval until ctx ends. It blocks.
func Every(ctx context.Context, t Task, m *Metrics) {
	if t.Interval <= 0 {
		slog.WarnContext(ctx, "maintenance task disabled", "task", t.Name)
		return
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		_, _ = RunOnce(ctx, t, m)
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "maintenance task stopped", "task", t.Name)
			return
		case <-ticker.C:
		}
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultCanceled
	default:
		return ResultError
	}
}
