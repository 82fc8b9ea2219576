// Package effects runs the best-effort work that follows a successful payment:
// the receipt email, cart clearing and receipt archiving. Failures here are
// reported, never returned, because the order is already paid.
package effects

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/limestore/internal/order"
)

// DefaultTimeout bounds each effect.
const DefaultTimeout = 15 * time.Second

// Effect names used in metrics and warnings.
const (
	EffectEmail   = "email"
	EffectCart    = "cart"
	EffectArchive = "archive"
)

// Report describes what the effects achieved for one paid order.
type Report struct {
	EmailSent   bool     `json:"email_sent"`
	EmailError  string   `json:"email_error,omitempty"`
	CartCleared bool     `json:"cart_cleared"`
	ReceiptKey  string   `json:"receipt_key,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Archive stores a rendered receipt and returns its object key.
type Archive interface {
	Store(ctx context.Context, o *order.Order, r *Receipt) (string, error)
}

// Config configures a Coordinator. Nil collaborators are skipped.
type Config struct {
	Mailer    Mailer
	Clearer   CartClearer
	Archive   Archive
	StoreName string
	From      string
	Timeout   time.Duration
	Metrics   *Metrics
}

// Coordinator runs post-payment effects.
type Coordinator struct {
	mailer    Mailer
	clearer   CartClearer
	archive   Archive
	storeName string
	from      string
	timeout   time.Duration
	metrics   *Metrics
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StoreName == "" {
		cfg.StoreName = DefaultStoreName
	}
	if cfg.From == "" {
		cfg.From = DefaultFrom
	}
	return &Coordinator{
		mailer:    cfg.Mailer,
		clearer:   cfg.Clearer,
		archive:   cfg.Archive,
		storeName: cfg.StoreName,
		from:      cfg.From,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
	}
}

// Run executes every configured effect for a paid order. email overrides the
// order's customer email as the receipt recipient when non-empty.
//
// Effects are detached from ctx cancellation so a client disconnect cannot
// abort them halfway, but each one is bounded by the coordinator timeout.
func (c *Coordinator) Run(ctx context.Context, o *order.Order, email string) *Report {
	report := &Report{}
	if o == nil {
		report.warn("no order to run effects for")
		return report
	}
	ctx = context.WithoutCancel(ctx)

	recipient := strings.TrimSpace(email)
	if recipient == "" {
		recipient = o.Customer.Email
	}

	receipt, err := RenderReceipt(o, c.storeName)
	if err != nil {
		slog.ErrorContext(ctx, "failed to render receipt",
			"order_reference", o.Reference, "error", err)
		c.metrics.incFailure(EffectEmail)
		report.EmailError = "failed to render receipt"
		report.warn(report.EmailError)
	} else {
		c.sendReceipt(ctx, o, recipient, receipt, report)
		c.archiveReceipt(ctx, o, receipt, report)
	}

	c.clearCart(ctx, o, recipient, report)
	return report
}

func (c *Coordinator) sendReceipt(ctx context.Context, o *order.Order, recipient string, r *Receipt, report *Report) {
	switch {
	case recipient == "":
		report.EmailError = "missing customer email for the order receipt"
		report.warn(report.EmailError)
		return
	case c.mailer == nil:
		report.EmailError = "receipt mailer is not configured"
		report.warn(report.EmailError)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.mailer.Send(ctx, Message{
		From:    c.from,
		To:      []string{recipient},
		Subject: r.Subject,
		HTML:    r.HTML,
		Text:    r.Text,
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to send receipt email",
			"order_reference", o.Reference, "error", err)
		c.metrics.incFailure(EffectEmail)
		report.EmailError = err.Error()
		report.warn("receipt email not sent")
		return
	}
	report.EmailSent = true
}

func (c *Coordinator) archiveReceipt(ctx context.Context, o *order.Order, r *Receipt, report *Report) {
	if c.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key, err := c.archive.Store(ctx, o, r)
	if err != nil {
		slog.WarnContext(ctx, "failed to archive receipt",
			"order_reference", o.Reference, "error", err)
		c.metrics.incFailure(EffectArchive)
		report.warn("receipt not archived")
		return
	}
	report.ReceiptKey = key
}

func (c *Coordinator) clearCart(ctx context.Context, o *order.Order, recipient string, report *Report) {
	if c.clearer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Pending checkouts opened after this order, e.g. in another tab, are
	// still live and survive.
	owner := order.Owner{
		Email:         recipient,
		UserRef:       o.Customer.UserRef,
		Reference:     o.Reference,
		CreatedBefore: o.CreatedAt,
	}
	if err := c.clearer.Clear(ctx, owner); err != nil {
		slog.WarnContext(ctx, "failed to clear cart",
			"order_reference", o.Reference, "error", err)
		c.metrics.incFailure(EffectCart)
		report.warn("cart not cleared")
		return
	}
	report.CartCleared = true
}

// Metrics counts effect failures. A nil *Metrics is a no-op.
type Metrics struct {
	failures *prometheus.CounterVec
}

// NewMetrics creates unregistered effect metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "effects_failures_total",
				Help: "Total number of failed post-payment effects",
			},
			[]string{"effect"},
		),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.failures)
}

func (m *Metrics) incFailure(effect string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(effect).Inc()
}
