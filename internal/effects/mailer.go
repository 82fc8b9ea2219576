package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultResendURL is the Resend send-email endpoint.
const DefaultResendURL = "https://api.resend.com/emails"

// ErrMailerNotConfigured is returned when a mailer lacks credentials.
var ErrMailerNotConfigured = errors.New("mailer is not configured")

// Message is an outbound email.
type Message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ResendMailer sends mail through the Resend HTTP API.
type ResendMailer struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewResendMailer creates a Resend mailer. endpoint may be empty.
func NewResendMailer(apiKey, endpoint string, timeout time.Duration) *ResendMailer {
	if endpoint == "" {
		endpoint = DefaultResendURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ResendMailer{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send posts msg to Resend. A response without an id counts as a failure.
func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	if m.apiKey == "" {
		return fmt.Errorf("%w: missing RESEND_API_KEY", ErrMailerNotConfigured)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	var out resendResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return fmt.Errorf("resend returned %d: %s", resp.StatusCode, out.Message)
		}
		return fmt.Errorf("resend returned %d", resp.StatusCode)
	}
	if out.ID == "" {
		return errors.New("resend response has no message id")
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct{}

// Send logs the message envelope.
func (LogMailer) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "email not sent, logging instead",
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
		"text_bytes", len(msg.Text),
	)
	return nil
}
