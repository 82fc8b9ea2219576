package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/limestore/internal/order"
)

// DefaultSumUpBaseURL is the SumUp production API.
const DefaultSumUpBaseURL = "https://api.sumup.com"

// defaultTokenLifetime applies when the token response omits expires_in.
const defaultTokenLifetime = 3600 * time.Second

// maxErrorBody caps how much of a provider error body is read.
const maxErrorBody = 4 << 10

// SumUpConfig configures a SumUpClient.
type SumUpConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	MerchantEmail string
	Timeout       time.Duration

	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client

	// Tokens is the credential cache. A new cache is created if nil.
	Tokens  *TokenCache
	Metrics *Metrics
}

// SumUpClient talks to the SumUp checkouts API using client-credentials auth.
type SumUpClient struct {
	baseURL       string
	clientID      string
	clientSecret  string
	merchantEmail string
	timeout       time.Duration
	httpClient    *http.Client
	tokens        *TokenCache
	metrics       *Metrics
}

// NewSumUpClient creates a SumUp client. Missing credentials are not an error
// here; calls report ErrConfiguration instead.
func NewSumUpClient(cfg SumUpConfig) *SumUpClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSumUpBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = NewTokenCache(MinRefreshMargin)
	}

	c := &SumUpClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		merchantEmail: cfg.MerchantEmail,
		timeout:       cfg.Timeout,
		httpClient:    cfg.HTTPClient,
		tokens:        cfg.Tokens,
		metrics:       cfg.Metrics,
	}
	if c.tokens.onRefresh == nil {
		c.tokens.onRefresh = func() { c.metrics.incTokenRefresh(c.Name()) }
	}
	return c
}

// Name returns "sumup".
func (c *SumUpClient) Name() string {
	return "sumup"
}

func (c *SumUpClient) checkCredentials() error {
	var missing []string
	if c.clientID == "" {
		missing = append(missing, "SUMUP_CLIENT_ID")
	}
	if c.clientSecret == "" {
		missing = append(missing, "SUMUP_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// Authenticate returns a valid access token, using the cache when possible.
func (c *SumUpClient) Authenticate(ctx context.Context) (string, error) {
	if err := c.checkCredentials(); err != nil {
		return "", err
	}
	tok, err := c.tokens.Token(ctx, c.fetchToken)
	if err != nil && !errors.Is(err, ErrProviderUnavailable) {
		// The cache reports an abandoned wait as a bare context error.
		return "", &ProviderError{Provider: c.Name(), Op: "authenticate", Err: err}
	}
	return tok, err
}

type sumupTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *SumUpClient) fetchToken(ctx context.Context) (tok Token, err error) {
	start := time.Now()
	defer func() { c.metrics.observe(c.Name(), "authenticate", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, &ProviderError{Provider: c.Name(), Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return Token{}, &ProviderError{Provider: c.Name(), Op: "authenticate", StatusCode: resp.StatusCode}
	}

	var body sumupTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, &ProviderError{Provider: c.Name(), Op: "authenticate", Err: err}
	}
	if body.AccessToken == "" {
		return Token{}, &ProviderError{Provider: c.Name(), Op: "authenticate", Err: errors.New("empty access token")}
	}

	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	return Token{Value: body.AccessToken, ExpiresAt: c.tokens.now().Add(lifetime)}, nil
}

type sumupCheckoutRequest struct {
	CheckoutReference string      `json:"checkout_reference"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	PayToEmail        string      `json:"pay_to_email"`
	Description       string      `json:"description,omitempty"`
	ReturnURL         string      `json:"return_url,omitempty"`
	CustomerEmail     string      `json:"customer_email,omitempty"`
}

type sumupCheckout struct {
	ID                string      `json:"id"`
	CheckoutReference string      `json:"checkout_reference"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	Status            string      `json:"status"`
}

// CreateCheckout opens a hosted SumUp checkout for the order reference.
func (c *SumUpClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (session *CheckoutSession, err error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	payee := req.Payee
	if payee == "" {
		payee = c.merchantEmail
	}
	if payee == "" {
		return nil, fmt.Errorf("%w: missing SUMUP_MERCHANT_EMAIL", ErrConfiguration)
	}

	start := time.Now()
	defer func() { c.metrics.observe(c.Name(), "create_checkout", start, err) }()

	description := req.Description
	if description == "" {
		description = "Order " + req.Reference
	}
	payload := sumupCheckoutRequest{
		CheckoutReference: req.Reference,
		Amount:            json.Number(req.Amount.StringFixed(2)),
		Currency:          strings.ToUpper(req.Currency),
		PayToEmail:        payee,
		Description:       description,
		ReturnURL:         req.ReturnURL,
		CustomerEmail:     req.CustomerEmail,
	}

	var raw map[string]any
	if _, err := c.doJSON(ctx, "create_checkout", http.MethodPost, "/v0.1/checkouts", payload, &raw); err != nil {
		return nil, err
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return nil, &ProviderError{Provider: c.Name(), Op: "create_checkout", Err: errors.New("response has no checkout id")}
	}
	redirect, _ := raw["redirect_url"].(string)
	return &CheckoutSession{CheckoutID: id, RedirectURL: redirect, Raw: raw}, nil
}

// FetchCheckoutStatus retrieves the checkout and maps its status.
func (c *SumUpClient) FetchCheckoutStatus(ctx context.Context, checkoutID string) (status *CheckoutStatus, err error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { c.metrics.observe(c.Name(), "fetch_checkout", start, err) }()

	var body sumupCheckout
	code, err := c.doJSON(ctx, "fetch_checkout", http.MethodGet, "/v0.1/checkouts/"+url.PathEscape(checkoutID), nil, &body)
	if err != nil {
		if code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrCheckoutNotFound, checkoutID)
		}
		return nil, err
	}

	amount := decimal.Zero
	if body.Amount != "" {
		amount, err = decimal.NewFromString(body.Amount.String())
		if err != nil {
			return nil, &ProviderError{Provider: c.Name(), Op: "fetch_checkout", Err: fmt.Errorf("bad amount %q: %w", body.Amount, err)}
		}
	}

	id := body.ID
	if id == "" {
		id = checkoutID
	}
	return &CheckoutStatus{
		CheckoutID:    id,
		Status:        MapSumUpStatus(body.Status),
		Amount:        amount.Round(2),
		Currency:      strings.ToUpper(body.Currency),
		Reference:     body.CheckoutReference,
		PaymentMethod: order.MethodSumUpCard,
		RawStatus:     body.Status,
	}, nil
}

// MapSumUpStatus normalizes a SumUp checkout status string.
func MapSumUpStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID", "SUCCESSFUL":
		return StatusPaid
	case "PENDING":
		return StatusPending
	case "FAILED", "EXPIRED", "CANCELLED", "CANCELED":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// doJSON performs an authenticated JSON call. A 401 drops the cached token and
// the call is retried once with a fresh one. The returned int is the final
// HTTP status, or 0 if no response was received.
func (c *SumUpClient) doJSON(ctx context.Context, op, method, path string, in, out any) (int, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.Authenticate(ctx)
		if err != nil {
			return 0, err
		}

		code, err := c.send(ctx, op, method, path, token, payload, out)
		if code == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		return code, err
	}
}

func (c *SumUpClient) send(ctx context.Context, op, method, path, token string, payload []byte, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &ProviderError{Provider: c.Name(), Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &ProviderError{Provider: c.Name(), Op: op, StatusCode: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, &ProviderError{Provider: c.Name(), Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}
