// Package config loads limestore settings from an optional YAML file (read
// with koanf) and the process environment, then validates them as a whole.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/limestore/internal/validate"
)

// Config is the resolved server configuration. See Load for the sources.
type Config struct {
	// Server settings
	Port int
	Env  string

	// Storage. An empty DatabaseURL selects the in-memory ledger, which is
	// only accepted outside production.
	DatabaseURL string
	RedisURL    string

	// JWT Authentication
	JWTSecret         string
	JWTSecretPrevious string

	// Payments
	PaymentProvider     string // "sumup" or "stripe"
	SumUpClientID       string
	SumUpClientSecret   string
	SumUpMerchantEmail  string
	SumUpBaseURL        string
	SumUpRedirectURL    string
	StripeAPIKey        string
	StripeWebhookSecret string

	// StripeConnectAccount is the connected account (acct_...) Stripe sessions
	// transfer to. Empty keeps funds on the platform account.
	StripeConnectAccount string

	// Storefront URLs
	PublicBaseURL     string
	PaymentSuccessURL string
	PaymentFailureURL string

	// Orders
	Currency             string
	OrderReferencePrefix string
	DirectConfirmPolicy  string
	IdempotencyTTL       time.Duration

	// Receipts
	ResendAPIKey  string
	EmailFrom     string
	StoreName     string
	EffectTimeout time.Duration

	// R2 (Cloudflare Object Storage) receipt archive
	R2BucketName      string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Endpoint        string

	// HTTP edge
	CORSAllowedOrigins []string

	// Tracing
	TracingEnabled      bool
	TracingExporter     string
	TracingEndpoint     string
	TracingSamplingRate float64
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL       = errors.New("DATABASE_URL is required in production")
	ErrMissingJWTSecret         = errors.New("JWT_SECRET is required in production")
	ErrMissingSumUpClientSecret = errors.New("SUMUP_CLIENT_SECRET is required when SUMUP_CLIENT_ID is set")
	ErrMissingSumUpClientID     = errors.New("SUMUP_CLIENT_ID is required when SUMUP_CLIENT_SECRET is set")
	ErrMissingR2BucketName      = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID     = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretAccessKey = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingR2Endpoint        = errors.New("R2_ENDPOINT is required")
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidDuration          = errors.New("value must be a positive duration")
	ErrInvalidNumber            = errors.New("value must be a number")
	ErrInvalidBool              = errors.New("value must be true or false")
	ErrUnknownPaymentProvider   = errors.New("PAYMENT_PROVIDER must be sumup or stripe")
	ErrUnknownConfirmPolicy     = errors.New("DIRECT_CONFIRM_POLICY must be open, authenticated, admin or disabled")
	ErrInvalidCurrency          = errors.New("CURRENCY must be a three-letter ISO code")
	ErrInvalidURL               = errors.New("invalid URL")
	ErrInvalidStripeAccount     = errors.New("STRIPE_CONNECT_ACCOUNT must be a Stripe account id (acct_...)")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultPaymentProvider     = "sumup"
	DefaultCurrency            = "EUR"
	DefaultDirectConfirmPolicy = "open"
	DefaultEffectTimeout       = 15 * time.Second
	DefaultIdempotencyTTL      = 24 * time.Hour
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSamplingRate = 0.1
)

// Load reads configuration from an optional YAML file and the environment.
// Environment variables win over file values. A file that cannot be read is
// the only error that leaves cfg nil; every other problem is collected so the
// operator sees all of them at once.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	src := &source{k: k}
	cfg := &Config{}

	src.integer(&cfg.Port, "port", DefaultPort, ErrInvalidPort, "LIMESTORE_PORT", "PORT")
	src.text(&cfg.Env, "env", DefaultEnv, "LIMESTORE_ENV", "ENV", "GO_ENV")

	src.text(&cfg.DatabaseURL, "database_url", "")
	src.text(&cfg.RedisURL, "redis_url", "")
	src.text(&cfg.JWTSecret, "jwt_secret", "")
	src.text(&cfg.JWTSecretPrevious, "jwt_secret_previous", "")

	src.text(&cfg.PaymentProvider, "payment_provider", DefaultPaymentProvider)
	src.text(&cfg.SumUpClientID, "sumup_client_id", "")
	src.text(&cfg.SumUpClientSecret, "sumup_client_secret", "")
	src.text(&cfg.SumUpMerchantEmail, "sumup_merchant_email", "")
	src.text(&cfg.SumUpBaseURL, "sumup_base_url", "")
	src.text(&cfg.SumUpRedirectURL, "sumup_redirect_url", "")
	src.text(&cfg.StripeAPIKey, "stripe_api_key", "")
	src.text(&cfg.StripeWebhookSecret, "stripe_webhook_secret", "")
	src.text(&cfg.StripeConnectAccount, "stripe_connect_account", "")

	src.text(&cfg.PublicBaseURL, "public_base_url", "")
	src.text(&cfg.PaymentSuccessURL, "payment_success_url", "")
	src.text(&cfg.PaymentFailureURL, "payment_failure_url", "")

	src.text(&cfg.Currency, "currency", DefaultCurrency)
	src.text(&cfg.OrderReferencePrefix, "order_reference_prefix", "")
	src.text(&cfg.DirectConfirmPolicy, "direct_confirm_policy", DefaultDirectConfirmPolicy)
	src.duration(&cfg.IdempotencyTTL, "idempotency_ttl", DefaultIdempotencyTTL)

	src.text(&cfg.ResendAPIKey, "resend_api_key", "")
	src.text(&cfg.EmailFrom, "email_from", "")
	src.text(&cfg.StoreName, "store_name", "")
	src.duration(&cfg.EffectTimeout, "effect_timeout", DefaultEffectTimeout)

	src.text(&cfg.R2BucketName, "r2_bucket_name", "")
	src.text(&cfg.R2AccessKeyID, "r2_access_key_id", "")
	src.text(&cfg.R2SecretAccessKey, "r2_secret_access_key", "")
	src.text(&cfg.R2Endpoint, "r2_endpoint", "")

	src.list(&cfg.CORSAllowedOrigins, "cors_allowed_origins")

	src.boolean(&cfg.TracingEnabled, "tracing_enabled")
	src.text(&cfg.TracingExporter, "tracing_exporter", DefaultTracingExporter)
	src.text(&cfg.TracingEndpoint, "tracing_endpoint", "")
	src.float(&cfg.TracingSamplingRate, "tracing_sampling_rate", DefaultTracingSamplingRate)

	cfg.normalize()
	return cfg, append(src.errs, cfg.Validate()...)
}

// normalize folds case-insensitive settings and trims the public base URL so
// route suffixes can be appended to it.
func (c *Config) normalize() {
	c.PaymentProvider = strings.ToLower(c.PaymentProvider)
	c.DirectConfirmPolicy = strings.ToLower(c.DirectConfirmPolicy)
	c.Currency = strings.ToUpper(c.Currency)
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

// IsProduction reports whether the server runs with production guarantees.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// R2Enabled reports whether the receipt archive is configured.
func (c *Config) R2Enabled() bool {
	return c.R2BucketName != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" || c.R2Endpoint != ""
}

// CheckoutReturnURL is where the hosted checkout sends the purchaser back to.
// It falls back to the callback route under PublicBaseURL.
func (c *Config) CheckoutReturnURL() string {
	if c.SumUpRedirectURL != "" {
		return c.SumUpRedirectURL
	}
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/api/payments/sumup/callback"
}

// Validate checks that the configuration is usable.
// Payment provider credentials are deliberately not required here; a missing
// credential is reported per call as a configuration error instead.
func (c *Config) Validate() []error {
	var errs []error

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
		if c.JWTSecret == "" {
			errs = append(errs, ErrMissingJWTSecret)
		}
	}

	switch c.PaymentProvider {
	case "sumup", "stripe":
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrUnknownPaymentProvider, c.PaymentProvider))
	}
	switch c.DirectConfirmPolicy {
	case "open", "authenticated", "admin", "disabled":
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrUnknownConfirmPolicy, c.DirectConfirmPolicy))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidCurrency, c.Currency))
	}

	if c.SumUpClientID != "" && c.SumUpClientSecret == "" {
		errs = append(errs, ErrMissingSumUpClientSecret)
	}
	if c.SumUpClientSecret != "" && c.SumUpClientID == "" {
		errs = append(errs, ErrMissingSumUpClientID)
	}
	if c.StripeConnectAccount != "" && !strings.HasPrefix(c.StripeConnectAccount, "acct_") {
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidStripeAccount, c.StripeConnectAccount))
	}

	urls := map[string]string{
		"PUBLIC_BASE_URL":     c.PublicBaseURL,
		"PAYMENT_SUCCESS_URL": c.PaymentSuccessURL,
		"PAYMENT_FAILURE_URL": c.PaymentFailureURL,
		"SUMUP_REDIRECT_URL":  c.SumUpRedirectURL,
	}
	for _, key := range []string{"PUBLIC_BASE_URL", "PAYMENT_SUCCESS_URL", "PAYMENT_FAILURE_URL", "SUMUP_REDIRECT_URL"} {
		if urls[key] == "" {
			continue
		}
		if _, err := validate.RedirectURL(urls[key], c.IsProduction()); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalidURL, key, err))
		}
	}

	// R2 configuration is optional. Only validate fields if any R2 value is set.
	if c.R2Enabled() {
		if c.R2BucketName == "" {
			errs = append(errs, ErrMissingR2BucketName)
		}
		if c.R2AccessKeyID == "" {
			errs = append(errs, ErrMissingR2AccessKeyID)
		}
		if c.R2SecretAccessKey == "" {
			errs = append(errs, ErrMissingR2SecretAccessKey)
		}
		if c.R2Endpoint == "" {
			errs = append(errs, ErrMissingR2Endpoint)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   strconv.Itoa(c.Port),
		"env":                    c.Env,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"redis_url":              maskDatabaseURL(c.RedisURL),
		"jwt_secret":             maskSecret(c.JWTSecret),
		"jwt_secret_previous":    maskSecret(c.JWTSecretPrevious),
		"payment_provider":       c.PaymentProvider,
		"sumup_client_id":        maskSecret(c.SumUpClientID),
		"sumup_client_secret":    maskSecret(c.SumUpClientSecret),
		"sumup_merchant_email":   c.SumUpMerchantEmail,
		"sumup_redirect_url":     c.SumUpRedirectURL,
		"stripe_api_key":         maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":  maskSecret(c.StripeWebhookSecret),
		"stripe_connect_account": c.StripeConnectAccount,
		"public_base_url":        c.PublicBaseURL,
		"payment_success_url":    c.PaymentSuccessURL,
		"payment_failure_url":    c.PaymentFailureURL,
		"currency":               c.Currency,
		"direct_confirm_policy":  c.DirectConfirmPolicy,
		"idempotency_ttl":        c.IdempotencyTTL.String(),
		"resend_api_key":         maskSecret(c.ResendAPIKey),
		"effect_timeout":         c.EffectTimeout.String(),
		"r2_bucket_name":         c.R2BucketName,
		"r2_access_key_id":       maskSecret(c.R2AccessKeyID),
		"r2_secret_access_key":   maskSecret(c.R2SecretAccessKey),
		"r2_endpoint":            c.R2Endpoint,
		"cors_allowed_origins":   strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":        strconv.FormatBool(c.TracingEnabled),
	}
}

// maskSecret keeps the first four characters of secrets long enough that
// doing so reveals little.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "<not set>"
	case len(s) < 8:
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey keeps the sk_live_/sk_test_ prefix so the mode is visible.
func maskStripeKey(s string) string {
	if kind, mode, ok := strings.Cut(s, "_"); ok {
		if mode, _, ok = strings.Cut(mode, "_"); ok {
			return kind + "_" + mode + "_****"
		}
	}
	return maskSecret(s)
}

// maskDatabaseURL hides the password of a postgres:// or redis:// URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return maskSecret(s)
	}
	if _, has := u.User.Password(); !has {
		return s
	}
	return u.Scheme + "://" + u.User.Username() + ":****@" + strings.TrimPrefix(s, s[:strings.LastIndex(s, "@")+1])
}
