// Package bootstrap wires configuration into storage backends, payment
// providers and the reconciliation engine. Both the API server and the
// operator CLI start from here.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/limestore/internal/audit"
	"github.com/onnwee/limestore/internal/auth"
	"github.com/onnwee/limestore/internal/config"
	"github.com/onnwee/limestore/internal/effects"
	"github.com/onnwee/limestore/internal/health"
	"github.com/onnwee/limestore/internal/idempotency"
	"github.com/onnwee/limestore/internal/jobs"
	"github.com/onnwee/limestore/internal/middleware"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/payment"
	"github.com/onnwee/limestore/internal/reconcile"
)

// Maintenance intervals for the in-memory fallbacks.
const (
	connectTimeout          = 10 * time.Second
	idempotencyCleanupEvery = time.Hour
	webhookCleanupEvery     = time.Hour
	rateLimitCleanupEvery   = 5 * time.Minute
)

// Metrics bundles every collector the service exposes on one registry.
type Metrics struct {
	Registry  *prometheus.Registry
	HTTP      *middleware.Metrics
	Payment   *payment.Metrics
	Reconcile *reconcile.Metrics
	Effects   *effects.Metrics
	Jobs      *jobs.Metrics
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		Registry:  prometheus.NewRegistry(),
		HTTP:      middleware.NewMetrics(),
		Payment:   payment.NewMetrics(),
		Reconcile: reconcile.NewMetrics(),
		Effects:   effects.NewMetrics(),
		Jobs:      jobs.NewMetrics(),
	}
	if err := m.Registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := m.Registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}
	for name, register := range map[string]func(prometheus.Registerer) error{
		"http":      m.HTTP.Register,
		"payment":   m.Payment.Register,
		"reconcile": m.Reconcile.Register,
		"effects":   m.Effects.Register,
		"jobs":      m.Jobs.Register,
	} {
		if err := register(m.Registry); err != nil {
			return nil, fmt.Errorf("failed to register %s metrics: %w", name, err)
		}
	}
	return m, nil
}

// Stores holds the persistence backends. Postgres and Redis are optional;
// without them the in-memory implementations are used and Tasks carries
// the cleanup jobs they need.
type Stores struct {
	DB    *sql.DB
	Redis *redis.Client

	Ledger      order.Ledger
	Audit       audit.Repository
	Webhooks    payment.WebhookRepository
	Idempotency idempotency.Repository
	RateLimits  middleware.RateLimitStore
	Carts       effects.CartClearer

	Tasks []jobs.Task
}

// OpenStores connects to the configured backends and applies the schema.
// Without a database URL the ledger and audit log live in memory, which
// config.Validate only allows outside production.
func OpenStores(ctx context.Context, cfg *config.Config, m *Metrics) (*Stores, error) {
	s := &Stores{}
	fail := func(err error) (*Stores, error) {
		_ = s.Close()
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		if err := s.openPostgres(ctx, cfg.DatabaseURL); err != nil {
			return fail(err)
		}
	} else {
		slog.WarnContext(ctx, "DATABASE_URL not set, orders are kept in memory")
		s.Ledger = order.NewInMemoryLedger()
		s.Audit = audit.NewInMemoryRepository()
	}

	if cfg.RedisURL != "" {
		if err := s.openRedis(ctx, cfg, m); err != nil {
			return fail(err)
		}
	} else {
		s.useInMemoryCaches(cfg)
	}

	residue := effects.LedgerResidueClearer{Ledger: s.Ledger}
	if s.Redis != nil {
		s.Carts = effects.MultiClearer{residue, effects.NewRedisCartStore(s.Redis)}
	} else {
		s.Carts = residue
	}
	return s, nil
}

func (s *Stores) openPostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.DB = db

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	ledger := order.NewPostgresLedger(db)
	auditRepo := audit.NewPostgresRepository(db)
	if err := Migrate(ctx, ledger, auditRepo); err != nil {
		return err
	}
	s.Ledger = ledger
	s.Audit = auditRepo
	slog.InfoContext(ctx, "connected to postgres")
	return nil
}

func (s *Stores) openRedis(ctx context.Context, cfg *config.Config, m *Metrics) error {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	s.Redis = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.Webhooks = payment.NewRedisWebhookRepository(s.Redis, payment.DefaultWebhookRetention)
	s.Idempotency = idempotency.NewRedisRepository(s.Redis, cfg.IdempotencyTTL)
	store := middleware.NewRedisRateLimitStore(s.Redis)
	if m != nil {
		store = store.WithMetrics(m.HTTP)
	}
	s.RateLimits = store
	slog.InfoContext(ctx, "connected to redis")
	return nil
}

func (s *Stores) useInMemoryCaches(cfg *config.Config) {
	webhooks := payment.NewInMemoryWebhookRepository()
	idem := idempotency.NewInMemoryRepository()
	limits := middleware.NewInMemoryRateLimitStore()
	s.Webhooks = webhooks
	s.Idempotency = idem
	s.RateLimits = limits

	expiry := cfg.IdempotencyTTL
	if expiry <= 0 {
		expiry = idempotency.DefaultExpiry
	}
	s.Tasks = append(s.Tasks,
		jobs.Task{
			Name:     jobs.JobTypeIdempotencyCleanup,
			Interval: idempotencyCleanupEvery,
			Run: func(ctx context.Context) (int64, error) {
				return idem.Prune(ctx, expiry)
			},
		},
		jobs.Task{
			Name:     jobs.JobTypeWebhookCleanup,
			Interval: webhookCleanupEvery,
			Run: func(context.Context) (int64, error) {
				return int64(webhooks.Cleanup()), nil
			},
		},
		jobs.Task{
			Name:     jobs.JobTypeRateLimitCleanup,
			Interval: rateLimitCleanupEvery,
			Run: func(context.Context) (int64, error) {
				return int64(limits.Cleanup()), nil
			},
		},
	)
}

// DBChecker returns the Postgres readiness check, or nil when in memory.
func (s *Stores) DBChecker() *health.DBChecker {
	if s.DB == nil {
		return nil
	}
	return health.NewDBChecker(s.DB, "orders", "audit_logs")
}

// RedisChecker returns the Redis readiness check, or nil when in memory.
func (s *Stores) RedisChecker() *health.RedisChecker {
	if s.Redis == nil {
		return nil
	}
	return health.NewRedisChecker(s.Redis)
}

// Close releases the database and Redis connections.
// Safe on a nil or partially opened Stores.
func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}

// Migrator applies a package's schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate applies each schema in order.
func Migrate(ctx context.Context, migrators ...Migrator) error {
	for _, m := range migrators {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Services is the reconciliation engine and the parts the HTTP layer needs
// directly.
type Services struct {
	Engine *reconcile.Engine
	Stripe *payment.StripeProvider
	// Receipts is nil unless the R2 archive is configured.
	Receipts *effects.ReceiptArchive
	Tokens   *auth.JWTService
}

// NewServices builds the payment providers, effects coordinator and engine.
// Missing provider credentials are not an error here; they surface as
// payment.ErrConfiguration when a checkout is attempted.
func NewServices(cfg *config.Config, s *Stores, m *Metrics) (*Services, error) {
	var (
		payMetrics   *payment.Metrics
		reconMetrics *reconcile.Metrics
		effMetrics   *effects.Metrics
	)
	if m != nil {
		payMetrics, reconMetrics, effMetrics = m.Payment, m.Reconcile, m.Effects
	}

	sumup := payment.NewSumUpClient(payment.SumUpConfig{
		BaseURL:       cfg.SumUpBaseURL,
		ClientID:      cfg.SumUpClientID,
		ClientSecret:  cfg.SumUpClientSecret,
		MerchantEmail: cfg.SumUpMerchantEmail,
		Metrics:       payMetrics,
	})
	stripeProvider := payment.NewStripeProvider(payment.StripeConfig{
		SecretKey:      cfg.StripeAPIKey,
		WebhookSecret:  cfg.StripeWebhookSecret,
		ConnectAccount: cfg.StripeConnectAccount,
		Metrics:        payMetrics,
	})

	effCfg := effects.Config{
		Mailer:    mailerFor(cfg),
		Clearer:   s.Carts,
		StoreName: cfg.StoreName,
		From:      cfg.EmailFrom,
		Timeout:   cfg.EffectTimeout,
		Metrics:   effMetrics,
	}
	var receipts *effects.ReceiptArchive
	if cfg.R2Enabled() {
		archive, err := effects.NewReceiptArchive(effects.ArchiveConfig{
			BucketName:      cfg.R2BucketName,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure receipt archive: %w", err)
		}
		receipts = archive
		effCfg.Archive = archive
	}

	engine, err := reconcile.New(reconcile.Config{
		Ledger:          s.Ledger,
		Providers:       []payment.Provider{sumup, stripeProvider},
		DefaultProvider: cfg.PaymentProvider,
		Effects:         effects.NewCoordinator(effCfg),
		Webhooks:        s.Webhooks,
		Audit:           s.Audit,
		Metrics:         reconMetrics,
		ConfirmPolicy:   reconcile.ConfirmPolicy(cfg.DirectConfirmPolicy),
		Currency:        cfg.Currency,
		ReferencePrefix: cfg.OrderReferencePrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile engine: %w", err)
	}

	svc := &Services{Engine: engine, Stripe: stripeProvider, Receipts: receipts}
	if cfg.JWTSecret != "" {
		svc.Tokens = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious, auth.DefaultLeeway)
	}
	return svc, nil
}

func mailerFor(cfg *config.Config) effects.Mailer {
	if cfg.ResendAPIKey == "" {
		slog.Warn("RESEND_API_KEY not set, receipt emails are only logged")
		return effects.LogMailer{}
	}
	return effects.NewResendMailer(cfg.ResendAPIKey, "", cfg.EffectTimeout)
}
