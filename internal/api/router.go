package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/limestore/internal/idempotency"
	"github.com/onnwee/limestore/internal/middleware"
)

// ServiceName identifies the API in traces and on the root endpoint.
const ServiceName = "limestore-api"

// RouterConfig wires the HTTP surface. Handlers are required; everything
// else is optional and disables its middleware when nil.
type RouterConfig struct {
	Payments *PaymentHandlers
	Orders   *OrderHandlers
	Health   *HealthHandlers

	Logger      *slog.Logger
	Tokens      middleware.TokenValidator
	Idempotency idempotency.Repository
	RateLimits  middleware.RateLimitStore
	Metrics     *middleware.Metrics
	Gatherer    prometheus.Gatherer
	CORS        middleware.CORSConfig
	Tracing     bool
}

// NewRouter builds the chi router with the middleware chain:
// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> global rate limit -> Authenticate.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Tracing {
		r.Use(middleware.Tracing(ServiceName))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.Logging(logger))
	if cfg.Metrics != nil {
		r.Use(middleware.HTTPMetrics(cfg.Metrics))
	}
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.RateLimits != nil {
		r.Use(middleware.RateLimiter(cfg.RateLimits, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), cfg.Metrics))
	}
	r.Use(middleware.Authenticate(cfg.Tokens))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r.Context(), http.StatusOK, map[string]string{"service": ServiceName})
	})
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limited := func(limit middleware.RateLimitConfig, key middleware.KeyFunc) func(http.Handler) http.Handler {
		if cfg.RateLimits == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return middleware.RateLimiter(cfg.RateLimits, limit, key, cfg.Metrics)
	}
	idempotent := func(next http.Handler) http.Handler { return next }
	if cfg.Idempotency != nil {
		idempotent = middleware.IdempotencyMiddleware(cfg.Idempotency, false, cfg.Metrics)
	}

	p := cfg.Payments
	r.Route("/api/payments", func(r chi.Router) {
		checkout := r.With(limited(middleware.DefaultCheckoutLimit(), middleware.IPKeyFunc()))
		checkout.Post("/checkout", p.CreateCheckout)
		checkout.Post("/sumup/create_checkout", p.CreateCheckout)

		for _, path := range []string{"/callback", "/sumup/callback"} {
			r.Get(path, p.Callback)
			r.Post(path, p.Callback)
		}
		r.Post("/webhook", p.SumUpWebhook)
		r.Post("/sumup/webhook", p.SumUpWebhook)
		r.Post("/stripe/webhook", p.StripeWebhook)
	})

	o := cfg.Orders
	r.Route("/api/orders", func(r chi.Router) {
		r.With(limited(middleware.DefaultConfirmLimit(), middleware.UserKeyFunc()), idempotent).
			Post("/create", o.Create)

		mine := r.With(middleware.RequireAuth)
		for _, path := range []string{"/", "/user", "/me"} {
			mine.Get(path, o.List)
		}
		r.With(middleware.RequireAdmin).Get("/all", o.ListAll)

		r.Get("/{reference}", o.Get)
		r.Get("/{reference}/receipt", o.Receipt)
	})
	r.With(middleware.RequireAdmin).Get("/api/admin/orders", o.ListAll)

	return r
}
