// Package main is the entry point for the limestore API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/onnwee/limestore/internal/api"
	"github.com/onnwee/limestore/internal/bootstrap"
	"github.com/onnwee/limestore/internal/config"
	"github.com/onnwee/limestore/internal/jobs"
	"github.com/onnwee/limestore/internal/middleware"
	"github.com/onnwee/limestore/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML config file (environment variables take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("limestore API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := make([]any, 0, 32)
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run wires the service and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:  api.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	handler, stores, metrics, err := newHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("failed to close stores", "error", err)
		}
	}()

	for _, task := range stores.Tasks {
		go jobs.Every(ctx, task, metrics.Jobs)
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, server, logger)
}

// newHandler builds the stores, engine and router for cfg.
func newHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, *bootstrap.Stores, *bootstrap.Metrics, error) {
	metrics, err := bootstrap.NewMetrics()
	if err != nil {
		return nil, nil, nil, err
	}
	stores, err := bootstrap.OpenStores(ctx, cfg, metrics)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := bootstrap.NewServices(cfg, stores, metrics)
	if err != nil {
		stores.Close()
		return nil, nil, nil, err
	}

	health := api.HealthHandlersConfig{}
	if c := stores.DBChecker(); c != nil {
		health.DBChecker = c
	}
	if c := stores.RedisChecker(); c != nil {
		health.RedisChecker = c
	}
	var receipts api.ReceiptLinker
	if svc.Receipts != nil {
		receipts = svc.Receipts
	}
	var tokens middleware.TokenValidator
	if svc.Tokens != nil {
		tokens = svc.Tokens
	} else {
		logger.Warn("JWT_SECRET not set, bearer tokens are ignored")
	}

	handler := api.NewRouter(api.RouterConfig{
		Payments: api.NewPaymentHandlers(api.PaymentHandlersConfig{
			Engine:     svc.Engine,
			Stripe:     svc.Stripe,
			ReturnURL:  cfg.CheckoutReturnURL(),
			SuccessURL: cfg.PaymentSuccessURL,
			FailureURL: cfg.PaymentFailureURL,
			Currency:   cfg.Currency,
		}),
		Orders:      api.NewOrderHandlers(svc.Engine, stores.Ledger, receipts, stores.Audit, cfg.Currency),
		Health:      api.NewHealthHandlers(health),
		Logger:      logger,
		Tokens:      tokens,
		Idempotency: stores.Idempotency,
		RateLimits:  stores.RateLimits,
		Metrics:     metrics.HTTP,
		Gatherer:    metrics.Registry,
		CORS:        middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		Tracing:     cfg.TracingEnabled,
	})
	return handler, stores, metrics, nil
}

// serve runs server until ctx is canceled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
