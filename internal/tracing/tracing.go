// Package tracing sets up OpenTelemetry for limestore and offers small span
// helpers for the reconciliation engine and the Postgres stores.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names accepted in Config.ExporterType. Empty means HTTP.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// ErrInvalidConfig is returned by NewProvider for unusable settings.
var ErrInvalidConfig = errors.New("invalid tracing config")

// Config controls span export. When Enabled is false NewProvider returns a
// no-op provider and spans go to the global no-op tracer.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	Environment    string

	ExporterType string
	OTLPEndpoint string

	// SamplingRate is the fraction of new root traces to keep. A span whose
	// remote parent was sampled, such as a webhook carrying traceparent, is
	// kept regardless.
	SamplingRate float64

	// InsecureMode disables TLS to the collector.
	InsecureMode bool
}

type exporterFactory func(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	ExporterOTLPHTTP: func(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
		var opts []otlptracehttp.Option
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
	ExporterOTLPGRPC: func(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
		var opts []otlptracegrpc.Option
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
}

func (c Config) exporter() string {
	if c.ExporterType == "" {
		return ExporterOTLPHTTP
	}
	return c.ExporterType
}

func (c Config) check() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	case c.SamplingRate < 0 || c.SamplingRate > 1:
		return fmt.Errorf("%w: sampling rate %v outside [0, 1]", ErrInvalidConfig, c.SamplingRate)
	}
	if _, ok := exporters[c.exporter()]; !ok {
		return fmt.Errorf("%w: unsupported exporter %q", ErrInvalidConfig, c.ExporterType)
	}
	return nil
}

// sampler keeps the decision of a remote parent and samples new roots at
// SamplingRate.
func (c Config) sampler() sdktrace.Sampler {
	root := sdktrace.TraceIDRatioBased(c.SamplingRate)
	switch c.SamplingRate {
	case 0:
		root = sdktrace.NeverSample()
	case 1:
		root = sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(root)
}

func (c Config) resource(ctx context.Context) (*resource.Resource, error) {
	version := c.ServiceVersion
	if version == "" {
		version = "dev"
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironment(c.Environment),
	))
}

// Provider owns the SDK tracer provider for the process lifetime. The zero
// value is a disabled provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds the exporter and installs the provider and W3C
// propagators globally.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.InfoContext(ctx, "tracing disabled")
		return &Provider{}, nil
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}

	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exp, err := exporters[cfg.exporter()](dialCtx, cfg.OTLPEndpoint, cfg.InsecureMode)
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", cfg.exporter(), err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	slog.InfoContext(ctx, "tracing enabled",
		"exporter", cfg.exporter(),
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
	)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown: %w", err)
	}
	return nil
}

// Tracer returns a named tracer from this provider, or the global one when
// tracing is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.tp != nil }
