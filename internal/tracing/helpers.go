package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName   = "github.com/onnwee/limestore"
	dbInstrumentationName = instrumentationName + "/db"
)

// Attribute keys shared by the engine, the providers and the HTTP layer.
const (
	AttrOrderReference = attribute.Key("order.reference")
	AttrCheckoutID     = attribute.Key("payment.checkout_id")
	AttrProvider       = attribute.Key("payment.provider")
	AttrChannel        = attribute.Key("reconcile.channel")
	AttrOutcome        = attribute.Key("reconcile.outcome")
)

// DBOperation is the SQL verb recorded on a database span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// StartSpan opens an internal span and returns a closer that records err.
//
//	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.webhook")
//	defer func() { endSpan(err) }()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

// StartDBSpan opens a client span for a Postgres statement against table.
func StartDBSpan(ctx context.Context, table string, op DBOperation) (context.Context, func(error)) {
	name := string(op)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(op)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	ctx, span := otel.Tracer(dbInstrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// OrderAttributes describes the order and checkout a span is working on.
// Empty values are omitted.
func OrderAttributes(reference, checkoutID, provider string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if reference != "" {
		attrs = append(attrs, AttrOrderReference.String(reference))
	}
	if checkoutID != "" {
		attrs = append(attrs, AttrCheckoutID.String(checkoutID))
	}
	if provider != "" {
		attrs = append(attrs, AttrProvider.String(provider))
	}
	return attrs
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
