package txflow

import (
	"context"

	"github.com/LerianStudio/lib-txflow/txflow/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("txflow_context")

// CustomContextKeyValue holds the request-scoped facilities attached to a
// context: correlation id, tracer and logger.
type CustomContextKeyValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger
}

// NewLoggerFromContext extracts the Logger stored in ctx, or a nop logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok &&
		values.Logger != nil {
		return values.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a child context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := cloneContextValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a child context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := cloneContextValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithHeaderID returns a child context carrying a correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := cloneContextValues(ctx)
	values.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, values)
}

// HeaderIDFromContext extracts the correlation id stored in ctx, if any.
func HeaderIDFromContext(ctx context.Context) string {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok {
		return values.HeaderID
	}

	return ""
}

// cloneContextValues copies the container so sibling contexts never share
// mutable state through the same pointer.
func cloneContextValues(ctx context.Context) *CustomContextKeyValue {
	existing, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if existing == nil {
		return &CustomContextKeyValue{}
	}

	clone := *existing

	return &clone
}

// TrackingComponents is the set of telemetry components extracted from a
// context in one call.
type TrackingComponents struct {
	Logger   log.Logger
	Tracer   trace.Tracer
	HeaderID string
}

// NewTrackingFromContext extracts logger, tracer and correlation id from ctx,
// substituting nop implementations for anything missing. Engines call this at
// the top of every cycle so telemetry keeps working even when the caller
// forgot to wire it.
func NewTrackingFromContext(ctx context.Context) TrackingComponents {
	tracking := TrackingComponents{
		Logger: &log.NopLogger{},
		Tracer: noop.NewTracerProvider().Tracer("txflow.noop"),
	}

	values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if !ok || values == nil {
		return tracking
	}

	if values.Logger != nil {
		tracking.Logger = values.Logger
	}

	if values.Tracer != nil {
		tracking.Tracer = values.Tracer
	}

	tracking.HeaderID = values.HeaderID

	return tracking
}

// HandleSpanError records err on the span and flips its status to error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}
