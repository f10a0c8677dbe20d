package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the bridge tracer.
const tracerName = "github.com/atendai/voicebridge"

// Tracer returns the bridge's [trace.Tracer] from the globally registered
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan opens the root span covering one call session, from socket
// accept to teardown. Close it with [EndCallSpan] once the outcome is known.
func StartCallSpan(ctx context.Context, callID, tenantID, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call.session",
		trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.String("call.tenant", tenantID),
			attribute.String("call.provider", provider),
		),
	)
}

// EndCallSpan tags the call span with its outcome and ends it.
func EndCallSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("call.outcome", outcome))
	span.End()
}

// StartTransferSpan opens a child span for one announced-transfer attempt
// chain. Tag its conclusion with [SpanResult] before ending it.
func StartTransferSpan(ctx context.Context, department string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call.transfer",
		trace.WithAttributes(attribute.String("transfer.department", department)),
	)
}

// SpanResult tags the active span in ctx with a result attribute
// ("bridged", a failure reason, an outcome).
func SpanResult(ctx context.Context, result string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("result", result))
}

// CorrelationID extracts the trace ID of the active span in ctx, or "" when
// there is none. It doubles as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default slog logger enriched with trace_id and span_id
// from ctx, or unchanged when no span is active.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
