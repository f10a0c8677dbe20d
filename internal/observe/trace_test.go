package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withRecordingTracer swaps in a synchronous in-memory tracer provider for
// the duration of the test.
func withRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func spanAttr(span tracetest.SpanStub, key string) string {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestStartCallSpan(t *testing.T) {
	exp := withRecordingTracer(t)

	ctx, span := StartCallSpan(context.Background(), "call-1", "acme", "openai")
	if CorrelationID(ctx) == "" {
		t.Error("call span has no trace ID")
	}
	EndCallSpan(span, "transferred")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "call.session" {
		t.Errorf("span name = %q, want call.session", got.Name)
	}
	if spanAttr(got, "call.id") != "call-1" || spanAttr(got, "call.tenant") != "acme" {
		t.Errorf("call attributes = %v", got.Attributes)
	}
	if spanAttr(got, "call.outcome") != "transferred" {
		t.Errorf("outcome attribute = %q, want transferred", spanAttr(got, "call.outcome"))
	}
}

func TestTransferSpanNestsUnderCall(t *testing.T) {
	exp := withRecordingTracer(t)

	callCtx, callSpan := StartCallSpan(context.Background(), "call-1", "acme", "openai")
	xferCtx, xferSpan := StartTransferSpan(callCtx, "financeiro")
	SpanResult(xferCtx, "bridged")
	xferSpan.End()
	EndCallSpan(callSpan, "transferred")

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	// The exporter sees spans in end order: transfer first.
	xfer, call := spans[0], spans[1]
	if xfer.Name != "call.transfer" {
		t.Fatalf("first ended span = %q, want call.transfer", xfer.Name)
	}
	if xfer.Parent.SpanID() != call.SpanContext.SpanID() {
		t.Error("transfer span is not a child of the call span")
	}
	if spanAttr(xfer, "transfer.department") != "financeiro" {
		t.Errorf("department attribute = %q", spanAttr(xfer, "transfer.department"))
	}
	if spanAttr(xfer, "result") != "bridged" {
		t.Errorf("result attribute = %q, want bridged", spanAttr(xfer, "result"))
	}
}

func TestSpanResult_NoActiveSpan(t *testing.T) {
	// Must not panic without a span in ctx.
	SpanResult(context.Background(), "bridged")
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	withRecordingTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32 hex chars", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}
}

func TestLogger_TraceEnrichment(t *testing.T) {
	withRecordingTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	Logger(ctx).Info("with span")
	Logger(context.Background()).Info("without span")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "trace_id=") || !strings.Contains(lines[0], "span_id=") {
		t.Errorf("span-scoped line missing trace fields: %s", lines[0])
	}
	if strings.Contains(lines[1], "trace_id=") {
		t.Errorf("plain line carries trace fields: %s", lines[1])
	}
}
