package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voicebridge.call.duration", m.CallDuration},
		{"voicebridge.transfer.ring", m.TransferRing},
		{"voicebridge.provider.first_audio", m.ProviderFirstAudio},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCallLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallStarted(ctx, "acme", "openai")
	m.RecordCallStarted(ctx, "acme", "openai")
	m.RecordCallEnded(ctx, "acme", "completed", 42.5)

	rm := collect(t, reader)

	started := findMetric(rm, "voicebridge.calls.started")
	if started == nil {
		t.Fatal("calls.started not found")
	}
	sum, ok := started.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("calls.started is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("calls.started = %+v, want value 2", sum.DataPoints)
	}

	active := findMetric(rm, "voicebridge.active_calls")
	if active == nil {
		t.Fatal("active_calls not found")
	}
	gauge, ok := active.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active_calls is not a sum")
	}
	if len(gauge.DataPoints) == 0 || gauge.DataPoints[0].Value != 1 {
		t.Errorf("active_calls = %+v, want value 1", gauge.DataPoints)
	}
}

func TestTransferCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransfer(ctx, "acme", "bridged")
	m.RecordTransfer(ctx, "acme", "bridged")
	m.RecordTransfer(ctx, "acme", "failed")

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.transfers")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "result" && kv.Value.AsString() == "bridged" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with result=bridged not found")
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "openai", "connect")

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.provider.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("counter value = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestEventCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BargeIns.Add(ctx, 1)
	m.BargeIns.Add(ctx, 1)
	m.Tickets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "extension_offline")))
	m.FramesDropped.Add(ctx, 7)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"voicebridge.barge_ins", 2},
		{"voicebridge.tickets", 1},
		{"voicebridge.frames.dropped", 7},
	}

	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestRecordHelpers_NilReceiver(t *testing.T) {
	// Components treat *Metrics as optional; a nil receiver must be a no-op.
	var m *Metrics
	ctx := context.Background()
	m.RecordCallStarted(ctx, "acme", "openai")
	m.RecordCallEnded(ctx, "acme", "completed", 12)
	m.RecordTransfer(ctx, "acme", "bridged")
	m.RecordTransferRing(ctx, 1.5)
	m.RecordProviderError(ctx, "openai", "connect")
	m.RecordProviderFirstAudio(ctx, "openai", 0.4)
	m.RecordBargeIn(ctx, "acme")
	m.RecordFunctionCall(ctx, "transfer_call", "ok")
	m.RecordTicket(ctx, "caller_request")
	m.RecordFramesDropped(ctx, 3)
}

func TestEventRecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBargeIn(ctx, "acme")
	m.RecordBargeIn(ctx, "acme")
	m.RecordFunctionCall(ctx, "create_ticket", "ok")
	m.RecordTicket(ctx, "extension_offline")
	m.RecordProviderFirstAudio(ctx, "openai", 0.25)
	m.RecordFramesDropped(ctx, 7)

	rm := collect(t, reader)

	barge := findMetric(rm, "voicebridge.barge_ins")
	if barge == nil {
		t.Fatal("barge_ins not found")
	}
	if sum := barge.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 2 {
		t.Errorf("barge_ins = %d, want 2", sum.DataPoints[0].Value)
	}
	dropped := findMetric(rm, "voicebridge.frames.dropped")
	if dropped == nil {
		t.Fatal("frames.dropped not found")
	}
	if sum := dropped.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 7 {
		t.Errorf("frames.dropped = %d, want 7", sum.DataPoints[0].Value)
	}
	if fa := findMetric(rm, "voicebridge.provider.first_audio"); fa == nil {
		t.Error("provider.first_audio not found")
	}
	if tk := findMetric(rm, "voicebridge.tickets"); tk == nil {
		t.Error("tickets not found")
	}
}
