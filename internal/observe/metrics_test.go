package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

// sumValue returns the value of the first data point carrying the given
// string attribute, or fails the test.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, attrKey, attrVal string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == attrKey && kv.Value.AsString() == attrVal {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, attrKey, attrVal)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordAudioChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioChunk(ctx, "inbound", 640)
	m.RecordAudioChunk(ctx, "inbound", 640)
	m.RecordAudioChunk(ctx, "outbound", 320)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicebridge.audio.chunks", "direction", "inbound"); got != 2 {
		t.Errorf("inbound chunks = %d, want 2", got)
	}
	if got := sumValue(t, rm, "voicebridge.audio.bytes", "direction", "inbound"); got != 1280 {
		t.Errorf("inbound bytes = %d, want 1280", got)
	}
	if got := sumValue(t, rm, "voicebridge.audio.bytes", "direction", "outbound"); got != 320 {
		t.Errorf("outbound bytes = %d, want 320", got)
	}
}

func TestRecordCommit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommit(ctx, true)
	m.RecordCommit(ctx, true)
	m.RecordCommit(ctx, false)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicebridge.audio.commits", "result", "issued"); got != 2 {
		t.Errorf("issued commits = %d, want 2", got)
	}
	if got := sumValue(t, rm, "voicebridge.audio.commits", "result", "suppressed"); got != 1 {
		t.Errorf("suppressed commits = %d, want 1", got)
	}
}

func TestRecordFunctionCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFunctionCall(ctx, "wrap_up", "completed")
	m.RecordFunctionCall(ctx, "wrap_up", "failed")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicebridge.function.calls", "status", "completed"); got != 1 {
		t.Errorf("completed calls = %d, want 1", got)
	}
}

func TestRecordHangUpAndAIEvent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHangUp(ctx, "call_complete")
	m.RecordAIEvent(ctx, "response.done")
	m.RecordAIEvent(ctx, "response.done")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicebridge.hangups", "cause", "call_complete"); got != 1 {
		t.Errorf("hangups = %d, want 1", got)
	}
	if got := sumValue(t, rm, "voicebridge.ai.events", "type", "response.done"); got != 2 {
		t.Errorf("ai events = %d, want 2", got)
	}
}

func TestCallLifecycleGaugeAndDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallStarted(ctx, "audiocodes")
	m.CallStarted(ctx, "audiocodes")
	m.CallEnded(ctx, "audiocodes", 42*time.Second)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voicebridge.active_calls", "platform", "audiocodes"); got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}

	met := findMetric(rm, "voicebridge.call.duration")
	if met == nil {
		t.Fatal("call duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("call duration is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no duration data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("duration sample count = %d, want 1", got)
	}
	if got := hist.DataPoints[0].Sum; got != 42 {
		t.Errorf("duration sum = %v, want 42", got)
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("platform", "twilio")
	if kv != attribute.String("platform", "twilio") {
		t.Errorf("Attr = %v", kv)
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
