package observe

import (
	"context"
	"testing"

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

func TestBurstPersistedRecordsCountAndSize(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BurstPersisted(ctx, 2048)
	m.BurstPersisted(ctx, 4096)

	rm := collect(t, reader)

	met := findMetric(rm, "quill.bursts.persisted")
	if met == nil {
		t.Fatal("metric quill.bursts.persisted not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("counter = %+v, want value 2", sum.DataPoints)
	}

	met = findMetric(rm, "quill.burst.bytes")
	if met == nil {
		t.Fatal("metric quill.burst.bytes not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Errorf("histogram count = %+v, want 2 samples", hist.DataPoints)
	}
}

func TestErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PersistError(ctx)
	m.InferenceError(ctx)
	m.InferenceError(ctx)
	m.SessionRecovered(ctx)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"quill.persist.errors", 1},
		{"quill.inference.errors", 2},
		{"quill.recovery.sessions", 1},
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
			if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != tc.want {
				t.Errorf("counter = %+v, want %d", sum.DataPoints, tc.want)
			}
		})
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)
	met := findMetric(rm, "quill.sessions.active")
	if met == nil {
		t.Fatal("metric quill.sessions.active not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("gauge = %+v, want 1", sum.DataPoints)
	}
}

func TestTranscriptionDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TranscriptionDone(ctx, 1.5)

	rm := collect(t, reader)
	met := findMetric(rm, "quill.transcription.duration")
	if met == nil {
		t.Fatal("metric quill.transcription.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Errorf("histogram = %+v, want 1 sample", hist.DataPoints)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// All recorders must be no-ops on a nil receiver.
	m.BurstPersisted(ctx, 1)
	m.PersistError(ctx)
	m.InferenceError(ctx)
	m.SessionRecovered(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)
	m.TranscriptionDone(ctx, 0.1)
}
