// Package observe wires OpenTelemetry metrics with a Prometheus exporter.
// Counters cover the persistence and inference hot paths; everything is
// optional: a nil *Metrics receiver is safe, so packages can record without
// caring whether metrics were initialised.
package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/quillaudio/quill"

// Metrics bundles the instruments recorded across the recording pipeline.
type Metrics struct {
	burstsPersisted  metric.Int64Counter
	persistErrors    metric.Int64Counter
	inferenceErrors  metric.Int64Counter
	recoveredOrphans metric.Int64Counter
	activeSessions   metric.Int64UpDownCounter
	burstBytes       metric.Int64Histogram
	transcribeTime   metric.Float64Histogram
}

// NewMetrics creates the instrument set on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.burstsPersisted, err = meter.Int64Counter("quill.bursts.persisted",
		metric.WithDescription("Encoded bursts committed to the store"),
	); err != nil {
		return nil, fmt.Errorf("observe: bursts.persisted: %w", err)
	}
	if m.persistErrors, err = meter.Int64Counter("quill.persist.errors",
		metric.WithDescription("Failed burst or session writes"),
	); err != nil {
		return nil, fmt.Errorf("observe: persist.errors: %w", err)
	}
	if m.inferenceErrors, err = meter.Int64Counter("quill.inference.errors",
		metric.WithDescription("Burst decode or transcription failures"),
	); err != nil {
		return nil, fmt.Errorf("observe: inference.errors: %w", err)
	}
	if m.recoveredOrphans, err = meter.Int64Counter("quill.recovery.sessions",
		metric.WithDescription("Orphaned sessions processed at startup"),
	); err != nil {
		return nil, fmt.Errorf("observe: recovery.sessions: %w", err)
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("quill.sessions.active",
		metric.WithDescription("Recording sessions currently active"),
	); err != nil {
		return nil, fmt.Errorf("observe: sessions.active: %w", err)
	}
	if m.burstBytes, err = meter.Int64Histogram("quill.burst.bytes",
		metric.WithDescription("Encoded burst container size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("observe: burst.bytes: %w", err)
	}
	if m.transcribeTime, err = meter.Float64Histogram("quill.transcription.duration",
		metric.WithDescription("End-to-end transcription task duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: transcription.duration: %w", err)
	}

	return m, nil
}

// BurstPersisted records one committed burst of the given container size.
func (m *Metrics) BurstPersisted(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	m.burstsPersisted.Add(ctx, 1)
	m.burstBytes.Record(ctx, int64(bytes))
}

// PersistError records a failed store write.
func (m *Metrics) PersistError(ctx context.Context) {
	if m == nil {
		return
	}
	m.persistErrors.Add(ctx, 1)
}

// InferenceError records a burst that could not be decoded or transcribed.
func (m *Metrics) InferenceError(ctx context.Context) {
	if m == nil {
		return
	}
	m.inferenceErrors.Add(ctx, 1)
}

// SessionRecovered records one orphaned session handled at startup.
func (m *Metrics) SessionRecovered(ctx context.Context) {
	if m == nil {
		return
	}
	m.recoveredOrphans.Add(ctx, 1)
}

// SessionStarted marks a recording session active.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// SessionEnded marks a recording session no longer active.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// TranscriptionDone records the duration of one finished transcription task.
func (m *Metrics) TranscriptionDone(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.transcribeTime.Record(ctx, seconds)
}
