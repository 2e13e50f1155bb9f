// Package transcribe turns a session's persisted bursts into a transcript.
//
// The adapter reads bursts from the store in index order, decodes each
// container back to PCM, converts it to the mono 16 kHz float32 format the
// inference engine expects, and stitches the per-burst texts together.
// Progress across the whole session maps each burst's [0, 1] progress into
// the slice [i/N, (i+1)/N].
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/pkg/audio"
	"github.com/quillaudio/quill/pkg/audio/opusfile"
	"github.com/quillaudio/quill/pkg/engine"
	"github.com/quillaudio/quill/pkg/types"
)

// Store is the slice of the persistence layer the adapter needs.
type Store interface {
	GetBursts(ctx context.Context, sessionID string) ([]types.Burst, error)
	UpdateTranscript(ctx context.Context, sessionID, transcript string, durationMS int64) error
	MarkFailed(ctx context.Context, sessionID string) error
}

// Adapter runs transcription tasks against an inference engine.
type Adapter struct {
	store   Store
	engine  engine.Engine
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics attaches the metric instrument set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// New creates an adapter. eng may be nil when no model is available; every
// task then marks its session failed instead of transcribing.
func New(store Store, eng engine.Engine, opts ...Option) (*Adapter, error) {
	if store == nil {
		return nil, fmt.Errorf("transcribe: store must not be nil")
	}
	a := &Adapter{
		store:  store,
		engine: eng,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Run transcribes every burst of sessionID and persists the outcome: the
// joined transcript with status complete, or status failed when the session
// has no bursts, no engine is available, or inference fails.
//
// onProgress (optional) receives monotonically increasing values in [0, 1];
// the final 1.0 is emitted exactly once, after the outcome is persisted.
// Returns the transcript and whether a non-empty transcript was persisted.
func (a *Adapter) Run(ctx context.Context, sessionID string, onProgress types.ProgressFunc) (string, bool) {
	start := time.Now()
	defer func() {
		a.metrics.TranscriptionDone(ctx, time.Since(start).Seconds())
		if onProgress != nil {
			onProgress(1.0)
		}
	}()

	bursts, err := a.store.GetBursts(ctx, sessionID)
	if err != nil {
		a.log.Error("transcribe: load bursts", "session_id", sessionID, "err", err)
		a.fail(ctx, sessionID)
		return "", false
	}
	if len(bursts) == 0 {
		a.log.Warn("transcribe: session has no audio", "session_id", sessionID)
		a.fail(ctx, sessionID)
		return "", false
	}
	if a.engine == nil {
		a.log.Warn("transcribe: no inference engine available", "session_id", sessionID)
		a.fail(ctx, sessionID)
		return "", false
	}

	total := len(bursts)
	var parts []string
	var durationMS int64

	for i, b := range bursts {
		durationMS += b.DurationMS

		samples, err := a.decodeBurst(b)
		if err != nil {
			// A corrupt burst (say, from a crash mid-write that the
			// container decoder could not salvage) loses its own audio
			// only; the rest of the session still transcribes.
			a.log.Warn("transcribe: skipping undecodable burst",
				"session_id", sessionID, "burst_index", b.Index, "err", err)
			a.metrics.InferenceError(ctx)
			continue
		}
		if len(samples) == 0 {
			continue
		}

		text, err := a.engine.Transcribe(ctx, samples, engine.SampleRate, func(p float64) {
			if onProgress == nil {
				return
			}
			overall := (float64(i) + p) / float64(total)
			// The terminal 1.0 is reserved for the deferred final emit.
			if overall < 1.0 {
				onProgress(overall)
			}
		})
		if err != nil {
			// A burst the engine cannot handle contributes no text; the
			// session only fails if every burst ends up contributing none.
			a.log.Warn("transcribe: inference failed for burst",
				"session_id", sessionID, "burst_index", b.Index, "err", err)
			a.metrics.InferenceError(ctx)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}

	transcript := strings.Join(parts, " ")
	if transcript == "" {
		a.log.Warn("transcribe: no text produced", "session_id", sessionID)
		a.fail(ctx, sessionID)
		return "", false
	}

	if err := a.store.UpdateTranscript(ctx, sessionID, transcript, durationMS); err != nil {
		a.log.Error("transcribe: persist transcript", "session_id", sessionID, "err", err)
		a.metrics.PersistError(ctx)
		a.fail(ctx, sessionID)
		return "", false
	}

	a.log.Info("transcribe: session complete",
		"session_id", sessionID,
		"bursts", total,
		"duration_ms", durationMS,
		"transcript_len", len(transcript),
		"took", time.Since(start))
	return transcript, true
}

// decodeBurst decodes one container and converts it to the engine's input
// format: mono float32 at [engine.SampleRate].
func (a *Adapter) decodeBurst(b types.Burst) ([]float32, error) {
	pcm, rate, channels, err := opusfile.Decode(bytes.NewReader(b.Audio))
	if err != nil {
		return nil, err
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	pcm = audio.ResampleMono16(pcm, rate, engine.SampleRate)
	return audio.BytesToFloat32(pcm), nil
}

// fail marks the session failed, logging (not propagating) a write error.
func (a *Adapter) fail(ctx context.Context, sessionID string) {
	if err := a.store.MarkFailed(ctx, sessionID); err != nil {
		a.log.Error("transcribe: mark session failed", "session_id", sessionID, "err", err)
		a.metrics.PersistError(ctx)
	}
}
