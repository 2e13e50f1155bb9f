// Package whisper implements [engine.Engine] using the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/quillaudio/quill/pkg/engine"
)

const defaultLanguage = "en"

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.language = lang
		}
	}
}

// Engine runs whisper.cpp inference against a model loaded once at
// construction and shared across all calls. Each Transcribe call creates its
// own whisper context, so concurrent calls do not interfere, though in Quill
// the transcription adapter serialises them anyway.
type Engine struct {
	model    whisperlib.Model
	language string

	// mu serialises Close against in-flight Transcribe calls.
	mu     sync.RWMutex
	closed bool
}

// New loads the whisper.cpp model from modelPath. The caller must call Close
// when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.model.Close()
}

// Transcribe runs inference over samples and returns the concatenated
// segment text. samples must be mono float32 PCM at [engine.SampleRate];
// onProgress receives values in [0, 1] mapped from whisper.cpp's
// percentage-based progress callback.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int, onProgress func(float64)) (string, error) {
	if sampleRate != engine.SampleRate {
		return "", fmt.Errorf("whisper: sample rate %d not supported (want %d)", sampleRate, engine.SampleRate)
	}
	if len(samples) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context cancelled: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", errors.New("whisper: engine is closed")
	}

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines, so a fresh context per call is the cheap way to
	// stay safe.
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whisper: failed to set language, using model default",
			"language", e.language, "err", err)
	}

	var progressCB whisperlib.ProgressCallback
	if onProgress != nil {
		progressCB = func(pct int) {
			onProgress(float64(pct) / 100.0)
		}
	}

	if err := wctx.Process(samples, nil, nil, progressCB); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
