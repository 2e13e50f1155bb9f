// Package mock provides a scripted in-memory implementation of
// [engine.Engine] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/quillaudio/quill/pkg/engine"
)

// Call records the arguments of one Transcribe invocation.
type Call struct {
	Samples    int
	SampleRate int
}

// Engine is a scripted engine.Engine. Results are returned in order; once
// the script is exhausted, Result (and Err) apply to every further call.
// All methods are safe for concurrent use.
type Engine struct {
	// Results is an optional per-call script of texts to return.
	Results []string

	// Result is returned once Results is exhausted (or empty).
	Result string

	// Err, when non-nil, is returned by every call.
	Err error

	// Progress values emitted through onProgress before returning.
	Progress []float64

	mu    sync.Mutex
	calls []Call
}

var _ engine.Engine = (*Engine)(nil)

// Transcribe records the call, emits the scripted progress values, and
// returns the next scripted result.
func (e *Engine) Transcribe(_ context.Context, samples []float32, sampleRate int, onProgress func(float64)) (string, error) {
	e.mu.Lock()
	n := len(e.calls)
	e.calls = append(e.calls, Call{Samples: len(samples), SampleRate: sampleRate})
	e.mu.Unlock()

	if onProgress != nil {
		for _, p := range e.Progress {
			onProgress(p)
		}
	}

	if e.Err != nil {
		return "", e.Err
	}
	if n < len(e.Results) {
		return e.Results[n], nil
	}
	return e.Result, nil
}

// Calls returns a snapshot of all recorded invocations.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}
