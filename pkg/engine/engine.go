// Package engine defines the inference-engine boundary consumed by the
// transcription adapter.
//
// The concrete implementation backed by whisper.cpp lives in engine/whisper;
// engine/mock provides a scripted implementation for tests. The interface is
// intentionally narrow: the adapter owns burst decoding and resampling, the
// engine only turns PCM into text.
package engine

import "context"

// SampleRate is the sample rate, in Hz, that engines require their input
// PCM to be in. whisper.cpp models are trained on 16 kHz audio.
const SampleRate = 16000

// Engine transcribes a buffer of mono float32 PCM samples.
//
// Implementations must be safe for concurrent use. onProgress, when non-nil,
// is invoked with values in [0, 1] as inference advances; implementations
// that cannot report progress may skip it entirely. An empty string with a
// nil error means the audio produced no text, which is not a failure.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, onProgress func(float64)) (string, error)
}
