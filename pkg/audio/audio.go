// Package audio defines the capture-device boundary and the PCM helpers
// shared by the capture engine and the transcription adapter.
//
// The primary abstraction is [Device]: a microphone (or any other frame
// source) opened for a fixed sample rate and channel count, read one frame at
// a time. Implementations are provided by adapter packages:
//
//   - audio/portaudio: the real microphone via PortAudio.
//   - audio/mock: a scripted device for tests.
//
// This package lives under pkg/ because external code is expected to
// implement [Device] for other capture backends.
package audio

import "time"

// Frame is a single read from a [Device]: raw 16-bit signed little-endian
// PCM samples in the format the device was opened with.
type Frame struct {
	// Data holds interleaved int16 little-endian PCM bytes.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Duration returns the audio duration represented by the frame.
// Returns 0 for frames with an invalid format.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Device is a frame-oriented audio capture source.
//
// The lifecycle is Open → ReadFrame (repeatedly) → Close. ReadFrame blocks
// until a frame is available and returns io.EOF when the stream ends; any
// other error is also treated as end-of-stream by callers. Implementations
// need not be safe for concurrent ReadFrame calls (the capture engine reads
// from a single goroutine), but Close may race with a blocked ReadFrame and
// must cause it to return.
type Device interface {
	// Open acquires the underlying capture resource for the given format.
	// Returns an error if the device is unavailable or the format is
	// unsupported.
	Open(sampleRate, channels int) error

	// ReadFrame returns the next captured frame. Returns io.EOF when the
	// stream has ended.
	ReadFrame() (Frame, error)

	// Close releases the capture resource. Safe to call more than once.
	Close() error
}
