// Package types defines the shared types used across all Quill packages.
//
// These types form the lingua franca between the capture engine, the durable
// store, the transcription adapter, and the recorder. They are intentionally
// minimal: each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Status is the lifecycle state of a recording session.
type Status string

const (
	// StatusRecording means the session is (or was, at crash time) actively
	// capturing audio.
	StatusRecording Status = "recording"

	// StatusTranscribing means capture has finished and a background
	// transcription task is running or pending.
	StatusTranscribing Status = "transcribing"

	// StatusComplete means a transcript has been persisted. Terminal.
	StatusComplete Status = "complete"

	// StatusFailed means the session produced no usable transcript. Terminal.
	StatusFailed Status = "failed"
)

// IsValid reports whether s is a recognised session status.
func (s Status) IsValid() bool {
	switch s {
	case StatusRecording, StatusTranscribing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// String returns the status as stored in the database.
func (s Status) String() string { return string(s) }

// ParseStatus converts a stored status string back to a [Status].
// Unrecognised values map to [StatusFailed], matching how recovery treats
// sessions it cannot make sense of.
func ParseStatus(s string) Status {
	st := Status(s)
	if !st.IsValid() {
		return StatusFailed
	}
	return st
}

// Session is one recording-through-transcript lifecycle.
type Session struct {
	// ID is the unique session identifier, generated at creation. Immutable.
	ID string

	// CreatedAt is when the session row was inserted.
	CreatedAt time.Time

	// CompletedAt is when the session reached a terminal transcript.
	// Zero until the session completes.
	CompletedAt time.Time

	// Status is the current lifecycle state.
	Status Status

	// DurationMS is the total audio duration across all bursts, in
	// milliseconds. Set once at completion.
	DurationMS int64

	// Transcript is the final concatenated transcript. Present only when
	// Status is [StatusComplete].
	Transcript string
}

// Burst is one fixed-duration encoded audio segment belonging to a session.
// Bursts ordered by Index concatenate to the full session audio.
type Burst struct {
	// SessionID is the owning session.
	SessionID string

	// Index is the zero-based position of this burst within its session.
	Index int

	// Audio is the encoded burst container bytes.
	Audio []byte

	// DurationMS is the audio duration of this burst in milliseconds.
	DurationMS int64

	// CreatedAt is when the burst row was inserted.
	CreatedAt time.Time
}

// BurstFunc is invoked by the capture engine each time a burst is finalized.
// It runs on the capture loop goroutine; implementations must not block for
// long or they will delay the next device read.
type BurstFunc func(sessionID string, index int, audio []byte, durationMS int64)

// LevelFunc is invoked with the loudness level (0.0–1.0) of each captured
// frame. It runs on the capture loop goroutine.
type LevelFunc func(level float64)

// ProgressFunc is invoked with overall transcription progress (0.0–1.0).
// It runs on the transcription task goroutine.
type ProgressFunc func(progress float64)

// DoneFunc is invoked exactly once when a stop-initiated transcription task
// finishes. ok is true when a non-empty transcript was persisted.
type DoneFunc func(sessionID, transcript string, ok bool)
