// Package recorder is the top-level session orchestrator: it owns the
// single-active-session state machine, wires burst persistence between the
// capture engine and the store, drives post-capture transcription on a
// background task, and performs startup crash recovery.
//
// Session lifecycle: idle → recording → transcribing → complete | failed.
// complete and failed are terminal; every Start begins a fresh session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillaudio/quill/internal/capture"
	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/internal/store"
	"github.com/quillaudio/quill/internal/transcribe"
	"github.com/quillaudio/quill/pkg/types"
)

// ErrAlreadyRecording is returned by Start while a session is active.
var ErrAlreadyRecording = errors.New("recorder: a session is already recording")

// Recorder coordinates one recording session at a time. All exported methods
// are safe for concurrent use.
type Recorder struct {
	store   *store.Store
	capture *capture.Engine
	adapter *transcribe.Adapter
	dataDir string
	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	currentID string
	// task is closed when the most recently launched transcription task
	// finishes. Stop waits on the previous one before launching the next,
	// so two transcriptions never run concurrently.
	task chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches the metric instrument set.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New creates a recorder writing scratch burst files under dataDir.
func New(st *store.Store, cap *capture.Engine, adapter *transcribe.Adapter, dataDir string, opts ...Option) (*Recorder, error) {
	if st == nil || cap == nil || adapter == nil {
		return nil, errors.New("recorder: store, capture engine, and adapter are required")
	}
	if dataDir == "" {
		return nil, errors.New("recorder: dataDir must not be empty")
	}
	r := &Recorder{
		store:   st,
		capture: cap,
		adapter: adapter,
		dataDir: dataDir,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start creates a new session and begins capturing. Each finalized burst is
// committed to the store from the capture loop; a failed burst write loses
// that burst but capture continues. onLevel (optional) receives per-frame
// loudness. Returns the new session id.
func (r *Recorder) Start(ctx context.Context, onLevel types.LevelFunc) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentID != "" {
		return "", ErrAlreadyRecording
	}

	id, err := r.store.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("recorder: create session: %w", err)
	}

	onBurst := func(sessionID string, index int, audio []byte, durationMS int64) {
		// Runs on the capture loop goroutine. Persistence failure drops
		// this one burst; the capture loop keeps going.
		if err := r.store.AddBurst(context.Background(), sessionID, index, audio, durationMS); err != nil {
			r.log.Error("recorder: persist burst",
				"session_id", sessionID, "burst_index", index, "err", err)
			r.metrics.PersistError(context.Background())
			return
		}
		r.metrics.BurstPersisted(context.Background(), len(audio))
	}

	if err := r.capture.Start(r.sessionDir(id), id, onBurst, onLevel); err != nil {
		if ferr := r.store.MarkFailed(ctx, id); ferr != nil {
			r.log.Error("recorder: mark failed after capture start error",
				"session_id", id, "err", ferr)
		}
		os.RemoveAll(r.sessionDir(id))
		return "", fmt.Errorf("recorder: start capture: %w", err)
	}

	r.currentID = id
	r.metrics.SessionStarted(ctx)
	r.log.Info("recorder: session started", "session_id", id)
	return id, nil
}

// Stop ends the active session and launches its transcription on a
// background task. The last partial burst is finalized and persisted before
// Stop returns. If a previous session's transcription is still running, Stop
// blocks until it finishes before launching the new task.
//
// onDone is invoked exactly once when the transcription task finishes; when
// no session is recording it is invoked immediately with ok=false.
func (r *Recorder) Stop(ctx context.Context, onProgress types.ProgressFunc, onDone types.DoneFunc) {
	r.mu.Lock()
	if r.currentID == "" {
		r.mu.Unlock()
		if onDone != nil {
			onDone("", "", false)
		}
		return
	}

	id := r.currentID
	r.currentID = ""

	if err := r.capture.Stop(); err != nil {
		r.log.Error("recorder: stop capture", "session_id", id, "err", err)
	}
	if err := r.store.UpdateStatus(ctx, id, types.StatusTranscribing); err != nil {
		r.log.Error("recorder: mark transcribing", "session_id", id, "err", err)
		r.metrics.PersistError(ctx)
	}
	r.metrics.SessionEnded(ctx)

	prev := r.task
	done := make(chan struct{})
	r.task = done
	r.wg.Add(1)
	r.mu.Unlock()

	// One transcription at a time: wait out the previous task before
	// launching this session's.
	if prev != nil {
		<-prev
	}

	go func() {
		defer r.wg.Done()
		defer close(done)

		transcript, ok := r.adapter.Run(context.Background(), id, onProgress)
		os.RemoveAll(r.sessionDir(id))
		if onDone != nil {
			onDone(id, transcript, ok)
		}
	}()
}

// Recover processes sessions left in recording status by an unclean
// shutdown. Sessions with no persisted bursts are marked failed; the rest
// are transcribed synchronously through the normal adapter path. Call once
// at startup, before the first Start.
func (r *Recorder) Recover(ctx context.Context) error {
	orphans, err := r.store.ListOrphaned(ctx)
	if err != nil {
		return fmt.Errorf("recorder: list orphaned sessions: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	r.log.Info("recorder: recovering orphaned sessions", "count", len(orphans))
	for _, sess := range orphans {
		bursts, err := r.store.GetBursts(ctx, sess.ID)
		if err != nil {
			r.log.Error("recorder: load bursts for recovery", "session_id", sess.ID, "err", err)
			continue
		}
		if len(bursts) == 0 {
			if err := r.store.MarkFailed(ctx, sess.ID); err != nil {
				r.log.Error("recorder: mark empty orphan failed", "session_id", sess.ID, "err", err)
			}
			r.metrics.SessionRecovered(ctx)
			continue
		}

		if err := r.store.UpdateStatus(ctx, sess.ID, types.StatusTranscribing); err != nil {
			r.log.Error("recorder: mark orphan transcribing", "session_id", sess.ID, "err", err)
			continue
		}
		_, ok := r.adapter.Run(ctx, sess.ID, nil)
		os.RemoveAll(r.sessionDir(sess.ID))
		r.metrics.SessionRecovered(ctx)
		r.log.Info("recorder: orphan recovered", "session_id", sess.ID, "bursts", len(bursts), "ok", ok)
	}
	return nil
}

// Delete removes a session, its bursts, and any leftover scratch files.
func (r *Recorder) Delete(ctx context.Context, sessionID string) error {
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	os.RemoveAll(r.sessionDir(sessionID))
	return nil
}

// Session returns the stored session, or nil if it does not exist.
func (r *Recorder) Session(ctx context.Context, sessionID string) (*types.Session, error) {
	return r.store.GetSession(ctx, sessionID)
}

// Sessions returns all sessions, newest first.
func (r *Recorder) Sessions(ctx context.Context) ([]types.Session, error) {
	return r.store.ListSessions(ctx)
}

// Recording reports whether a session is actively capturing.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID != ""
}

// Level returns the current capture loudness in [0, 1].
func (r *Recorder) Level() float64 { return r.capture.Level() }

// BurstCount returns the bursts finalized so far in the active or most
// recent session.
func (r *Recorder) BurstCount() int { return r.capture.BurstCount() }

// Wait blocks until every launched transcription task has finished.
func (r *Recorder) Wait() { r.wg.Wait() }

// sessionDir is the per-session scratch directory for in-progress bursts.
func (r *Recorder) sessionDir(sessionID string) string {
	return filepath.Join(r.dataDir, "sessions", sessionID)
}
