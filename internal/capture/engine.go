// Package capture implements the real-time capture engine: it pulls PCM
// frames from an [audio.Device], splits them into fixed-duration encoded
// bursts on disk, and hands each finalized burst to a callback for durable
// persistence.
//
// Burst boundaries are measured in audio time, not wall-clock time, so a
// device that delivers frames faster or slower than real time still produces
// bursts of exactly the configured duration.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillaudio/quill/pkg/audio"
	"github.com/quillaudio/quill/pkg/audio/opusfile"
	"github.com/quillaudio/quill/pkg/types"
)

// DefaultBurstDuration is the burst length used when none is configured.
const DefaultBurstDuration = 35 * time.Second

// Engine captures audio from a device into encoded bursts. At most one
// capture session is active at a time; Start while recording is an error.
// All exported methods are safe for concurrent use.
type Engine struct {
	device        audio.Device
	sampleRate    int
	channels      int
	burstDuration time.Duration
	log           *slog.Logger

	mu         sync.Mutex
	recording  bool
	sessionID  string
	dir        string
	writer     *opusfile.Writer
	burstIndex int
	elapsed    time.Duration
	onBurst    types.BurstFunc
	onLevel    types.LevelFunc
	wg         sync.WaitGroup

	stopping atomic.Bool
	level    atomic.Uint64
	bursts   atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithBurstDuration overrides the fixed burst length.
func WithBurstDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.burstDuration = d
		}
	}
}

// WithLogger sets the logger used by the capture loop.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New creates a capture engine reading from device in the given format.
func New(device audio.Device, sampleRate, channels int, opts ...Option) (*Engine, error) {
	if device == nil {
		return nil, errors.New("capture: device must not be nil")
	}
	if sampleRate <= 0 || channels < 1 || channels > 2 {
		return nil, fmt.Errorf("capture: unsupported format %dHz/%dch", sampleRate, channels)
	}
	e := &Engine{
		device:        device,
		sampleRate:    sampleRate,
		channels:      channels,
		burstDuration: DefaultBurstDuration,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Start opens the device and begins capturing into dir. Each finalized
// burst is delivered through onBurst; onLevel (optional) receives the
// loudness of every captured frame. Returns an error if a capture is
// already running or the device cannot be opened.
func (e *Engine) Start(dir, sessionID string, onBurst types.BurstFunc, onLevel types.LevelFunc) error {
	if onBurst == nil {
		return errors.New("capture: onBurst must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recording {
		return errors.New("capture: already recording")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: create burst directory: %w", err)
	}
	if err := e.device.Open(e.sampleRate, e.channels); err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	w, err := e.newWriterLocked(dir, 0)
	if err != nil {
		e.device.Close()
		return err
	}

	e.recording = true
	e.sessionID = sessionID
	e.dir = dir
	e.writer = w
	e.burstIndex = 0
	e.elapsed = 0
	e.onBurst = onBurst
	e.onLevel = onLevel
	e.stopping.Store(false)
	e.bursts.Store(0)
	e.level.Store(0)

	e.wg.Add(1)
	go e.loop()

	e.log.Info("capture started",
		"session_id", sessionID,
		"sample_rate", e.sampleRate,
		"channels", e.channels,
		"burst_duration", e.burstDuration)
	return nil
}

// Stop ends the capture, finalizes the trailing partial burst, and delivers
// it through the burst callback. Idempotent: stopping a stopped engine
// returns nil.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.stopping.Store(true)
	// Closing the device unblocks a ReadFrame in flight.
	if err := e.device.Close(); err != nil {
		e.log.Warn("capture: close device", "err", err)
	}
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.writer != nil {
		// Emit the final burst only if it holds real audio.
		if e.writer.Duration() > 0 {
			err = e.finalizeBurstLocked()
		} else {
			path := e.writer.Path()
			if ferr := e.writer.Finalize(); ferr != nil {
				e.log.Warn("capture: finalize empty burst", "err", ferr)
			}
			os.Remove(path)
			e.writer = nil
		}
	}

	e.recording = false
	e.onBurst = nil
	e.onLevel = nil
	e.level.Store(0)

	e.log.Info("capture stopped", "session_id", e.sessionID, "bursts", e.bursts.Load())
	return err
}

// Recording reports whether a capture session is active.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// Level returns the loudness of the most recent frame, in [0, 1].
// Returns 0 when not recording.
func (e *Engine) Level() float64 {
	return math.Float64frombits(e.level.Load())
}

// BurstCount returns the number of bursts finalized so far in the current
// (or most recent) session.
func (e *Engine) BurstCount() int {
	return int(e.bursts.Load())
}

// loop is the capture goroutine: it reads frames until the device ends or
// Stop is requested.
func (e *Engine) loop() {
	defer e.wg.Done()

	for !e.stopping.Load() {
		frame, err := e.device.ReadFrame()
		if err != nil {
			// End of stream. io.EOF is the normal case; anything else is
			// a device fault and ends the capture the same way.
			return
		}
		if len(frame.Data) == 0 {
			continue
		}

		level := audio.RMSLevel(frame.Data)
		e.level.Store(math.Float64bits(level))

		e.mu.Lock()
		onLevel := e.onLevel
		if e.writer == nil {
			e.mu.Unlock()
			return
		}
		if err := e.writer.Append(frame.Data); err != nil {
			e.mu.Unlock()
			e.log.Error("capture: append frame", "err", err)
			return
		}
		e.elapsed += frame.Duration()

		var burstErr error
		if e.elapsed >= e.burstDuration {
			burstErr = e.rotateLocked()
		}
		e.mu.Unlock()

		if burstErr != nil {
			e.log.Error("capture: rotate burst", "err", burstErr)
			return
		}
		if onLevel != nil {
			onLevel(level)
		}
	}
}

// rotateLocked finalizes the current burst, delivers it, and opens the next
// writer. Callers must hold e.mu.
func (e *Engine) rotateLocked() error {
	if err := e.finalizeBurstLocked(); err != nil {
		return err
	}
	w, err := e.newWriterLocked(e.dir, e.burstIndex)
	if err != nil {
		return err
	}
	e.writer = w
	e.elapsed = 0
	return nil
}

// finalizeBurstLocked closes the current writer, reads the container back,
// and hands it to the burst callback. The on-disk file is removed once the
// callback returns. Callers must hold e.mu.
func (e *Engine) finalizeBurstLocked() error {
	w := e.writer
	e.writer = nil

	durationMS := w.Duration().Milliseconds()
	if err := w.Finalize(); err != nil {
		return fmt.Errorf("capture: finalize burst %d: %w", e.burstIndex, err)
	}
	data, err := os.ReadFile(w.Path())
	if err != nil {
		return fmt.Errorf("capture: read burst %d: %w", e.burstIndex, err)
	}

	index := e.burstIndex
	e.burstIndex++
	e.bursts.Add(1)

	e.onBurst(e.sessionID, index, data, durationMS)
	if err := os.Remove(w.Path()); err != nil {
		e.log.Warn("capture: remove burst file", "path", w.Path(), "err", err)
	}
	return nil
}

// newWriterLocked opens the container file for burst index in dir.
func (e *Engine) newWriterLocked(dir string, index int) (*opusfile.Writer, error) {
	path := filepath.Join(dir, fmt.Sprintf("burst-%04d.opb", index))
	w, err := opusfile.NewWriter(path, e.sampleRate, e.channels)
	if err != nil {
		return nil, fmt.Errorf("capture: create burst writer: %w", err)
	}
	return w, nil
}
