// Package mock provides a scripted in-memory implementation of
// [audio.Device] for tests.
package mock

import (
	"errors"
	"io"
	"sync"

	"github.com/quillaudio/quill/pkg/audio"
)

// OpenCall records the arguments of one Device.Open invocation.
type OpenCall struct {
	SampleRate int
	Channels   int
}

// Device is a scripted audio.Device. Tests enqueue PCM frames before (or
// while) the capture engine reads them; once the queue is exhausted ReadFrame
// returns io.EOF, or blocks if Blocking is set, until Close is called.
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Device struct {
	// OpenErr, when non-nil, is returned by Open to simulate an
	// unavailable capture device.
	OpenErr error

	// Blocking makes ReadFrame wait for more frames instead of returning
	// io.EOF when the queue is empty. Close unblocks any waiting reader.
	Blocking bool

	mu     sync.Mutex
	cond   *sync.Cond
	frames []audio.Frame
	opened bool
	closed bool

	// OpenCalls records every Open invocation.
	OpenCalls []OpenCall

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.Device = (*Device)(nil)

// Open records the call and returns OpenErr if set.
func (d *Device) Open(sampleRate, channels int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{SampleRate: sampleRate, Channels: channels})
	if d.OpenErr != nil {
		return d.OpenErr
	}
	if d.opened && !d.closed {
		return errors.New("mock: device already open")
	}
	d.opened = true
	d.closed = false
	return nil
}

// Enqueue appends a frame for ReadFrame to return.
func (d *Device) Enqueue(frame audio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, frame)
	if d.cond != nil {
		d.cond.Broadcast()
	}
}

// EnqueuePCM is a convenience wrapper that enqueues raw PCM bytes with the
// given format.
func (d *Device) EnqueuePCM(pcm []byte, sampleRate, channels int) {
	d.Enqueue(audio.Frame{Data: pcm, SampleRate: sampleRate, Channels: channels})
}

// ReadFrame returns the next queued frame, io.EOF when the queue is drained
// (non-blocking mode), or blocks until Enqueue or Close (blocking mode).
func (d *Device) ReadFrame() (audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cond == nil {
		d.cond = sync.NewCond(&d.mu)
	}

	for {
		if d.closed {
			return audio.Frame{}, io.EOF
		}
		if len(d.frames) > 0 {
			f := d.frames[0]
			d.frames = d.frames[1:]
			return f, nil
		}
		if !d.Blocking {
			return audio.Frame{}, io.EOF
		}
		d.cond.Wait()
	}
}

// Close marks the device closed and unblocks any waiting ReadFrame.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	d.closed = true
	if d.cond != nil {
		d.cond.Broadcast()
	}
	return nil
}
