// Package portaudio implements [audio.Device] over the system default
// microphone using the PortAudio bindings. It requires the native PortAudio
// library at link time.
package portaudio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/quillaudio/quill/pkg/audio"
)

// framesPerBuffer is the number of samples per channel delivered by each
// stream read. At 16 kHz this is a 64 ms frame: large enough to keep
// per-read overhead low, small enough for responsive level metering.
const framesPerBuffer = 1024

// Device captures audio from the default input device.
// Create with [New]; the zero value is not usable.
type Device struct {
	mu         sync.Mutex
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
	channels   int
	closed     bool
}

var _ audio.Device = (*Device)(nil)

// New returns an unopened Device.
func New() *Device { return &Device{} }

// Open initialises PortAudio and starts a default input stream in the
// requested format.
func (d *Device) Open(sampleRate, channels int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return errors.New("portaudio: device already open")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	d.buf = make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), framesPerBuffer, d.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}

	d.stream = stream
	d.sampleRate = sampleRate
	d.channels = channels
	d.closed = false
	return nil
}

// ReadFrame blocks until the next buffer of samples is captured.
// Returns io.EOF once the device has been closed.
func (d *Device) ReadFrame() (audio.Frame, error) {
	d.mu.Lock()
	stream := d.stream
	closed := d.closed
	d.mu.Unlock()

	if closed || stream == nil {
		return audio.Frame{}, io.EOF
	}

	if err := stream.Read(); err != nil {
		// Reads racing a Close surface as stream errors; map everything
		// to end-of-stream, which is how the capture loop treats it.
		return audio.Frame{}, io.EOF
	}

	// The stream refills d.buf in place on every read; hand out a copy.
	data := make([]byte, len(d.buf)*2)
	for i, s := range d.buf {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return audio.Frame{Data: data, SampleRate: d.sampleRate, Channels: d.channels}, nil
}

// Close stops the stream and shuts PortAudio down. Safe to call repeatedly.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.stream != nil {
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
		}
		if err := d.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
		}
		d.stream = nil
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}
