// Package opusfile implements the encoded burst container used by Quill.
//
// A burst file is a small header (magic, version, sample rate, channel
// count) followed by a sequence of length-prefixed Opus packets, each
// encoding one fixed 20 ms PCM frame. The format is append-friendly (the
// capture engine streams packets to disk as audio arrives) and every packet
// written before a crash remains decodable, which is what makes a
// half-written burst recoverable.
package opusfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"layeh.com/gopus"

	"github.com/quillaudio/quill/pkg/audio"
)

// File format constants.
const (
	// magic identifies a Quill opus burst file.
	magic = "QOPB"

	// version is the current container format version.
	version = 1

	// headerSize is magic (4) + version (1) + sample rate (4) + channels (1).
	headerSize = 10

	// frameDurationMs is the fixed Opus frame duration. 20 ms is the
	// canonical Opus frame size and keeps encoder latency negligible.
	frameDurationMs = 20

	// maxPacketBytes bounds a single encoded Opus packet. Opus recommends
	// 4000 bytes as a safe ceiling for any frame.
	maxPacketBytes = 4000
)

// ErrBadContainer is returned when a file does not parse as a burst container.
var ErrBadContainer = errors.New("opusfile: not a valid burst container")

// Writer streams PCM audio into an Opus burst container on disk.
//
// PCM appended via [Writer.Append] is buffered until a full 20 ms frame is
// available, then encoded and written immediately. [Writer.Finalize] pads the
// trailing partial frame with silence, flushes it, and closes the file.
// A Writer is not safe for concurrent use.
type Writer struct {
	f          *os.File
	enc        *gopus.Encoder
	path       string
	sampleRate int
	channels   int

	// frameSamples is samples per channel per 20 ms frame.
	frameSamples int

	// pending holds interleaved samples that do not yet fill a frame.
	pending []int16

	// appended counts per-channel samples accepted via Append, excluding
	// final-frame padding, so Duration reflects real audio.
	appended int64

	closed bool
}

// NewWriter creates the burst file at path and writes the container header.
// The file is truncated if it already exists.
func NewWriter(path string, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 || channels < 1 || channels > 2 {
		return nil, fmt.Errorf("opusfile: unsupported format %dHz/%dch", sampleRate, channels)
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opusfile: create encoder: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opusfile: create %q: %w", path, err)
	}

	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	hdr[4] = version
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(sampleRate))
	hdr[9] = byte(channels)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("opusfile: write header: %w", err)
	}

	return &Writer{
		f:            f,
		enc:          enc,
		path:         path,
		sampleRate:   sampleRate,
		channels:     channels,
		frameSamples: sampleRate * frameDurationMs / 1000,
	}, nil
}

// Path returns the on-disk location of the burst file.
func (w *Writer) Path() string { return w.path }

// Duration returns the total duration of PCM accepted so far.
func (w *Writer) Duration() time.Duration {
	return time.Duration(w.appended) * time.Second / time.Duration(w.sampleRate)
}

// Append buffers pcm (interleaved int16 little-endian bytes) and writes every
// complete 20 ms frame to disk as an Opus packet.
func (w *Writer) Append(pcm []byte) error {
	if w.closed {
		return errors.New("opusfile: writer is closed")
	}

	samples := audio.BytesToInt16s(pcm)
	w.pending = append(w.pending, samples...)
	w.appended += int64(len(samples) / w.channels)

	frame := w.frameSamples * w.channels
	for len(w.pending) >= frame {
		if err := w.writeFrame(w.pending[:frame]); err != nil {
			return err
		}
		w.pending = w.pending[frame:]
	}
	return nil
}

// Finalize pads any trailing partial frame with silence, writes it, and
// closes the file. The container is complete and decodable afterwards.
// Calling Finalize more than once returns an error.
func (w *Writer) Finalize() error {
	if w.closed {
		return errors.New("opusfile: writer is closed")
	}
	w.closed = true

	frame := w.frameSamples * w.channels
	if len(w.pending) > 0 {
		padded := make([]int16, frame)
		copy(padded, w.pending)
		w.pending = nil
		if err := w.writeFrame(padded); err != nil {
			w.f.Close()
			return err
		}
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("opusfile: close %q: %w", w.path, err)
	}
	return nil
}

// writeFrame encodes one full frame and appends it length-prefixed.
func (w *Writer) writeFrame(frame []int16) error {
	data, err := w.enc.Encode(frame, w.frameSamples, maxPacketBytes)
	if err != nil {
		return fmt.Errorf("opusfile: encode frame: %w", err)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(data)))
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("opusfile: write packet length: %w", err)
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("opusfile: write packet: %w", err)
	}
	return nil
}

// Decode reads a burst container from r and returns the decoded interleaved
// int16 little-endian PCM along with its sample rate and channel count.
//
// A truncated trailing packet (crash mid-write) is not an error: everything
// decoded up to that point is returned.
func Decode(r io.Reader) (pcm []byte, sampleRate, channels int, err error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: short header", ErrBadContainer)
	}
	if string(hdr[0:4]) != magic {
		return nil, 0, 0, fmt.Errorf("%w: bad magic", ErrBadContainer)
	}
	if hdr[4] != version {
		return nil, 0, 0, fmt.Errorf("%w: unsupported version %d", ErrBadContainer, hdr[4])
	}
	sampleRate = int(binary.LittleEndian.Uint32(hdr[5:9]))
	channels = int(hdr[9])
	if sampleRate <= 0 || channels < 1 || channels > 2 {
		return nil, 0, 0, fmt.Errorf("%w: bad format %dHz/%dch", ErrBadContainer, sampleRate, channels)
	}

	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opusfile: create decoder: %w", err)
	}

	frameSamples := sampleRate * frameDurationMs / 1000
	var lenBuf [2]byte
	packet := make([]byte, maxPacketBytes)

	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			// Clean end of stream, or a crash truncated the length prefix.
			break
		}
		n := int(binary.LittleEndian.Uint16(lenBuf[:]))
		if n == 0 || n > maxPacketBytes {
			return nil, 0, 0, fmt.Errorf("%w: packet length %d", ErrBadContainer, n)
		}
		if _, err := io.ReadFull(r, packet[:n]); err != nil {
			// Truncated final packet: keep what we have.
			break
		}
		samples, err := dec.Decode(packet[:n], frameSamples, false)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("opusfile: decode packet: %w", err)
		}
		pcm = append(pcm, audio.Int16sToBytes(samples)...)
	}

	return pcm, sampleRate, channels, nil
}

// DecodeFile is a convenience wrapper around [Decode] for on-disk containers.
func DecodeFile(path string) (pcm []byte, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opusfile: open %q: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
