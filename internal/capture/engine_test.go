package capture

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillaudio/quill/pkg/audio"
	audiomock "github.com/quillaudio/quill/pkg/audio/mock"
	"github.com/quillaudio/quill/pkg/audio/opusfile"
)

const (
	testRate     = 16000
	testChannels = 1
)

// sinePCM returns d worth of a 440 Hz sine at the test format.
func sinePCM(d time.Duration) []byte {
	n := int(d.Seconds() * testRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return audio.Int16sToBytes(samples)
}

// burstSink collects burst callbacks.
type burstSink struct {
	mu     sync.Mutex
	bursts []sinkBurst
}

type sinkBurst struct {
	sessionID  string
	index      int
	audio      []byte
	durationMS int64
}

func (s *burstSink) add(sessionID string, index int, audio []byte, durationMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bursts = append(s.bursts, sinkBurst{sessionID, index, audio, durationMS})
}

func (s *burstSink) all() []sinkBurst {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkBurst, len(s.bursts))
	copy(out, s.bursts)
	return out
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestCaptureSplitsIntoFixedBursts(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	// 900 ms of audio in 20 ms frames against a 400 ms burst length:
	// two full bursts plus a 100 ms trailing partial at Stop.
	for range 45 {
		dev.EnqueuePCM(sinePCM(20*time.Millisecond), testRate, testChannels)
	}

	eng, err := New(dev, testRate, testChannels, WithBurstDuration(400*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sink := &burstSink{}
	var frames atomic.Int64
	onLevel := func(float64) { frames.Add(1) }
	if err := eng.Start(t.TempDir(), "sess-1", sink.add, onLevel); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Wait until the loop has consumed every queued frame before stopping.
	waitFor(t, func() bool { return frames.Load() == 45 })
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	bursts := sink.all()
	if len(bursts) != 3 {
		t.Fatalf("got %d bursts, want 3", len(bursts))
	}
	for i, b := range bursts {
		if b.index != i {
			t.Errorf("bursts[%d].index = %d, want %d", i, b.index, i)
		}
		if b.sessionID != "sess-1" {
			t.Errorf("bursts[%d].sessionID = %q, want sess-1", i, b.sessionID)
		}
	}
	if bursts[0].durationMS != 400 || bursts[1].durationMS != 400 {
		t.Errorf("full burst durations = %d, %d, want 400, 400",
			bursts[0].durationMS, bursts[1].durationMS)
	}
	if bursts[2].durationMS != 100 {
		t.Errorf("trailing burst duration = %d, want 100", bursts[2].durationMS)
	}
}

func TestBurstPayloadDecodes(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	dev.EnqueuePCM(sinePCM(200*time.Millisecond), testRate, testChannels)

	eng, err := New(dev, testRate, testChannels, WithBurstDuration(time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sink := &burstSink{}
	if err := eng.Start(t.TempDir(), "sess-2", sink.add, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return eng.Level() > 0 })
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	bursts := sink.all()
	if len(bursts) != 1 {
		t.Fatalf("got %d bursts, want 1", len(bursts))
	}

	pcm, rate, channels, err := opusfile.Decode(bytes.NewReader(bursts[0].audio))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rate != testRate || channels != testChannels {
		t.Errorf("decoded format = %dHz/%dch, want %dHz/%dch", rate, channels, testRate, testChannels)
	}
	// 200 ms at 16 kHz mono, frame-padded, is at least 3200 samples.
	if got := len(pcm) / 2; got < 3200 {
		t.Errorf("decoded samples = %d, want >= 3200", got)
	}
}

func TestStartWhileRecording(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{Blocking: true}
	eng, err := New(dev, testRate, testChannels)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sink := &burstSink{}
	if err := eng.Start(t.TempDir(), "sess-3", sink.add, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer eng.Stop()

	if err := eng.Start(t.TempDir(), "sess-4", sink.add, nil); err == nil {
		t.Error("second Start() expected error, got nil")
	}
	if !eng.Recording() {
		t.Error("Recording() = false while capture is active")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	eng, err := New(&audiomock.Device{}, testRate, testChannels)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Errorf("Stop() without Start error = %v, want nil", err)
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{OpenErr: errors.New("no microphone")}
	eng, err := New(dev, testRate, testChannels)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sink := &burstSink{}
	if err := eng.Start(t.TempDir(), "sess-5", sink.add, nil); err == nil {
		t.Fatal("Start() with failing device expected error, got nil")
	}
	if eng.Recording() {
		t.Error("Recording() = true after failed Start")
	}
}

func TestLevelTracksAudio(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{Blocking: true}
	eng, err := New(dev, testRate, testChannels, WithBurstDuration(time.Minute))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var levels []float64
	var mu sync.Mutex
	onLevel := func(l float64) {
		mu.Lock()
		levels = append(levels, l)
		mu.Unlock()
	}

	if err := eng.Start(t.TempDir(), "sess-6", (&burstSink{}).add, onLevel); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	dev.EnqueuePCM(sinePCM(50*time.Millisecond), testRate, testChannels)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0
	})

	if got := eng.Level(); got <= 0 || got > 1 {
		t.Errorf("Level() = %v, want in (0, 1]", got)
	}

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := eng.Level(); got != 0 {
		t.Errorf("Level() after Stop = %v, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, l := range levels {
		if l < 0 || l > 1 {
			t.Errorf("level callback value %v out of [0, 1]", l)
		}
	}
}
