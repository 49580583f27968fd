package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu      sync.Mutex
	blocks  chan []float32
	openErr error
	opened  int
	closed  int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{blocks: make(chan []float32, 16)}
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opened++
	return nil
}

func (d *fakeDevice) Blocks() <-chan []float32 { return d.blocks }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (fc *frameCollector) emit(pcm []byte) {
	fc.mu.Lock()
	fc.frames = append(fc.frames, pcm)
	fc.mu.Unlock()
}

func (fc *frameCollector) count() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.frames)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCapture_FramesAcrossBlockBoundaries(t *testing.T) {
	dev := newFakeDevice()
	var fc frameCollector
	c := NewCapture(dev, fc.emit)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	// 3 blocks of 1024 samples: one full 2048-sample frame plus a half frame
	// left in the accumulator.
	for i := 0; i < 3; i++ {
		dev.blocks <- make([]float32, 1024)
	}
	waitFor(t, func() bool { return fc.count() == 1 }, "first frame")

	dev.blocks <- make([]float32, 1024)
	waitFor(t, func() bool { return fc.count() == 2 }, "second frame")

	fc.mu.Lock()
	size := len(fc.frames[0])
	fc.mu.Unlock()
	if size != FrameSize*2 {
		t.Fatalf("frame size: got %d bytes want %d", size, FrameSize*2)
	}
}

func TestCapture_MuteDropsFrames(t *testing.T) {
	dev := newFakeDevice()
	var fc frameCollector
	c := NewCapture(dev, fc.emit)
	c.SetMuted(true)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	dev.blocks <- make([]float32, FrameSize)
	time.Sleep(50 * time.Millisecond)
	if fc.count() != 0 {
		t.Fatalf("muted capture emitted %d frames", fc.count())
	}

	// Unmuting must not replay the dropped frame.
	c.SetMuted(false)
	dev.blocks <- make([]float32, FrameSize)
	waitFor(t, func() bool { return fc.count() == 1 }, "unmuted frame")
}

func TestCapture_EnabledPredicateGates(t *testing.T) {
	dev := newFakeDevice()
	var fc frameCollector
	c := NewCapture(dev, fc.emit)

	var open sync.Mutex
	allowed := false
	c.SetEnabled(func() bool {
		open.Lock()
		defer open.Unlock()
		return allowed
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	dev.blocks <- make([]float32, FrameSize)
	time.Sleep(50 * time.Millisecond)
	if fc.count() != 0 {
		t.Fatalf("gated capture emitted %d frames", fc.count())
	}

	open.Lock()
	allowed = true
	open.Unlock()
	dev.blocks <- make([]float32, FrameSize)
	waitFor(t, func() bool { return fc.count() == 1 }, "gated frame")
}

func TestCapture_OpenFailureReturnsDeviceError(t *testing.T) {
	dev := newFakeDevice()
	dev.openErr = errors.New("permission denied")
	c := NewCapture(dev, func([]byte) {})

	err := c.Start(context.Background())
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeviceError, got %v", err)
	}
	if c.Started() {
		t.Fatalf("capture reports started after failed open")
	}
}

func TestCapture_StartStopIdempotent(t *testing.T) {
	dev := newFakeDevice()
	c := NewCapture(dev, func([]byte) {})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	dev.mu.Lock()
	opened := dev.opened
	dev.mu.Unlock()
	if opened != 1 {
		t.Fatalf("device opened %d times", opened)
	}

	c.Stop()
	c.Stop()
	dev.mu.Lock()
	closed := dev.closed
	dev.mu.Unlock()
	if closed != 1 {
		t.Fatalf("device closed %d times", closed)
	}
}
