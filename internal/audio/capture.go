package audio

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// FrameSize is the number of samples accumulated before a capture frame is
// emitted: 2048 samples, ~128ms at 16kHz.
const FrameSize = 2048

// Device provides raw floating-point sample blocks from an input device.
// Blocks may be any length; the capture unit handles framing.
type Device interface {
	Open() error
	Blocks() <-chan []float32
	Close() error
}

// DeviceError indicates the input device could not be acquired (missing
// hardware or denied permission). It is recoverable: callers may retry.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("audio device unavailable: %v", e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// Capture acquires device input, frames it into FrameSize PCM16LE buffers and
// emits encoded frames to a sink callback. Emission is gated by a mute flag
// and an enabled predicate; gated frames are dropped, never buffered.
type Capture struct {
	device Device
	emit   func(pcm []byte)

	mu      sync.Mutex
	muted   bool
	enabled func() bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	buf []float32
}

// NewCapture constructs a capture unit. emit receives full PCM16LE frames.
func NewCapture(device Device, emit func(pcm []byte)) *Capture {
	return &Capture{device: device, emit: emit}
}

// SetMuted toggles the mute gate.
func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// Muted reports the current mute gate.
func (c *Capture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// SetEnabled installs an external gate checked before each frame is emitted,
// used for half-duplex operation (suppress capture while an agent is audible).
func (c *Capture) SetEnabled(enabled func() bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Start opens the device and begins framing. It returns a *DeviceError when
// the device cannot be opened. Starting an already started capture is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if err := c.device.Open(); err != nil {
		c.mu.Unlock()
		return &DeviceError{Err: err}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.buf = c.buf[:0]
	c.mu.Unlock()

	go c.pump(runCtx)
	return nil
}

// Stop releases the device and halts framing. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	<-done
	if err := c.device.Close(); err != nil {
		log.Printf("capture: device close: %v", err)
	}
}

// Started reports whether the capture unit is running.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Capture) pump(ctx context.Context) {
	defer close(c.done)
	blocks := c.device.Blocks()
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			c.ingest(block)
		}
	}
}

// ingest appends samples and emits whole frames as they fill.
func (c *Capture) ingest(block []float32) {
	c.buf = append(c.buf, block...)
	for len(c.buf) >= FrameSize {
		frame := c.buf[:FrameSize]
		if c.gateOpen() {
			c.emit(MarshalPCM16(Float32ToPCM16(frame)))
		}
		copy(c.buf, c.buf[FrameSize:])
		c.buf = c.buf[:len(c.buf)-FrameSize]
	}
}

func (c *Capture) gateOpen() bool {
	c.mu.Lock()
	muted := c.muted
	enabled := c.enabled
	c.mu.Unlock()
	if muted {
		return false
	}
	if enabled != nil && !enabled() {
		return false
	}
	return true
}
