package audio

import (
	"sync"
	"time"
)

// PacedSink buffers incoming PCM16 mono and delivers fixed 20ms frames to an
// output sink on a real-time cadence. It sits between the playback units/bus
// and the actual speaker output so upstream writers never have to pace
// themselves.
type PacedSink struct {
	out          Sink
	pcmBuf       []int16
	frameSamples int
	frames       chan []int16
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewPacedSink constructs a paced sink with 20ms frames at 16kHz mono.
func NewPacedSink(out Sink) *PacedSink {
	w := &PacedSink{
		out:          out,
		frameSamples: playFrameSamples,
		frames:       make(chan []int16, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w
}

// WriteFrame buffers PCM and emits full frames paced to the output.
func (w *PacedSink) WriteFrame(pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	w.mu.Lock()
	w.pcmBuf = append(w.pcmBuf, pcm...)
	for len(w.pcmBuf) >= w.frameSamples {
		frame := make([]int16, w.frameSamples)
		copy(frame, w.pcmBuf[:w.frameSamples])
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
		w.mu.Unlock()
		w.pushFrame(frame)
		w.mu.Lock()
	}
	w.mu.Unlock()
	return nil
}

// FlushTail pads the remaining PCM to a full frame so trailing samples are
// not lost when a segment ends mid-frame.
func (w *PacedSink) FlushTail() {
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.pcmBuf = w.pcmBuf[:0]
		w.mu.Unlock()
		w.pushFrame(pad)
		return
	}
	w.mu.Unlock()
}

// Reset clears any queued frames to support immediate barge-in.
func (w *PacedSink) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}

// Close stops the pacer.
func (w *PacedSink) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedSink) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.out.WriteFrame(frame)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *PacedSink) pushFrame(frame []int16) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- frame:
			return
		}
	}
}
