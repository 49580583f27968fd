package audio

import (
	"log"
	"sync"
)

// PlaybackState is the two-value playback indicator.
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StatePlaying
)

func (s PlaybackState) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "idle"
}

// playFrameSamples is the per-write granularity: 20ms at 16kHz.
const playFrameSamples = 320

// Sink consumes decoded PCM16 frames. Implementations are expected to pace
// delivery (see PacedSink); the player writes as fast as the sink accepts.
type Sink interface {
	WriteFrame(pcm []int16) error
}

// Player decodes encoded audio chunks into a strictly FIFO queue and plays
// them serially through a sink. Transitions idle->playing happen only when a
// segment starts on an empty queue, playing->idle only when the queue drains.
type Player struct {
	sink    Sink
	format  Format
	onStart func()
	onEnd   func()

	mu      sync.Mutex
	queue   [][]int16
	playing bool
	gen     int
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithFormat sets the decode format for enqueued chunks.
func WithFormat(f Format) PlayerOption { return func(p *Player) { p.format = f } }

// WithPlaybackEvents installs callbacks for the idle->playing and
// playing->idle edges. Either may be nil.
func WithPlaybackEvents(onStart, onEnd func()) PlayerOption {
	return func(p *Player) { p.onStart, p.onEnd = onStart, onEnd }
}

// NewPlayer constructs a playback unit writing to sink.
func NewPlayer(sink Sink, opts ...PlayerOption) *Player {
	p := &Player{sink: sink}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports idle or playing.
func (p *Player) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return StatePlaying
	}
	return StateIdle
}

// QueueLen reports the number of segments not yet started.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Enqueue decodes a base64 chunk and appends it to the queue, starting
// playback immediately when idle. Decode failures drop the single chunk.
func (p *Player) Enqueue(b64 string) error {
	samples, err := DecodeChunk(b64, p.format)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	p.EnqueueSamples(samples)
	return nil
}

// EnqueueSamples appends an already decoded segment.
func (p *Player) EnqueueSamples(samples []int16) {
	p.mu.Lock()
	p.queue = append(p.queue, samples)
	start := !p.playing
	if start {
		p.playing = true
	}
	gen := p.gen
	p.mu.Unlock()

	if start {
		if p.onStart != nil {
			p.onStart()
		}
		go p.run(gen)
	}
}

// resetter is implemented by sinks that buffer ahead (PacedSink); Clear
// propagates barge-in to them so queued frames stop immediately.
type resetter interface{ Reset() }

// flusher is implemented by sinks that hold a partial frame; the natural end
// of playback pads it out so trailing samples are not stuck.
type flusher interface{ FlushTail() }

// Clear aborts any in-flight segment and empties the queue, firing the
// playback-end callback exactly once if playing. Calling Clear while idle has
// no observable effect.
func (p *Player) Clear() {
	p.mu.Lock()
	if !p.playing {
		p.queue = nil
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.queue = nil
	p.gen++
	p.mu.Unlock()
	if r, ok := p.sink.(resetter); ok {
		r.Reset()
	}
	if p.onEnd != nil {
		p.onEnd()
	}
}

// run drains the queue serially. A generation bump from Clear ends the run
// silently; the natural drain fires the playback-end callback here.
func (p *Player) run(gen int) {
	for {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.playing = false
			p.mu.Unlock()
			if f, ok := p.sink.(flusher); ok {
				f.FlushTail()
			}
			if p.onEnd != nil {
				p.onEnd()
			}
			return
		}
		seg := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		for off := 0; off < len(seg); off += playFrameSamples {
			p.mu.Lock()
			stale := gen != p.gen
			p.mu.Unlock()
			if stale {
				return
			}
			end := off + playFrameSamples
			if end > len(seg) {
				end = len(seg)
			}
			if p.sink != nil {
				if err := p.sink.WriteFrame(seg[off:end]); err != nil {
					log.Printf("playback: sink write: %v", err)
				}
			}
		}
	}
}
