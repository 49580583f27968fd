// Package bus implements the per-conversation audio routing graph: one human
// input source, one "ear" (input mixing point) per participant, one gain-staged
// "mouth" (output source) per participant, and a shared local speaker sink.
// The graph simulates a shared room: the human fans out to every ear, every
// registered output fans out to every other ear and the speaker, and a
// participant's output is never routed back into its own ear.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxdcmn/vibe-council/internal/audio"
)

// MixInterval is the mixing cadence: one 20ms frame per tick at 16kHz.
const MixInterval = 20 * time.Millisecond

// mixFrameSamples is the per-tick frame length.
const mixFrameSamples = 320

// HumanID is the reserved source id of the human microphone.
const HumanID = "human"

// maxQueuedSamples bounds each edge queue (~2s at 16kHz); the oldest samples
// are dropped on overflow.
const maxQueuedSamples = 2 * audio.SampleRate

// Edge is a directed gain-controlled connection in the graph, reported for
// inspection. Dst is a participant id or SpeakerID.
type Edge struct {
	Src string
	Dst string
}

// SpeakerID is the Dst of edges feeding the local speaker sink.
const SpeakerID = "speaker"

type sampleQueue struct {
	samples []int16
}

func (q *sampleQueue) push(frame []int16) {
	q.samples = append(q.samples, frame...)
	if over := len(q.samples) - maxQueuedSamples; over > 0 {
		q.samples = q.samples[over:]
	}
}

// pop removes up to n samples, reporting whether any were available.
func (q *sampleQueue) pop(n int) ([]int16, bool) {
	if len(q.samples) == 0 {
		return nil, false
	}
	if n > len(q.samples) {
		n = len(q.samples)
	}
	out := q.samples[:n]
	q.samples = q.samples[n:]
	return out, true
}

// gainStage ramps a participant's output gain linearly per mix tick instead of
// snapping, avoiding audible clicks on mute/unmute.
type gainStage struct {
	current float64
	target  float64
	step    float64
}

func (g *gainStage) set(value float64, ramp time.Duration) {
	g.target = value
	if ramp <= 0 {
		g.current = value
		g.step = 0
		return
	}
	ticks := float64(ramp / MixInterval)
	if ticks < 1 {
		ticks = 1
	}
	g.step = (g.target - g.current) / ticks
}

func (g *gainStage) advance() {
	if g.step == 0 {
		return
	}
	g.current += g.step
	if (g.step > 0 && g.current >= g.target) || (g.step < 0 && g.current <= g.target) {
		g.current = g.target
		g.step = 0
	}
}

type participant struct {
	id         string
	earSink    func(frame []int16)
	earSources map[string]*sampleQueue
	spkQueue   *sampleQueue
	gain       gainStage
	level      float64
	registered bool
}

// Bus is the routing graph. All node mutation goes through its methods; the
// turn coordinator only ever calls SetGain.
type Bus struct {
	mu             sync.Mutex
	speaker        audio.Sink
	parts          map[string]*participant
	order          []string
	humanConnected bool
}

// New constructs a routing graph delivering mixed participant output to the
// local speaker sink. speaker may be nil (no local monitor).
func New(speaker audio.Sink) *Bus {
	return &Bus{speaker: speaker, parts: map[string]*participant{}}
}

// CreateParticipant allocates an ear and an output slot for id.
func (b *Bus) CreateParticipant(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.parts[id]; ok {
		return fmt.Errorf("bus: participant %q already exists", id)
	}
	p := &participant{
		id:         id,
		earSources: map[string]*sampleQueue{},
		gain:       gainStage{current: 1, target: 1},
	}
	if b.humanConnected {
		p.earSources[HumanID] = &sampleQueue{}
	}
	for _, other := range b.parts {
		if other.registered {
			p.earSources[other.id] = &sampleQueue{}
		}
	}
	b.parts[id] = p
	b.order = append(b.order, id)
	return nil
}

// SetEarSink installs the consumer of id's mixed input frames (typically the
// session's outbound audio path). Unknown ids are a no-op.
func (b *Bus) SetEarSink(id string, sink func(frame []int16)) {
	b.mu.Lock()
	if p, ok := b.parts[id]; ok {
		p.earSink = sink
	}
	b.mu.Unlock()
}

// ConnectHumanInput fans the human microphone into every current and future
// participant's ear. The pump stops when src is closed.
func (b *Bus) ConnectHumanInput(src <-chan []int16) {
	b.mu.Lock()
	b.humanConnected = true
	for _, p := range b.parts {
		if _, ok := p.earSources[HumanID]; !ok {
			p.earSources[HumanID] = &sampleQueue{}
		}
	}
	b.mu.Unlock()
	go func() {
		for frame := range src {
			b.PushHuman(frame)
		}
	}()
}

// PushHuman delivers one microphone frame to every participant's ear.
func (b *Bus) PushHuman(frame []int16) {
	b.mu.Lock()
	b.humanConnected = true
	for _, p := range b.parts {
		q, ok := p.earSources[HumanID]
		if !ok {
			q = &sampleQueue{}
			p.earSources[HumanID] = q
		}
		q.push(frame)
	}
	b.mu.Unlock()
}

// RegisterOutput wires id's raw output through its gain stage to the speaker
// sink and every other participant's ear. Self-routing is excluded. The pump
// stops when src is closed.
func (b *Bus) RegisterOutput(id string, src <-chan []int16) error {
	b.mu.Lock()
	p, ok := b.parts[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("bus: unknown participant %q", id)
	}
	if !p.registered {
		p.registered = true
		p.spkQueue = &sampleQueue{}
		for _, other := range b.parts {
			if other.id == id {
				continue
			}
			if _, ok := other.earSources[id]; !ok {
				other.earSources[id] = &sampleQueue{}
			}
		}
	}
	b.mu.Unlock()
	if src != nil {
		go func() {
			for frame := range src {
				b.PushOutput(id, frame)
			}
		}()
	}
	return nil
}

// PushOutput delivers one output frame from id into the graph. Frames from
// unknown or unregistered participants update nothing.
func (b *Bus) PushOutput(id string, frame []int16) {
	b.mu.Lock()
	p, ok := b.parts[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	p.level = audio.MeanAbs(frame)
	if !p.registered {
		b.mu.Unlock()
		return
	}
	p.spkQueue.push(frame)
	for _, other := range b.parts {
		if other.id == id {
			continue
		}
		if q, ok := other.earSources[id]; ok {
			q.push(frame)
		}
	}
	b.mu.Unlock()
}

// SetGain ramps id's output gain toward value over ramp. Unknown ids are a
// no-op.
func (b *Bus) SetGain(id string, value float64, ramp time.Duration) {
	b.mu.Lock()
	if p, ok := b.parts[id]; ok {
		p.gain.set(value, ramp)
	}
	b.mu.Unlock()
}

// Gain reports id's current (possibly mid-ramp) output gain.
func (b *Bus) Gain(id string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.parts[id]; ok {
		return p.gain.current
	}
	return 0
}

// OutputLevel reports the amplitude proxy of id's most recent output frame.
func (b *Bus) OutputLevel(id string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.parts[id]; ok {
		return p.level
	}
	return 0
}

// RemoveParticipant disconnects and releases every edge touching id. Unknown
// ids are a no-op.
func (b *Bus) RemoveParticipant(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.parts[id]; !ok {
		return
	}
	delete(b.parts, id)
	for i, pid := range b.order {
		if pid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	for _, other := range b.parts {
		delete(other.earSources, id)
	}
}

// Edges reports the current directed edge set for inspection.
func (b *Bus) Edges() []Edge {
	b.mu.Lock()
	defer b.mu.Unlock()
	var edges []Edge
	for _, dst := range b.order {
		p := b.parts[dst]
		for src := range p.earSources {
			edges = append(edges, Edge{Src: src, Dst: dst})
		}
	}
	for _, src := range b.order {
		if b.parts[src].registered {
			edges = append(edges, Edge{Src: src, Dst: SpeakerID})
		}
	}
	return edges
}

// MixOnce advances gain ramps and mixes one frame per ear and for the
// speaker. Exposed so tests can drive the graph deterministically; Start runs
// it on the real-time cadence.
func (b *Bus) MixOnce() {
	b.mu.Lock()
	for _, p := range b.parts {
		p.gain.advance()
	}

	type delivery struct {
		sink  func([]int16)
		frame []int16
	}
	var out []delivery

	for _, id := range b.order {
		p := b.parts[id]
		mix := make([]int32, mixFrameSamples)
		any := false
		for src, q := range p.earSources {
			chunk, ok := q.pop(mixFrameSamples)
			if !ok {
				continue
			}
			any = true
			g := 1.0
			if src != HumanID {
				if sp, ok := b.parts[src]; ok {
					g = sp.gain.current
				}
			}
			for i, s := range chunk {
				mix[i] += int32(float64(s) * g)
			}
		}
		if any && p.earSink != nil {
			out = append(out, delivery{sink: p.earSink, frame: clampMix(mix)})
		}
	}

	mix := make([]int32, mixFrameSamples)
	any := false
	for _, id := range b.order {
		p := b.parts[id]
		if !p.registered {
			continue
		}
		chunk, ok := p.spkQueue.pop(mixFrameSamples)
		if !ok {
			// No frame this tick means the participant went quiet; the level
			// must follow, or the coordinator would see speech forever.
			p.level = 0
			continue
		}
		p.level = audio.MeanAbs(chunk)
		any = true
		for i, s := range chunk {
			mix[i] += int32(float64(s) * p.gain.current)
		}
	}
	if any && b.speaker != nil {
		frame := clampMix(mix)
		speaker := b.speaker
		out = append(out, delivery{sink: func(f []int16) { _ = speaker.WriteFrame(f) }, frame: frame})
	}
	b.mu.Unlock()

	// Deliver outside the lock so sinks may call back into the bus.
	for _, d := range out {
		d.sink(d.frame)
	}
}

// Start runs the mixer on the real-time cadence until ctx is done.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(MixInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.MixOnce()
			}
		}
	}()
}

func clampMix(mix []int32) []int16 {
	out := make([]int16, len(mix))
	for i, v := range mix {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
