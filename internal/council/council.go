// Package council is the top-level session controller: it owns the agents,
// wires each agent session with its collaborators up front, and connects the
// routing graph, turn coordinator and conversation registry.
package council

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/maxdcmn/vibe-council/internal/audio"
	"github.com/maxdcmn/vibe-council/internal/bus"
	"github.com/maxdcmn/vibe-council/internal/registry"
	"github.com/maxdcmn/vibe-council/internal/session"
	"github.com/maxdcmn/vibe-council/internal/turn"
)

// Agent is one live council member. The council owns it exclusively; the
// coordinator and routing graph only ever hold its id.
type Agent struct {
	ID      string
	Persona Persona
	Session *session.Session
	Player  *audio.Player

	mouth *audio.PacedSink
}

// Observer receives coarse per-agent connection-state changes.
type Observer func(agentID string, state session.ConnState, notice string)

// Council coordinates up to maxAgents concurrent agents around one human.
type Council struct {
	issuer    session.Issuer
	maxAgents int
	mic       audio.Device
	dialer    *websocket.Dialer
	observer  Observer

	bus   *bus.Bus
	coord *turn.Coordinator
	reg   *registry.Registry

	mu       sync.Mutex
	agents   map[string]*Agent
	reserved int
	capture  *audio.Capture
	cancel   context.CancelFunc
}

// Option configures a Council.
type Option func(*options)

type options struct {
	speaker         audio.Sink
	maxAgents       int
	mic             audio.Device
	dialer          *websocket.Dialer
	observer        Observer
	turnOpts        turn.Options
	transitionDelay time.Duration
}

// WithSpeaker sets the local speaker sink for mixed agent output.
func WithSpeaker(s audio.Sink) Option { return func(o *options) { o.speaker = s } }

// WithMaxAgents bounds the number of concurrent agents.
func WithMaxAgents(n int) Option { return func(o *options) { o.maxAgents = n } }

// WithMicrophone sets the human input device.
func WithMicrophone(d audio.Device) Option { return func(o *options) { o.mic = d } }

// WithDialer overrides the session WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithObserver subscribes to per-agent state changes.
func WithObserver(fn Observer) Option { return func(o *options) { o.observer = fn } }

// WithTurnOptions tunes the turn coordinator.
func WithTurnOptions(t turn.Options) Option { return func(o *options) { o.turnOpts = t } }

// WithTransitionDelay tunes the registry's speaker transition pause.
func WithTransitionDelay(d time.Duration) Option { return func(o *options) { o.transitionDelay = d } }

// New constructs a council around a signed-URL issuer.
func New(issuer session.Issuer, opts ...Option) *Council {
	o := &options{maxAgents: 6}
	for _, opt := range opts {
		opt(o)
	}
	b := bus.New(o.speaker)
	return &Council{
		issuer:    issuer,
		maxAgents: o.maxAgents,
		mic:       o.mic,
		dialer:    o.dialer,
		observer:  o.observer,
		bus:       b,
		coord:     turn.New(b, o.turnOpts),
		reg:       registry.New(o.transitionDelay),
		agents:    map[string]*Agent{},
	}
}

// Bus exposes the routing graph (read-mostly: gains, edges, levels).
func (c *Council) Bus() *bus.Bus { return c.bus }

// Registry exposes the conversation registry.
func (c *Council) Registry() *registry.Registry { return c.reg }

// Coordinator exposes the turn coordinator.
func (c *Council) Coordinator() *turn.Coordinator { return c.coord }

// Start runs the mixer, the coordinator poll loop and, when a microphone is
// configured, the shared human capture. A capture failure is returned as a
// *audio.DeviceError and leaves the rest running.
func (c *Council) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.bus.Start(runCtx)
	c.coord.Start(runCtx)

	if c.mic == nil {
		return nil
	}
	capture := audio.NewCapture(c.mic, func(pcm []byte) {
		c.bus.PushHuman(audio.UnmarshalPCM16(pcm))
	})
	if err := capture.Start(runCtx); err != nil {
		return err
	}
	c.mu.Lock()
	c.capture = capture
	c.mu.Unlock()
	return nil
}

// SetMicMuted toggles the human microphone gate.
func (c *Council) SetMicMuted(muted bool) {
	c.mu.Lock()
	capture := c.capture
	c.mu.Unlock()
	if capture != nil {
		capture.SetMuted(muted)
	}
}

// AddAgent creates an agent for the persona, wires it into the routing graph,
// coordinator and registry, and returns it without connecting. The council
// bound is enforced here.
func (c *Council) AddAgent(persona Persona) (*Agent, error) {
	// Reserve a slot before wiring so concurrent adds cannot exceed the bound.
	c.mu.Lock()
	if len(c.agents)+c.reserved >= c.maxAgents {
		c.mu.Unlock()
		return nil, fmt.Errorf("council is full (max %d agents)", c.maxAgents)
	}
	c.reserved++
	c.mu.Unlock()
	unreserve := func() {
		c.mu.Lock()
		c.reserved--
		c.mu.Unlock()
	}

	id := uuid.New().String()
	if err := c.bus.CreateParticipant(id); err != nil {
		unreserve()
		return nil, err
	}
	if err := c.bus.RegisterOutput(id, nil); err != nil {
		c.bus.RemoveParticipant(id)
		unreserve()
		return nil, err
	}

	// Decoded agent audio flows through the playback unit, paced to real
	// time, into the graph, which fans it to the speaker and every other
	// agent's ear. Without pacing a long utterance would overflow the edge
	// queues and drop audio.
	mouth := audio.NewPacedSink(mouthSink{bus: c.bus, id: id})
	player := audio.NewPlayer(
		mouth,
		audio.WithFormat(persona.AudioFormat),
		audio.WithPlaybackEvents(
			func() { c.reg.RequestOutputPermission(id, nil) },
			func() { c.reg.ReleaseOutputPermission(id) },
		),
	)

	sess := session.New(session.Config{
		ID:     id,
		Name:   persona.Name,
		Issuer: c.issuer,
		Player: player,
		Dialer: c.dialer,
		OnStateChange: func(state session.ConnState, notice string) {
			if c.observer != nil {
				c.observer(id, state, notice)
			}
		},
		OnAgentResponse: func(text string) {
			c.reg.AddMessage(id, text)
		},
	})

	// The agent's ear: mixed room audio (human plus other agents) forwarded
	// over its socket.
	c.bus.SetEarSink(id, func(frame []int16) {
		// Dropped when the session is not connected; the room keeps mixing.
		_ = sess.SendAudio(audio.MarshalPCM16(frame))
	})

	c.coord.Track(id, persona.Name, sess)
	c.reg.RegisterAgent(id, persona.Name)

	agent := &Agent{ID: id, Persona: persona, Session: sess, Player: player, mouth: mouth}
	c.mu.Lock()
	c.agents[id] = agent
	c.reserved--
	c.mu.Unlock()
	log.Printf("council: added agent %s (%s)", persona.Name, id)
	return agent, nil
}

// Connect opens the agent's session.
func (c *Council) Connect(ctx context.Context, id string) error {
	c.mu.Lock()
	agent, ok := c.agents[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("council: unknown agent %q", id)
	}
	return agent.Session.Connect(ctx)
}

// RemoveAgent disconnects and releases everything touching id. Unknown ids
// are a no-op.
func (c *Council) RemoveAgent(id string) {
	c.mu.Lock()
	agent, ok := c.agents[id]
	delete(c.agents, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	agent.Session.Disconnect()
	agent.Player.Clear()
	agent.mouth.Close()
	c.coord.Untrack(id)
	c.reg.UnregisterAgent(id)
	c.bus.RemoveParticipant(id)
	log.Printf("council: removed agent %s", id)
}

// FocusAgent toggles a manual floor grant for id.
func (c *Council) FocusAgent(id string) { c.coord.FocusAgent(id) }

// Agents snapshots the current members.
func (c *Council) Agents() []*Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out
}

// Shutdown disconnects every agent and stops the shared capture and loops.
func (c *Council) Shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	capture := c.capture
	agents := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.Unlock()

	for _, a := range agents {
		c.RemoveAgent(a.ID)
	}
	if capture != nil {
		capture.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// mouthSink adapts the routing graph to the playback unit's sink contract.
type mouthSink struct {
	bus *bus.Bus
	id  string
}

func (m mouthSink) WriteFrame(pcm []int16) error {
	m.bus.PushOutput(m.id, pcm)
	return nil
}
