// Package turn decides which single agent holds the floor at any instant and
// drives the routing graph's gains so only the active speaker stays audible.
package turn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Defaults for the floor logic. Both are configurable per deployment via
// Options; the defaults match the reviewed tuning.
const (
	DefaultThreshold      = 500.0
	DefaultSilenceTimeout = time.Second
	DefaultPollInterval   = 33 * time.Millisecond
	DefaultGainRamp       = 300 * time.Millisecond
)

// GainController mutates output gains on the routing graph. The coordinator
// never touches audio nodes directly.
type GainController interface {
	SetGain(id string, value float64, ramp time.Duration)
	OutputLevel(id string) float64
}

// Notifier delivers a short contextual notice to one agent's session over its
// control channel.
type Notifier interface {
	SendContextUpdate(text string) error
}

// Options tunes the coordinator.
type Options struct {
	Threshold      float64       // amplitude proxy above which an agent counts as speaking
	SilenceTimeout time.Duration // floor release after this much inactivity
	PollInterval   time.Duration
	GainRamp       time.Duration
}

func (o *Options) fill() {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.SilenceTimeout == 0 {
		o.SilenceTimeout = DefaultSilenceTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.GainRamp == 0 {
		o.GainRamp = DefaultGainRamp
	}
}

type tracked struct {
	id     string
	name   string
	notify Notifier
}

// Coordinator polls per-agent amplitude on a fixed cadence and manages the
// floor: at most one active speaker, granted on threshold crossing, refreshed
// by continued activity, released after the silence timeout. Ties are broken
// by tracking order, deterministically.
type Coordinator struct {
	gains GainController
	opts  Options

	mu           sync.Mutex
	agents       []*tracked
	active       string
	manual       bool
	lastActivity time.Time
}

// New constructs a coordinator over the given gain controller.
func New(gains GainController, opts Options) *Coordinator {
	opts.fill()
	return &Coordinator{gains: gains, opts: opts}
}

// Track registers an agent for amplitude polling. notify may be nil.
func (c *Coordinator) Track(id, name string, notify Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.agents {
		if a.id == id {
			a.name = name
			a.notify = notify
			return
		}
	}
	c.agents = append(c.agents, &tracked{id: id, name: name, notify: notify})
}

// Untrack removes an agent; if it held the floor the floor is released.
func (c *Coordinator) Untrack(id string) {
	c.mu.Lock()
	for i, a := range c.agents {
		if a.id == id {
			c.agents = append(c.agents[:i], c.agents[i+1:]...)
			break
		}
	}
	release := c.active == id
	c.mu.Unlock()
	if release {
		c.releaseFloor()
	}
}

// ActiveSpeaker reports the current floor holder, or "" when the floor is free.
func (c *Coordinator) ActiveSpeaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Poll runs one floor decision at the given instant. Decisions are
// last-write-wins per call; Start drives it on the real cadence and tests
// call it directly with synthetic clocks.
func (c *Coordinator) Poll(now time.Time) {
	c.mu.Lock()
	active := c.active
	manual := c.manual
	c.mu.Unlock()

	if active == "" {
		for _, a := range c.snapshot() {
			if c.gains.OutputLevel(a.id) > c.opts.Threshold {
				c.grantFloor(a.id, now, false)
				return
			}
		}
		return
	}
	if manual {
		// A manual focus holds until toggled off.
		return
	}
	if c.gains.OutputLevel(active) > c.opts.Threshold {
		c.mu.Lock()
		if c.active == active {
			c.lastActivity = now
		}
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	expired := c.active == active && now.Sub(c.lastActivity) >= c.opts.SilenceTimeout
	c.mu.Unlock()
	if expired {
		c.releaseFloor()
	}
}

// FocusAgent forcibly grants the floor to id, or releases it when id is
// already the focused speaker. On grant, other connected sessions receive a
// contextual notice naming the new floor holder.
func (c *Coordinator) FocusAgent(id string) {
	c.mu.Lock()
	toggleOff := c.manual && c.active == id
	known := false
	for _, a := range c.agents {
		if a.id == id {
			known = true
			break
		}
	}
	c.mu.Unlock()
	if !known {
		return
	}
	if toggleOff {
		c.releaseFloor()
		return
	}
	c.grantFloor(id, time.Now(), true)
}

func (c *Coordinator) grantFloor(id string, now time.Time, manual bool) {
	c.mu.Lock()
	c.active = id
	c.manual = manual
	c.lastActivity = now
	agents := c.snapshotLocked()
	var name string
	for _, a := range agents {
		if a.id == id {
			name = a.name
		}
	}
	c.mu.Unlock()

	log.Printf("turn: floor granted to %s (manual=%v)", id, manual)
	// The new holder may have been muted by an earlier grant (refocus without
	// an intervening release); its gain must come back up.
	for _, a := range agents {
		if a.id == id {
			c.gains.SetGain(a.id, 1, c.opts.GainRamp)
		} else {
			c.gains.SetGain(a.id, 0, c.opts.GainRamp)
		}
	}
	if manual {
		notice := fmt.Sprintf("%s has been given the floor", name)
		for _, a := range agents {
			if a.id == id || a.notify == nil {
				continue
			}
			if err := a.notify.SendContextUpdate(notice); err != nil {
				log.Printf("turn: context update to %s: %v", a.id, err)
			}
		}
	}
}

func (c *Coordinator) releaseFloor() {
	c.mu.Lock()
	c.active = ""
	c.manual = false
	agents := c.snapshotLocked()
	c.mu.Unlock()

	log.Printf("turn: floor released")
	for _, a := range agents {
		c.gains.SetGain(a.id, 1, c.opts.GainRamp)
	}
}

// Start polls on the configured cadence until ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				c.Poll(t)
			}
		}
	}()
}

func (c *Coordinator) snapshot() []*tracked {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() []*tracked {
	out := make([]*tracked, len(c.agents))
	copy(out, c.agents)
	return out
}
