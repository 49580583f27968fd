package turn

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeGains records SetGain calls and serves scripted output levels.
type fakeGains struct {
	mu     sync.Mutex
	levels map[string]float64
	gains  map[string]float64
}

func newFakeGains() *fakeGains {
	return &fakeGains{levels: map[string]float64{}, gains: map[string]float64{}}
}

func (f *fakeGains) SetGain(id string, value float64, ramp time.Duration) {
	f.mu.Lock()
	f.gains[id] = value
	f.mu.Unlock()
}

func (f *fakeGains) OutputLevel(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[id]
}

func (f *fakeGains) setLevel(id string, v float64) {
	f.mu.Lock()
	f.levels[id] = v
	f.mu.Unlock()
}

func (f *fakeGains) gain(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gains[id]
	if !ok {
		return 1
	}
	return g
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (n *fakeNotifier) SendContextUpdate(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.texts = append(n.texts, text)
	return nil
}

func (n *fakeNotifier) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

func threeAgents(g *fakeGains) (*Coordinator, *fakeNotifier, *fakeNotifier, *fakeNotifier) {
	c := New(g, Options{})
	na, nb, nc := &fakeNotifier{}, &fakeNotifier{}, &fakeNotifier{}
	c.Track("a", "Sage", na)
	c.Track("b", "Cynic", nb)
	c.Track("c", "Chair", nc)
	return c, na, nb, nc
}

func TestCoordinator_GrantsFloorOnThresholdCrossing(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)
	now := time.Now()

	g.setLevel("b", 800)
	c.Poll(now)

	if got := c.ActiveSpeaker(); got != "b" {
		t.Fatalf("active speaker: %q", got)
	}
	if g.gain("a") != 0 || g.gain("c") != 0 {
		t.Fatalf("non-speakers not muted: a=%v c=%v", g.gain("a"), g.gain("c"))
	}
	if g.gain("b") != 1 {
		t.Fatalf("speaker muted: %v", g.gain("b"))
	}
}

func TestCoordinator_TieBreaksByTrackingOrder(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)

	g.setLevel("a", 900)
	g.setLevel("b", 2000)
	c.Poll(time.Now())

	// Both cross the threshold at once; the earlier registration wins even
	// though it is quieter.
	if got := c.ActiveSpeaker(); got != "a" {
		t.Fatalf("tie went to %q", got)
	}
}

func TestCoordinator_HolderKeepsFloorWhileActive(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)
	now := time.Now()

	g.setLevel("a", 800)
	c.Poll(now)

	// b gets loud while a still holds the floor: no preemption.
	g.setLevel("b", 3000)
	c.Poll(now.Add(100 * time.Millisecond))
	if got := c.ActiveSpeaker(); got != "a" {
		t.Fatalf("floor preempted by %q", got)
	}
}

func TestCoordinator_SilenceReleasesAfterTimeoutNotBefore(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)
	t0 := time.Now()

	g.setLevel("a", 800)
	c.Poll(t0)

	g.setLevel("a", 0)
	c.Poll(t0.Add(999 * time.Millisecond))
	if got := c.ActiveSpeaker(); got != "a" {
		t.Fatalf("floor released before the timeout (active=%q)", got)
	}

	c.Poll(t0.Add(time.Second))
	if got := c.ActiveSpeaker(); got != "" {
		t.Fatalf("floor not released at the timeout (active=%q)", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		if g.gain(id) != 1 {
			t.Fatalf("gain of %s not restored: %v", id, g.gain(id))
		}
	}
}

func TestCoordinator_ActivityRefreshesSilenceWindow(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)
	t0 := time.Now()

	g.setLevel("a", 800)
	c.Poll(t0)

	// Still loud at t0+900ms refreshes the window; silence then runs from
	// there, so t0+1.5s is too early to release.
	c.Poll(t0.Add(900 * time.Millisecond))
	g.setLevel("a", 0)
	c.Poll(t0.Add(1500 * time.Millisecond))
	if got := c.ActiveSpeaker(); got != "a" {
		t.Fatalf("refreshed floor released early (active=%q)", got)
	}
	c.Poll(t0.Add(1900 * time.Millisecond))
	if got := c.ActiveSpeaker(); got != "" {
		t.Fatalf("floor not released after refreshed window (active=%q)", got)
	}
}

func TestCoordinator_ThreeAgentHandoff(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)
	t0 := time.Now()

	g.setLevel("a", 800)
	c.Poll(t0)
	if c.ActiveSpeaker() != "a" {
		t.Fatalf("first grant failed")
	}

	// a falls silent, b is already talking; b takes over only once a's
	// silence window expires.
	g.setLevel("a", 0)
	g.setLevel("b", 1200)
	c.Poll(t0.Add(500 * time.Millisecond))
	if c.ActiveSpeaker() != "a" {
		t.Fatalf("b preempted a mid-window")
	}
	c.Poll(t0.Add(1100 * time.Millisecond))
	if c.ActiveSpeaker() != "" {
		t.Fatalf("a's floor not released")
	}
	c.Poll(t0.Add(1200 * time.Millisecond))
	if c.ActiveSpeaker() != "b" {
		t.Fatalf("b did not take the free floor")
	}
	if g.gain("a") != 0 || g.gain("c") != 0 || g.gain("b") != 1 {
		t.Fatalf("gains after handoff: a=%v b=%v c=%v", g.gain("a"), g.gain("b"), g.gain("c"))
	}
}

func TestCoordinator_FocusAgentTogglesAndBroadcasts(t *testing.T) {
	g := newFakeGains()
	c, na, nb, nc := threeAgents(g)

	c.FocusAgent("b")
	if c.ActiveSpeaker() != "b" {
		t.Fatalf("focus did not grant floor")
	}
	if g.gain("a") != 0 || g.gain("c") != 0 {
		t.Fatalf("focus did not mute others")
	}

	// Everyone except the focused agent hears the notice.
	want := "Cynic has been given the floor"
	if got := na.received(); len(got) != 1 || got[0] != want {
		t.Fatalf("a's notices: %v", got)
	}
	if got := nc.received(); len(got) != 1 || got[0] != want {
		t.Fatalf("c's notices: %v", got)
	}
	if got := nb.received(); len(got) != 0 {
		t.Fatalf("focused agent notified about itself: %v", got)
	}

	// Manual focus ignores silence timeouts.
	c.Poll(time.Now().Add(time.Hour))
	if c.ActiveSpeaker() != "b" {
		t.Fatalf("manual focus expired by silence")
	}

	// Focusing the same agent again releases the floor.
	c.FocusAgent("b")
	if c.ActiveSpeaker() != "" {
		t.Fatalf("focus toggle did not release")
	}
	for _, id := range []string{"a", "b", "c"} {
		if g.gain(id) != 1 {
			t.Fatalf("gain of %s not restored: %v", id, g.gain(id))
		}
	}
}

func TestCoordinator_FocusSwitchesBetweenAgents(t *testing.T) {
	g := newFakeGains()
	c, na, _, _ := threeAgents(g)

	c.FocusAgent("b")
	c.FocusAgent("c")
	if c.ActiveSpeaker() != "c" {
		t.Fatalf("refocus failed: %q", c.ActiveSpeaker())
	}
	if g.gain("b") != 0 || g.gain("c") != 1 {
		t.Fatalf("refocus gains: b=%v c=%v", g.gain("b"), g.gain("c"))
	}
	if got := na.received(); len(got) != 2 {
		t.Fatalf("a's notices: %v", got)
	}
}

func TestCoordinator_FocusUnknownAgentIsNoop(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)
	c.FocusAgent("ghost")
	if c.ActiveSpeaker() != "" {
		t.Fatalf("unknown focus granted floor")
	}
}

func TestCoordinator_UntrackActiveReleasesFloor(t *testing.T) {
	g := newFakeGains()
	c, _, _, _ := threeAgents(g)

	g.setLevel("a", 800)
	c.Poll(time.Now())
	c.Untrack("a")

	if c.ActiveSpeaker() != "" {
		t.Fatalf("floor survived untrack")
	}
	if g.gain("b") != 1 || g.gain("c") != 1 {
		t.Fatalf("gains not restored after untrack")
	}
}

func TestCoordinator_NotifierErrorDoesNotBlockGrant(t *testing.T) {
	g := newFakeGains()
	c := New(g, Options{})
	bad := &fakeNotifier{err: errors.New("session closed")}
	c.Track("a", "Sage", bad)
	c.Track("b", "Cynic", nil)

	c.FocusAgent("b")
	if c.ActiveSpeaker() != "b" {
		t.Fatalf("grant blocked by notifier error")
	}
}
