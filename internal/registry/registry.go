// Package registry tracks registered agents, limits audible output to one
// holder at a time via a permission queue, and keeps a short conversation
// history for prompt context.
package registry

import (
	"log"
	"strings"
	"sync"
	"time"
)

// DefaultTransitionDelay is the fixed pause enforced between one holder
// releasing output permission and the next being granted it.
const DefaultTransitionDelay = 800 * time.Millisecond

// contextMessages is how many recent messages Context includes.
const contextMessages = 10

// Message is one agent utterance kept in the conversation history.
type Message struct {
	AgentID   string
	AgentName string
	Text      string
	Timestamp time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	transitionDelay time.Duration

	mu              sync.Mutex
	names           map[string]string
	holder          string
	waiting         []string
	callbacks       map[string]func()
	lastReleaseTime time.Time
	transitionTimer *time.Timer
	messages        []Message
}

// New constructs a registry with the given transition delay; zero selects the
// default.
func New(transitionDelay time.Duration) *Registry {
	if transitionDelay <= 0 {
		transitionDelay = DefaultTransitionDelay
	}
	return &Registry{
		transitionDelay: transitionDelay,
		names:           map[string]string{},
		callbacks:       map[string]func(){},
	}
}

// RegisterAgent records an agent id and display name.
func (r *Registry) RegisterAgent(id, name string) {
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	log.Printf("registry: registered agent %s (%s)", name, id)
}

// Agents lists registered agent ids and names.
func (r *Registry) Agents() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.names))
	for id, name := range r.names {
		out[id] = name
	}
	return out
}

// RequestOutputPermission returns true immediately when no one holds output
// permission or the requester already holds it. Otherwise the requester is
// queued (deduplicated) and onGranted, if non-nil, is invoked once permission
// is granted later.
func (r *Registry) RequestOutputPermission(id string, onGranted func()) bool {
	r.mu.Lock()
	if r.holder == "" || r.holder == id {
		r.holder = id
		r.removeWaitingLocked(id)
		delete(r.callbacks, id)
		r.mu.Unlock()
		return true
	}
	if onGranted != nil && !r.isWaitingLocked(id) {
		r.waiting = append(r.waiting, id)
		r.callbacks[id] = onGranted
		log.Printf("registry: %s queued for output permission (position %d)", id, len(r.waiting))
	}
	r.mu.Unlock()
	return false
}

// HasOutputPermission reports whether id currently holds output permission.
func (r *Registry) HasOutputPermission(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder == id
}

// ReleaseOutputPermission clears the holder only if it matches id, stamps the
// release time, and grants the head of the waiting queue after the transition
// delay.
func (r *Registry) ReleaseOutputPermission(id string) {
	r.mu.Lock()
	if r.holder != id {
		r.mu.Unlock()
		return
	}
	r.releaseLocked()
	r.mu.Unlock()
}

// UnregisterAgent removes id from every tracking structure. If it held output
// permission the usual release-and-advance sequence runs.
func (r *Registry) UnregisterAgent(id string) {
	r.mu.Lock()
	delete(r.names, id)
	r.removeWaitingLocked(id)
	delete(r.callbacks, id)
	if r.holder == id {
		r.releaseLocked()
	}
	r.mu.Unlock()
}

// releaseLocked assumes r.mu is held and the caller verified the holder.
func (r *Registry) releaseLocked() {
	r.holder = ""
	r.lastReleaseTime = time.Now()
	if r.transitionTimer != nil {
		r.transitionTimer.Stop()
		r.transitionTimer = nil
	}
	if len(r.waiting) == 0 {
		return
	}
	next := r.waiting[0]
	r.transitionTimer = time.AfterFunc(r.transitionDelay, func() { r.grantNext(next) })
}

// grantNext fires after the transition delay; the grant only happens when the
// candidate is still at the head of the queue and the floor is still free.
func (r *Registry) grantNext(id string) {
	r.mu.Lock()
	r.transitionTimer = nil
	if r.holder != "" || len(r.waiting) == 0 || r.waiting[0] != id {
		r.mu.Unlock()
		return
	}
	r.holder = id
	r.waiting = r.waiting[1:]
	cb := r.callbacks[id]
	delete(r.callbacks, id)
	r.mu.Unlock()

	log.Printf("registry: output permission granted to %s after transition delay", id)
	if cb != nil {
		cb()
	}
}

func (r *Registry) isWaitingLocked(id string) bool {
	for _, w := range r.waiting {
		if w == id {
			return true
		}
	}
	return false
}

func (r *Registry) removeWaitingLocked(id string) {
	for i, w := range r.waiting {
		if w == id {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// AddMessage appends an utterance to the conversation history.
func (r *Registry) AddMessage(agentID, text string) {
	r.mu.Lock()
	name := r.names[agentID]
	if name == "" {
		name = agentID
	}
	r.messages = append(r.messages, Message{
		AgentID:   agentID,
		AgentName: name,
		Text:      text,
		Timestamp: time.Now(),
	})
	r.mu.Unlock()
}

// Context formats the recent conversation for prompt injection.
func (r *Registry) Context() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return "This is the start of the conversation."
	}
	recent := r.messages
	if len(recent) > contextMessages {
		recent = recent[len(recent)-contextMessages:]
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for i, m := range recent {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.AgentName)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}
