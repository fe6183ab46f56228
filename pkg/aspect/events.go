package aspect

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a registry change.
type EventType string

const (
	EventWoven     EventType = "woven"
	EventUnwoven   EventType = "unwoven"
	EventRestored  EventType = "restored"
	EventExcluded  EventType = "excluded"
	EventEnabled   EventType = "enabled"
	EventDisabled  EventType = "disabled"
	EventExpired   EventType = "expired"
	EventCollected EventType = "collected"
)

// Event describes one registry change. Restored means the last advice left a
// target and its original binding is back in place.
type Event struct {
	Type      EventType   `json:"type"`
	Target    string      `json:"target,omitempty"`
	TargetID  uint64      `json:"target_id,omitempty"`
	Advices   []uuid.UUID `json:"advices,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Listener receives registry events. Handlers run synchronously on the
// goroutine that changed the registry, after its locks are released, and
// must not block.
type Listener interface {
	HandleEvent(event Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(event Event)

// HandleEvent calls the wrapped function.
func (f ListenerFunc) HandleEvent(event Event) { f(event) }

type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (r *listenerRegistry) register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *listenerRegistry) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	if len(r.listeners) == 0 {
		r.mu.RUnlock()
		return
	}
	// Copy listeners to release lock quickly
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, event := range events {
		for _, l := range listeners {
			l.HandleEvent(event)
		}
	}
}

func newEvent(typ EventType, t *Target, advices []*Advice) Event {
	ev := Event{Type: typ, Timestamp: time.Now()}
	if t != nil {
		ev.Target = t.QualifiedName()
		ev.TargetID = t.id
	}
	if len(advices) > 0 {
		ev.Advices = make([]uuid.UUID, len(advices))
		for i, a := range advices {
			ev.Advices[i] = a.id
		}
	}
	return ev
}
