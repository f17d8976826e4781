package registry

import (
	"sync/atomic"
	"time"
)

// EventKind classifies status feed events.
type EventKind string

const (
	EventDeviceState EventKind = "device_state"
	EventQuality     EventKind = "quality"
	EventSync        EventKind = "sync"
	EventSession     EventKind = "session"
	EventError       EventKind = "error"
)

// Event is one entry of the status feed.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	// State carries the new state name; Previous the old one for transitions.
	State    string `json:"state,omitempty"`
	Previous string `json:"previous,omitempty"`
	Message  string `json:"message,omitempty"`
	// ErrorKind is the error taxonomy kind for EventError.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Subscribe registers a subscriber with the given channel buffer. Slow
// subscribers lose events rather than stall publishers. The returned function
// unsubscribes and closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once atomic.Bool
	return ch, func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking.
func (r *Registry) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = r.clock.Now()
	}

	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&r.dropped, 1)
		}
	}
}

// DroppedEvents returns how many events slow subscribers missed.
func (r *Registry) DroppedEvents() uint64 {
	return atomic.LoadUint64(&r.dropped)
}
