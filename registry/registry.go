// Package registry is the shared context object of the controller: the device
// table, the current session record and the event bus. One Registry is created
// at startup and passed by reference to every component constructor.
//
// Device records are written only by the connection manager; every other
// component reads copies. Session records are written only by the session
// coordinator.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/pkg/timestamp"
)

// Registry holds devices, the current session and event subscribers.
type Registry struct {
	clock timestamp.Clock

	mu      sync.RWMutex
	devices map[string]*Device
	order   []string
	session *Session

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int
	dropped uint64
}

// New creates an empty registry stamping events with clock.
func New(clock timestamp.Clock) *Registry {
	if clock == nil {
		clock = timestamp.SystemClock{}
	}
	return &Registry{
		clock:   clock,
		devices: make(map[string]*Device),
		subs:    make(map[int]chan Event),
	}
}

// Update applies fn to the device record with id, creating it in state
// Disconnected if absent, and returns a copy of the result.
func (r *Registry) Update(id string, fn func(*Device)) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &Device{ID: id, State: Disconnected}
		r.devices[id] = d
		r.order = append(r.order, id)
	}
	if fn != nil {
		fn(d)
	}
	return d.Clone()
}

// Device returns a copy of the device record.
func (r *Registry) Device(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// Devices returns copies of all devices in registration order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].Clone())
	}
	return out
}

// DevicesIn returns copies of the devices whose state is one of states,
// in registration order.
func (r *Registry) DevicesIn(states ...State) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for _, id := range r.order {
		d := r.devices[id]
		if slices.Contains(states, d.State) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Order returns ids sorted by registration order. Unknown ids sort last in
// their given order.
func (r *Registry) Order(ids []string) []string {
	r.mu.RLock()
	rank := make(map[string]int, len(r.order))
	for i, id := range r.order {
		rank[id] = i
	}
	r.mu.RUnlock()

	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, b string) int {
		ra, okA := rank[a]
		rb, okB := rank[b]
		switch {
		case okA && okB:
			return ra - rb
		case okA:
			return -1
		case okB:
			return 1
		default:
			return 0
		}
	})
	return out
}

// SetSession replaces the current session record.
func (r *Registry) SetSession(s Session) {
	r.mu.Lock()
	c := s.Clone()
	r.session = &c
	r.mu.Unlock()

	r.Publish(Event{Kind: EventSession, SessionID: s.ID, State: s.State.String(), Message: s.Reason})
}

// Session returns the most recent session, which may be Stopped.
func (r *Registry) Session() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.session == nil {
		return Session{}, false
	}
	return r.session.Clone(), true
}

// Now returns the registry clock reading.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}
