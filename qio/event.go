package qio

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Event is the dispatcher-side record of one OS-backed handle. Handles
// created by the dispatcher (sockets, receivers, the wake fd) register one
// automatically; foreign events attach through [Dispatcher.AttachEvent].
//
// Lifecycle: constructed → attached → open → closing → closed. The
// open→closing transition is idempotent; once closed, no further callbacks
// fire and the OS resource has been released.
type Event struct {
	typ     string
	fd      int
	fdErr   error
	active  atomic.Bool
	closing atomic.Bool
	// closeFn releases the handle; it runs on the dispatcher thread.
	// err is non-nil for cancellation-style closes, nil for graceful ones.
	closeFn func(err error)
	// drainFn, when set, winds the handle down gracefully (flush, then
	// close); it runs on the dispatcher thread. Nil falls back to closeFn.
	drainFn func()
}

// NewEvent constructs a foreign event for [Dispatcher.AttachEvent]. closeFn
// (optional) runs on the dispatcher thread when the dispatcher closes the
// event during termination.
func NewEvent(typ string, fd int, closeFn func(err error)) *Event {
	e := &Event{typ: typ, fd: fd, closeFn: closeFn}
	e.active.Store(true)
	return e
}

// Type returns the event's type name.
func (e *Event) Type() string { return e.typ }

// FD returns the underlying file descriptor, or -1 when none applies.
func (e *Event) FD() int { return e.fd }

// Active reports whether the handle is open.
func (e *Event) Active() bool { return e.active.Load() }

// Closing reports whether the open→closing transition has happened.
func (e *Event) Closing() bool { return e.closing.Load() }

// beginClose performs the idempotent open→closing transition; the first
// caller proceeds to release the handle.
func (e *Event) beginClose() bool {
	return !e.closing.Swap(true)
}

// EventDescriptor is a purely observational snapshot of a registered
// event; it never affects semantics.
type EventDescriptor struct {
	Handle  string `json:"handle"`
	Type    string `json:"type"`
	Active  bool   `json:"active"`
	Closing bool   `json:"closing"`
	FD      int    `json:"fd"`
	FDErr   string `json:"fd_err"`
}

// eventRegistry tracks the events attached to one dispatcher. It is read
// by DumpEvents from arbitrary goroutines.
type eventRegistry struct {
	mu     sync.Mutex
	events map[*Event]struct{}
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{events: make(map[*Event]struct{})}
}

func (r *eventRegistry) add(e *Event) {
	r.mu.Lock()
	r.events[e] = struct{}{}
	r.mu.Unlock()
}

func (r *eventRegistry) remove(e *Event) {
	r.mu.Lock()
	delete(r.events, e)
	r.mu.Unlock()
}

// snapshot returns the attached events in unspecified order.
func (r *eventRegistry) snapshot() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]*Event, 0, len(r.events))
	for e := range r.events {
		events = append(events, e)
	}
	return events
}

// activeHandles counts open events, excluding the dispatcher's own dummy
// event; graceful termination completes when this reaches zero.
func (r *eventRegistry) activeHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for e := range r.events {
		if e.typ != dummyEventType && e.active.Load() {
			n++
		}
	}
	return n
}

func (r *eventRegistry) describe() []EventDescriptor {
	events := r.snapshot()
	descriptors := make([]EventDescriptor, 0, len(events))
	for _, e := range events {
		d := EventDescriptor{
			Handle:  fmt.Sprintf("%p", e),
			Type:    e.typ,
			Active:  e.active.Load(),
			Closing: e.closing.Load(),
			FD:      e.fd,
		}
		if e.fdErr != nil {
			d.FDErr = e.fdErr.Error()
		}
		descriptors = append(descriptors, d)
	}
	return descriptors
}

func (r *eventRegistry) describeJSON() (string, error) {
	b, err := json.Marshal(r.describe())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
