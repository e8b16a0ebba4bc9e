package events

import (
	"sync"

	"rlfmarket/core/types"
)

// Event represents a structured state change emitted by the marketplace.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. CLI output, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload is implemented by events that carry a canonical attribute payload.
type Payload interface {
	Event
	Event() *types.Event
}

// Recorder buffers emitted events in order. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Payloads returns the canonical payloads of recorded events that expose one.
func (r *Recorder) Payloads() []*types.Event {
	var out []*types.Event
	for _, evt := range r.Events() {
		if p, ok := evt.(Payload); ok && p.Event() != nil {
			out = append(out, p.Event())
		}
	}
	return out
}

// Count returns how many recorded events have the given type.
func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.EventType() == eventType {
			n++
		}
	}
	return n
}
