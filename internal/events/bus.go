package events

import (
	"context"
	"errors"
	"sync"
)

// Bus is an in-process Publisher delivering events to subscribed handlers
// in publish order. Handlers run on the publishing goroutine and should hand
// work off quickly.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

var _ Publisher = (*Bus)(nil)

// NewBus returns a bus without subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for every subsequent event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers evt to every handler and joins their errors.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event. Tests use it to assert on the
// events a component emits.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
