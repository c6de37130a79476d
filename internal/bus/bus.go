// Package bus fans events out to subscribers with per-run in-order delivery.
package bus

import (
	"sync"

	"github.com/openclaw/runbox/internal/event"
)

// Subscriber receives events for a run in the order they were published.
type Subscriber func(ev event.Event)

// Bus is an explicit per-run callback registry. Delivery happens
// synchronously under a per-run lock, so subscribers see one event at a
// time per run even when producers are concurrent.
type Bus struct {
	mu    sync.Mutex
	subs  map[string][]Subscriber
	all   []Subscriber
	locks map[string]*sync.Mutex
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[string][]Subscriber),
		locks: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers a subscriber for one run.
func (b *Bus) Subscribe(runID string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[runID] = append(b.subs[runID], fn)
}

// SubscribeAll registers a subscriber for every run.
func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

// Publish delivers an event to the run's subscribers.
func (b *Bus) Publish(runID string, ev event.Event) {
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs[runID]...)
	all := append([]Subscriber(nil), b.all...)
	lk, ok := b.locks[runID]
	if !ok {
		lk = &sync.Mutex{}
		b.locks[runID] = lk
	}
	b.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}

// Unsubscribe removes all subscribers for a run.
func (b *Bus) Unsubscribe(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, runID)
}
