package event

import (
	"sync"
)

// Handler consumes one event. Handlers are invoked synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is the subscription registry engine components publish through. Absence
// of subscribers never affects correctness.
type Bus interface {
	Publish(ev Event)
	Subscribe(kind Kind, h Handler) (cancel func())
	SubscribeAll(h Handler) (cancel func())
	Close()
}

type subscription struct {
	id      int
	handler Handler
}

// LocalBus is the in-process Bus implementation.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscription
	all    []subscription
	closed bool
}

// NewLocalBus creates an in-memory event bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[Kind][]subscription),
	}
}

// Publish dispatches the event to every matching subscriber.
func (b *LocalBus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	kindSubs := make([]subscription, len(b.subs[ev.Kind()]))
	copy(kindSubs, b.subs[ev.Kind()])
	allSubs := make([]subscription, len(b.all))
	copy(allSubs, b.all)
	b.mu.RUnlock()

	for _, sub := range kindSubs {
		sub.handler(ev)
	}
	for _, sub := range allSubs {
		sub.handler(ev)
	}
}

// Subscribe registers a handler for one event kind and returns a cancel
// function.
func (b *LocalBus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[kind] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event kind.
func (b *LocalBus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.all {
			if sub.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Close drops all subscriptions; subsequent publishes are no-ops.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Kind][]subscription)
	b.all = nil
}
