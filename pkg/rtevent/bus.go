package rtevent

import (
	"log/slog"
	"sync"
)

// Node is anything that can sit in the pipeline graph and receive events.
// A Node's Receive is invoked synchronously on the emitter's execution
// context; implementations must not assume they run on their own goroutine.
//
// A returned error is logged by the emitting [Bus] and discarded — it never
// prevents later subscribers from being called and never propagates up the
// graph.
type Node interface {
	Receive(ev Event) error
}

// Bus is the synchronous publish/subscribe primitive every pipeline node is
// built on. Components embed Bus and call [Bus.Emit] to fan an event out to
// their subscribers in registration order.
//
// A mutex guards the subscriber list: connection read loops emit from their
// own goroutine while the session goroutine tears the bus down during a swap
// or cleanup. Delivery itself stays synchronous on the emitting goroutine; a
// Cleanup racing an Emit lets the in-flight delivery finish against the old
// subscriber set.
type Bus struct {
	mu   sync.Mutex
	subs []Node
}

// Subscribe appends nodes to the delivery list. Subscription order is
// delivery order.
func (b *Bus) Subscribe(nodes ...Node) {
	b.mu.Lock()
	b.subs = append(b.subs, nodes...)
	b.mu.Unlock()
}

// Emit delivers ev to each subscriber's Receive, synchronously and in
// subscription order. A subscriber error is logged and does not stop
// delivery to the remaining subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, n := range subs {
		if err := n.Receive(ev); err != nil {
			slog.Error("event subscriber failed", "src", ev.Src, "err", err)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Cleanup drops all subscriber references. Safe to call multiple times;
// after Cleanup, Emit is a no-op until new subscribers are added.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// NodeFunc adapts a plain function to the [Node] interface.
type NodeFunc func(ev Event) error

// Receive implements [Node] by calling f.
func (f NodeFunc) Receive(ev Event) error { return f(ev) }
