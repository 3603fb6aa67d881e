// Package stream provides an ordered in-process fan-out of values to callbacks.
//
// A Broadcaster keeps no history: subscribers only see values published after
// they subscribed. Values are delivered in publish order. Delivery is
// synchronous on whichever goroutine is currently draining, so a subscriber may
// publish again or call back into its producer without deadlocking; such values
// are appended and delivered after the current one.
package stream

import "sync"

// Broadcaster delivers values of type T to every current subscriber
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]func(T)
	order  []uint64
	nextID uint64

	qmu      sync.Mutex
	queue    []T
	draining bool
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[uint64]func(T)),
	}
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (b *Broadcaster[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Len returns the number of subscribers
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Enqueue appends v for delivery without delivering it. It is safe to call
// while holding locks that subscribers may need; call Flush after releasing them.
func (b *Broadcaster[T]) Enqueue(v T) {
	b.qmu.Lock()
	b.queue = append(b.queue, v)
	b.qmu.Unlock()
}

// Flush delivers queued values unless another goroutine is already draining,
// in which case that goroutine delivers them.
func (b *Broadcaster[T]) Flush() {
	b.qmu.Lock()
	if b.draining {
		b.qmu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		v := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.deliver(v)

		b.qmu.Lock()
	}

	b.queue = nil
	b.draining = false
	b.qmu.Unlock()
}

// Publish enqueues v and flushes
func (b *Broadcaster[T]) Publish(v T) {
	b.Enqueue(v)
	b.Flush()
}

func (b *Broadcaster[T]) deliver(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		if fn, ok := b.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
