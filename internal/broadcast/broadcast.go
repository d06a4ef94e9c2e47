package broadcast

import (
	"sync"
	"sync/atomic"
)

// Broadcaster delivers each published value to every subscriber. A full
// subscriber buffer loses its oldest value; Publish never waits on a reader.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty Broadcaster
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[uint64]chan T),
	}
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// The returned cancel func unregisters it and closes the channel; it is
// safe to call more than once.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish sends v to every subscriber. With no subscribers it is a no-op.
func (b *Broadcaster[T]) Publish(v T) {
	b.published.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}

		// Full: evict the oldest value and retry once.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many values were discarded because a subscriber was
// behind.
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Published returns how many values were published
func (b *Broadcaster[T]) Published() uint64 {
	return b.published.Load()
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel and later Publish calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
