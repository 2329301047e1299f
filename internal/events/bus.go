package events

import (
	"context"
	"sync"
)

// Bus fans values out to subscribers. It remembers the last published value
// and replays it to every new subscriber. A subscriber that falls behind only
// ever observes the most recent value.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	last    T
	hasLast bool
	closed  bool
	done    chan struct{}
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[chan T]struct{}), done: make(chan struct{})}
}

// Publish records v as the last value and delivers it to all subscribers.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = v
	b.hasLast = true
	for ch := range b.subs {
		deliverLatest(ch, v)
	}
}

// Last returns the last published value, if any.
func (b *Bus[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasLast
}

// Subscribe registers a subscriber until ctx is done or the bus is closed.
// The returned channel is closed on either.
func (b *Bus[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	if b.hasLast {
		ch <- b.last
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(ch)
		case <-b.done:
		}
	}()
	return ch
}

// Subscribers returns the number of live subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

func (b *Bus[T]) remove(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// deliverLatest replaces any undelivered value in ch with v.
func deliverLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
