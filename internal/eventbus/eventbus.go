// Package eventbus implements the bounded in-process queue of canonical
// event envelopes that the message normalizer publishes to and the
// ingestion pump drains. It is single-producer, single-consumer; the
// generic type parameter lets other components reuse the same bus shape
// for other bounded-queue needs without duplicating the plumbing.
package eventbus

import "context"

// Bus is a bounded FIFO queue of T. Publish blocks on ctx when the queue is
// full rather than dropping an event.
type Bus[T any] struct {
	ch chan T
}

// New creates a Bus with the given bounded capacity.
func New[T any](capacity int) *Bus[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus[T]{ch: make(chan T, capacity)}
}

// Publish enqueues v, suspending until space is available or ctx is
// cancelled.
func (b *Bus[T]) Publish(ctx context.Context, v T) error {
	select {
	case b.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues v without suspending, reporting false if the queue is
// full.
func (b *Bus[T]) TryPublish(v T) bool {
	select {
	case b.ch <- v:
		return true
	default:
		return false
	}
}

// Subscribe exposes the receive-only channel for the single consumer to
// range over.
func (b *Bus[T]) Subscribe() <-chan T {
	return b.ch
}

// Close closes the underlying channel. Callers must not Publish after Close.
func (b *Bus[T]) Close() {
	close(b.ch)
}

// Len reports the number of values currently queued.
func (b *Bus[T]) Len() int {
	return len(b.ch)
}
