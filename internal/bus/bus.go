// Package bus provides the in-process event bus connecting stream sessions
// to the dispatcher.
//
// The bus is a bounded FIFO: events published by one session arrive at the
// consumer in publish order, and events from different sessions interleave
// in arrival order. No global total order is imposed. When the consumer
// falls behind, Publish blocks the producing session instead of buffering
// without bound, trading latency for bounded memory.
package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

var (
	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("event bus closed")
)

// defaultCapacity bounds the queue when no capacity is configured.
const defaultCapacity = 4096

// Bus is a bounded, blocking event queue with a single consumer.
type Bus struct {
	ch     chan model.Event
	closed atomic.Bool
}

// New allocates a bus with the given capacity. Non-positive capacities fall
// back to the default.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{ch: make(chan model.Event, capacity)}
}

// Publish enqueues an event, blocking while the queue is full. It returns
// early if ctx is cancelled or the bus has been closed.
func (b *Bus) Publish(ctx context.Context, ev model.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues an event without blocking. It reports whether the
// event was accepted.
func (b *Bus) TryPublish(ev model.Event) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.ch <- ev:
		return true
	default:
		return false
	}
}

// Events returns the consumer side of the bus. There must be exactly one
// consumer: the dispatcher.
func (b *Bus) Events() <-chan model.Event {
	return b.ch
}

// Len reports the number of queued events.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Close stops the bus from accepting new events. Already-enqueued events
// remain readable; the consumer channel is not closed so late publishers
// cannot panic on send.
func (b *Bus) Close() {
	b.closed.Store(true)
}
