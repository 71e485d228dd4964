// Package bus wires the two protocol adapters to the reconciler with four
// unbounded FIFO queues, each single-producer single-consumer. Channels are
// the only contract between components; no state is shared across them.
package bus

import (
	"sync"

	"github.com/berrythewa/clipbridge/internal/types"
)

// Queue is an unbounded FIFO with a non-blocking Push. A pump goroutine
// moves items from the intake channel through a pending slice to the
// outbound channel, so a slow consumer never backs up the producer.
type Queue[T any] struct {
	in   chan T
	out  chan T
	once sync.Once
}

// NewQueue starts the queue's pump goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.pump()
	return q
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	var pending []T
	for {
		if len(pending) == 0 {
			v, ok := <-q.in
			if !ok {
				return
			}
			pending = append(pending, v)
			continue
		}
		select {
		case v, ok := <-q.in:
			if !ok {
				// Intake closed: drain what is left, then close out.
				for _, v := range pending {
					q.out <- v
				}
				return
			}
			pending = append(pending, v)
		case q.out <- pending[0]:
			pending = pending[1:]
		}
	}
}

// Push enqueues v. It never blocks on the consumer, only on the pump's
// intake handoff. Must not be called after Close.
func (q *Queue[T]) Push(v T) {
	q.in <- v
}

// Out returns the receive side. It is closed after Close once all queued
// items have been delivered, which is the shutdown signal for consumers.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Close stops intake. Remaining items are still delivered; Out closes when
// the queue is drained. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.in) })
}

// Bus aggregates the four bridge queues.
//
// Observations flow adapter → reconciler, assertions reconciler → adapter.
// Per-queue FIFO is guaranteed; there is no ordering across queues, the
// reconciler arbitrates.
type Bus struct {
	XObserved *Queue[types.Observation]
	WObserved *Queue[types.Observation]
	XAssert   *Queue[types.Assertion]
	WAssert   *Queue[types.Assertion]
}

// New creates the four queues.
func New() *Bus {
	return &Bus{
		XObserved: NewQueue[types.Observation](),
		WObserved: NewQueue[types.Observation](),
		XAssert:   NewQueue[types.Assertion](),
		WAssert:   NewQueue[types.Assertion](),
	}
}
