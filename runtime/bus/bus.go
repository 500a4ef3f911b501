// Package bus provides per-task event streams with ordered fan-out and
// ordered persistence. Each task owns one EventBus; a process-wide Manager
// multiplexes buses by task id; a Writer per bus commits every event into the
// task store before cleanup.
//
// An EventBus is a shared append-only log with per-subscriber cursors:
// publication order equals delivery order for every subscriber, and
// subscribers attached after Finished still drain the full backlog.
package bus

import (
	"context"
	"sync"

	"goa.design/taskflow/runtime/task"
)

type (
	// EventBus is the per-task multi-subscriber event stream.
	//
	// Contract:
	//   - Publish preserves order and never blocks on slow subscribers.
	//   - Finished closes the stream after all published events drain.
	//   - Publish after Finished has no observable effect.
	EventBus struct {
		taskID string

		mu     sync.Mutex
		events []*task.Event
		closed bool
		wake   chan struct{}
	}

	// Subscription delivers the bus log in publish order. Events delivers
	// the backlog followed by live events and is closed once the bus is
	// finished and fully drained, or when the subscription context ends.
	Subscription struct {
		ch     chan *task.Event
		cancel context.CancelFunc
	}
)

// New creates an event bus for the given task.
func New(taskID string) *EventBus {
	return &EventBus{
		taskID: taskID,
		wake:   make(chan struct{}),
	}
}

// TaskID returns the task this bus belongs to.
func (b *EventBus) TaskID() string { return b.taskID }

// Publish appends the event to the bus log and wakes all subscribers.
// Publishing to a finished bus is a no-op.
func (b *EventBus) Publish(e *task.Event) {
	if e == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, e)
	b.broadcast()
}

// Finished marks the end of the stream. Subscribers drain any remaining
// events and then see their channel closed. Idempotent.
func (b *EventBus) Finished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

// Closed reports whether Finished has been called.
func (b *EventBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of events published so far.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// broadcast wakes all waiting subscribers. Callers must hold b.mu.
func (b *EventBus) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Subscribe attaches a new subscriber starting at the beginning of the log.
// The returned subscription must be closed by the caller when no longer
// needed; it also terminates when ctx is canceled.
func (b *EventBus) Subscribe(ctx context.Context) *Subscription {
	return b.subscribe(ctx, 0)
}

// SubscribeTail attaches a subscriber that only receives events published
// after the call. Resubscription uses it to follow the live suffix of a task
// whose backlog was already replayed from the store snapshot.
func (b *EventBus) SubscribeTail(ctx context.Context) *Subscription {
	b.mu.Lock()
	cursor := len(b.events)
	b.mu.Unlock()
	return b.subscribe(ctx, cursor)
}

func (b *EventBus) subscribe(ctx context.Context, cursor int) *Subscription {
	sctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ch:     make(chan *task.Event),
		cancel: cancel,
	}
	go b.stream(sctx, sub.ch, cursor)
	return sub
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan *task.Event { return s.ch }

// Close detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Close() { s.cancel() }

// stream walks the bus log with a private cursor, waiting for new events
// when caught up and exiting once the bus is finished and drained.
func (b *EventBus) stream(ctx context.Context, out chan<- *task.Event, cursor int) {
	defer close(out)
	for {
		b.mu.Lock()
		for cursor < len(b.events) {
			e := b.events[cursor]
			cursor++
			b.mu.Unlock()
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			b.mu.Lock()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		wake := b.wake
		b.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}
