// Package events carries pipeline lifecycle events from the run
// coordinator to notification sinks. The bus is fire-and-forget: a slow
// subscriber never blocks the coordinator.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// Type identifies a lifecycle event.
type Type string

// The closed set of event types.
const (
	PipelineStarted   Type = "pipeline.started"
	PipelineCompleted Type = "pipeline.completed"
	PipelineFailed    Type = "pipeline.failed"
	PipelineAborted   Type = "pipeline.aborted"
	StageStarted      Type = "stage.started"
	StageCompleted    Type = "stage.completed"
	StageFailed       Type = "stage.failed"
	PRCreated         Type = "pr.created"
)

// Event is one lifecycle notification. State is a snapshot clone: readers
// may inspect it freely but mutations never reach the coordinator.
type Event struct {
	Type      Type
	Timestamp time.Time

	// State is the pipeline state snapshot at emission time.
	State *state.PipelineState

	// StageName is set for stage.* events.
	StageName string

	// Partial is set on pipeline.completed when the run finished with
	// failureStrategy=continue and at least one failed stage.
	Partial bool

	// PRURL is set on pr.created.
	PRURL string

	// Message is a human-readable one-liner.
	Message string
}

// Sink consumes events. Emit must not block; the bus's subscriptions
// already decouple slow consumers.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// defaultQueueSize is the per-subscriber queue bound when Subscribe is
// called with buffer <= 0.
const defaultQueueSize = 64

// Bus fans events out to subscribers, each behind its own bounded queue
// drained by a dedicated goroutine. On overflow the oldest pending event
// for that subscriber is dropped and its drop counter incremented.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscription is one subscriber's handle. Dropped is observable so tests
// can assert on overflow behavior.
type Subscription struct {
	name    string
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events were discarded for this subscriber
// because its queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Subscribe registers sink under name with a bounded queue of the given
// size (defaultQueueSize when buffer <= 0) and starts its pump goroutine.
func (b *Bus) Subscribe(name string, buffer int, sink Sink) *Subscription {
	if buffer <= 0 {
		buffer = defaultQueueSize
	}
	sub := &Subscription{
		name:  name,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for ev := range sub.queue {
			sink.Emit(ev)
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.queue)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers ev to every subscriber without blocking. When a
// subscriber's queue is full, the oldest queued event is dropped to make
// room and the subscriber's drop counter is incremented.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest pending event, then retry once.
		// Another goroutine may have drained the queue in between, in
		// which case the receive falls through and the send succeeds.
		select {
		case <-sub.queue:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.queue <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Emit makes Bus itself usable as a Sink.
func (b *Bus) Emit(ev Event) { b.Publish(ev) }

// Close stops accepting events and waits for every subscriber to drain
// its queue. Safe to call once; Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
		<-sub.done
	}
}
