// Package eventbus fans controller events out to the command surfaces on a
// bounded worker pool.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType names what happened in the controller.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventApplyFailed    EventType = "apply_failed"
	EventModeChanged    EventType = "mode_changed"
	EventBackendChanged EventType = "backend_changed"
	EventClockChecked   EventType = "clock_checked"

	// EventTicked follows a tick that left the applied setting unchanged.
	// It is not recorded in the ledger.
	EventTicked EventType = "ticked"
)

const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event is one controller notification. Time is set by Publish when zero.
type Event struct {
	Type EventType
	Time time.Time
	Data map[string]any
}

// Handler receives events on a pool worker. Handlers must not block for long.
type Handler func(Event)

type subscription struct {
	id      uint64
	types   map[EventType]struct{}
	handler Handler
}

func (s *subscription) wants(t EventType) bool {
	_, ok := s.types[t]
	return ok
}

type delivery struct {
	event Event
	sub   *subscription
}

// Bus delivers each published event to every matching subscription.
// Delivery is asynchronous and unordered across workers; when the queue is
// full the event is dropped for that subscription.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool

	queue   chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// New creates a bus with DefaultWorkerCount workers and DefaultQueueSize slots.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with the given pool size. Non-positive values
// fall back to the defaults.
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{queue: make(chan delivery, queueSize)}

	b.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for d := range b.queue {
		b.deliver(id, d)
	}
}

func (b *Bus) deliver(worker int, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(d.event.Type)).
				Uint64("subscription", d.sub.id).
				Int("worker", worker).
				Msg("Event handler panicked")
		}
	}()
	d.sub.handler(d.event)
}

// Subscribe registers handler for the given event types and returns a func
// that removes the subscription. Events already queued are still delivered.
func (b *Bus) Subscribe(handler Handler, types ...EventType) (unsubscribe func()) {
	sub := &subscription{types: make(map[EventType]struct{}, len(types)), handler: handler}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish queues event for every matching subscription without blocking.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Debug().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case b.queue <- delivery{event: event, sub: sub}:
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("event_type", string(event.Type)).
				Uint64("subscription", sub.id).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Dropped returns how many deliveries were discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits, at most until ctx is done, for the
// workers to drain the queue. Close is idempotent.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Uint64("dropped", b.Dropped()).Msg("Event bus stopped")
	case <-ctx.Done():
		log.Warn().Uint64("dropped", b.Dropped()).Msg("Event bus shutdown timed out, some events may be lost")
	}
}
