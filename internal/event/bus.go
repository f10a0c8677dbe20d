package event

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned by Emit and Subscribe after Close. Callers see it
// only during session teardown and are expected to swallow it.
var ErrBusClosed = errors.New("event: bus closed")

// subscriberQueueLen bounds each subscriber's pending deliveries. When a slow
// handler lets its queue fill up, the oldest event is dropped and counted —
// the producer is never stalled.
const subscriberQueueLen = 32

// Handler consumes one event. Handlers run on the subscriber's delivery
// goroutine; panics are recovered and logged, never propagated to Emit.
type Handler func(Event)

type subscriber struct {
	kind    Kind
	ch      chan Event
	removed bool
}

// Bus is a typed publish/subscribe dispatcher scoped to one session. Each
// subscriber owns a bounded FIFO queue drained by its own goroutine, so for a
// single publisher, events of one kind reach a given subscriber in emit
// order. No ordering is guaranteed across kinds or across subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[Kind][]*subscriber
	closed  bool
	dropped uint64
	wg      sync.WaitGroup

	log *slog.Logger
}

// NewBus creates an empty bus. logger may be nil, in which case the default
// slog logger is used for handler panic reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs: make(map[Kind][]*subscriber),
		log:  logger,
	}
}

// Subscribe registers handler for events of the given kind and returns an
// unsubscribe function. The unsubscribe function is idempotent.
func (b *Bus) Subscribe(kind Kind, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}

	sub := &subscriber{
		kind: kind,
		ch:   make(chan Event, subscriberQueueLen),
	}
	b.subs[kind] = append(b.subs[kind], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub, handler)

	return func() { b.unsubscribe(sub) }, nil
}

// Emit delivers ev to every current subscriber of ev.Kind in registration
// order. Emit never blocks: if a subscriber's queue is full, its oldest
// pending event is discarded to make room.
func (b *Bus) Emit(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs[ev.Kind] {
		if sub.removed {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest entry, then retry once. The retry can
		// only fail if the delivery goroutine drained the queue concurrently,
		// in which case the send succeeds anyway on the next loop.
		select {
		case <-sub.ch:
			b.dropped++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
		}
	}
	return nil
}

// Dropped returns the number of events discarded due to subscriber overflow.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close rejects further emits and subscriptions, then waits for all pending
// deliveries to drain. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.removed {
				sub.removed = true
				close(sub.ch)
			}
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	if sub.removed {
		b.mu.Unlock()
		return
	}
	sub.removed = true

	subs := b.subs[sub.kind]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
	b.mu.Unlock()
}

// deliver drains one subscriber's queue, shielding the bus from handler
// panics.
func (b *Bus) deliver(sub *subscriber, handler Handler) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.invoke(handler, ev)
	}
}

func (b *Bus) invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"kind", ev.Kind.String(),
				"call_id", ev.CallID,
				"panic", r,
			)
		}
	}()
	handler(ev)
}
