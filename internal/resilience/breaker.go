// Package resilience provides the circuit breaker guarding the bridge's
// outbound dependencies: the backend ticket webhook and the fallback TTS
// endpoint.
//
// Breaker is a classic three-state breaker (closed → open → half-open).
// A tripped webhook breaker means ticket fallback degrades to persisting the
// conversation locally; the caller still hears the farewell.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is open and the reset
// timeout has not yet elapsed.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed is the normal state — calls are forwarded.
	Closed State = iota

	// Open rejects calls immediately with [ErrOpen] until the reset timeout
	// elapses.
	Open

	// HalfOpen lets a limited number of probe calls through; success closes
	// the breaker, failure re-opens it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs for a [Breaker]. Zero fields take defaults.
type Config struct {
	// Name labels the breaker in logs and state-change notifications.
	Name string

	// Trip is the number of consecutive failures in the closed state before
	// the breaker opens. Default: 3.
	Trip int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 20s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls required to close.
	// Default: 2.
	Probes int

	// OnStateChange, when set, is called outside the breaker lock on every
	// state transition. Used to feed gauge metrics.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration
	probes   int
	onChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probeCalls  int
	probeOKs    int
}

// New creates a [Breaker] from cfg, filling defaults for zero fields.
func New(cfg Config) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 20 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{
		name:     cfg.Name,
		trip:     cfg.Trip,
		cooldown: cfg.Cooldown,
		probes:   cfg.Probes,
		onChange: cfg.OnStateChange,
	}
}

// Do runs fn if the breaker allows it. Context cancellation of the caller is
// not counted as a dependency failure: a hung-up call should not trip the
// breaker for every other call.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		notify = b.transition(HalfOpen)
		b.probeCalls = 0
		b.probeOKs = 0
	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}

	err := fn(ctx)

	b.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		notify = b.recordFailure(probing)
	} else {
		notify = b.recordSuccess(probing)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return err
}

// recordFailure must be called with b.mu held. It returns the deferred
// state-change notification, if any.
func (b *Breaker) recordFailure(probing bool) func() {
	b.lastFailure = time.Now()

	if probing {
		slog.Warn("breaker re-opened from half-open", "breaker", b.name)
		b.failures = b.trip
		return b.transition(Open)
	}

	b.failures++
	if b.failures >= b.trip {
		slog.Warn("breaker opened", "breaker", b.name, "consecutive_failures", b.failures)
		return b.transition(Open)
	}
	return nil
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) func() {
	if probing {
		b.probeOKs++
		if b.probeOKs >= b.probes {
			slog.Info("breaker closed after successful probes", "breaker", b.name)
			b.failures = 0
			return b.transition(Closed)
		}
		return nil
	}
	b.failures = 0
	return nil
}

// transition must be called with b.mu held. It returns a closure that fires
// the OnStateChange hook outside the lock.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if b.onChange == nil || from == to {
		return nil
	}
	name := b.name
	hook := b.onChange
	return func() { hook(name, from, to) }
}

// State reports the breaker's mode. An open breaker past its cooldown reports
// HalfOpen; the actual transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transition(Closed)
	b.failures = 0
	b.probeCalls = 0
	b.probeOKs = 0
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}
