package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failN(n int) func(context.Context) error {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return errBoom
		}
		return nil
	}
}

func TestBreaker_OpensAfterTrip(t *testing.T) {
	b := New(Config{Name: "webhook", Trip: 3, Cooldown: time.Hour})

	fail := func(context.Context) error { return errBoom }
	for i := 0; i < 3; i++ {
		if err := b.Do(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	err := b.Do(context.Background(), func(context.Context) error {
		t.Fatal("fn called while open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Trip: 3, Cooldown: time.Hour})

	b.Do(context.Background(), func(context.Context) error { return errBoom })
	b.Do(context.Background(), func(context.Context) error { return errBoom })
	b.Do(context.Background(), func(context.Context) error { return nil })
	b.Do(context.Background(), func(context.Context) error { return errBoom })
	b.Do(context.Background(), func(context.Context) error { return errBoom })

	if b.State() != Closed {
		t.Errorf("state = %v, want closed (success should reset the count)", b.State())
	}
}

func TestBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	b := New(Config{Trip: 1, Cooldown: 10 * time.Millisecond, Probes: 2})

	b.Do(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}

	ok := func(context.Context) error { return nil }
	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after %d probes", b.State(), 2)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Trip: 1, Cooldown: 10 * time.Millisecond, Probes: 2})

	b.Do(context.Background(), func(context.Context) error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	b.Do(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != Open {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestBreaker_ContextCanceledDoesNotTrip(t *testing.T) {
	b := New(Config{Trip: 1, Cooldown: time.Hour})

	b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != Closed {
		t.Errorf("state = %v; caller cancellation must not trip the breaker", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	type change struct{ from, to State }
	var changes []change
	b := New(Config{
		Name:     "webhook",
		Trip:     1,
		Cooldown: 5 * time.Millisecond,
		Probes:   1,
		OnStateChange: func(name string, from, to State) {
			if name != "webhook" {
				t.Errorf("name = %q", name)
			}
			changes = append(changes, change{from, to})
		},
	})

	b.Do(context.Background(), func(context.Context) error { return errBoom })
	time.Sleep(10 * time.Millisecond)
	b.Do(context.Background(), func(context.Context) error { return nil })

	want := []change{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{Trip: 1, Cooldown: time.Hour})
	b.Do(context.Background(), func(context.Context) error { return errBoom })
	b.Reset()
	if b.State() != Closed {
		t.Errorf("state = %v after Reset, want closed", b.State())
	}
	if err := b.Do(context.Background(), failN(0)); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}
