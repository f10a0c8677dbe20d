package event

import (
	"sync"
	"testing"
	"time"
)

func testEvent(kind Kind) Event {
	return Event{
		Kind:      kind,
		CallID:    "call-1",
		TenantID:  "tenant-1",
		Timestamp: time.Now(),
	}
}

func TestBus_DeliversToSubscriber(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	got := make(chan Event, 1)
	if _, err := b.Subscribe(KindDTMF, func(ev Event) { got <- ev }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := testEvent(KindDTMF)
	ev.Payload = DTMFPayload{Digit: "5"}
	if err := b.Emit(ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case received := <-got:
		if received.Payload.(DTMFPayload).Digit != "5" {
			t.Errorf("payload digit = %v, want 5", received.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_KindIsolation(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var mu sync.Mutex
	var calls int
	b.Subscribe(KindBargeIn, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Emit(testEvent(KindDTMF))
	b.Emit(testEvent(KindCallEnded))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("handler for BARGE_IN called %d times for other kinds", calls)
	}
}

func TestBus_OrderPreservedPerKind(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	const n = 20
	got := make([]string, 0, n)
	done := make(chan struct{})
	b.Subscribe(KindDTMF, func(ev Event) {
		got = append(got, ev.Payload.(DTMFPayload).Digit)
		if len(got) == n {
			close(done)
		}
	})

	for i := 0; i < n; i++ {
		ev := testEvent(KindDTMF)
		ev.Payload = DTMFPayload{Digit: string(rune('a' + i))}
		b.Emit(ev)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("only %d of %d events delivered", len(got), n)
	}
	for i := 0; i < n; i++ {
		if got[i] != string(rune('a'+i)) {
			t.Fatalf("event %d = %q, out of order (full: %v)", i, got[i], got)
		}
	}
}

func TestBus_HandlerPanicDoesNotPropagate(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	delivered := make(chan struct{}, 1)
	b.Subscribe(KindCallEnded, func(Event) { panic("boom") })
	b.Subscribe(KindCallEnded, func(Event) { delivered <- struct{}{} })

	if err := b.Emit(testEvent(KindCallEnded)); err != nil {
		t.Fatalf("Emit returned error after handler panic: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("second subscriber starved by panicking first subscriber")
	}
}

func TestBus_OverflowDropsOldest(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	block := make(chan struct{})
	first := make(chan Event, 1)
	b.Subscribe(KindAudioIn, func(ev Event) {
		select {
		case first <- ev:
		default:
		}
		<-block
	})

	// One event occupies the handler; fill the queue past its bound.
	for i := 0; i < subscriberQueueLen+10; i++ {
		ev := testEvent(KindAudioIn)
		ev.Payload = AudioPayload{Data: []byte{byte(i)}}
		b.Emit(ev)
	}
	close(block)

	time.Sleep(50 * time.Millisecond)
	if b.Dropped() == 0 {
		t.Error("expected dropped events after overflow")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var mu sync.Mutex
	calls := 0
	cancel, _ := b.Subscribe(KindDTMF, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Emit(testEvent(KindDTMF))
	time.Sleep(20 * time.Millisecond)
	cancel()
	cancel() // idempotent
	b.Emit(testEvent(KindDTMF))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestBus_CloseRejectsEmit(t *testing.T) {
	b := NewBus(nil)
	b.Close()
	b.Close() // idempotent

	if err := b.Emit(testEvent(KindDTMF)); err != ErrBusClosed {
		t.Errorf("Emit after Close = %v, want ErrBusClosed", err)
	}
	if _, err := b.Subscribe(KindDTMF, func(Event) {}); err != ErrBusClosed {
		t.Errorf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
}

func TestKindString(t *testing.T) {
	if got := KindBargeIn.String(); got != "BARGE_IN" {
		t.Errorf("KindBargeIn.String() = %q, want BARGE_IN", got)
	}
	if got := Kind(999).String(); got != "UNKNOWN" {
		t.Errorf("unknown kind String() = %q, want UNKNOWN", got)
	}
}
