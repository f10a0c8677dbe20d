package audio

import (
	"testing"
	"time"
)

func TestJitterBuffer_FIFO(t *testing.T) {
	b := NewJitterBuffer(240 * time.Millisecond)
	b.Push([]byte{1})
	b.Push([]byte{2})
	b.Push([]byte{3})

	for want := byte(1); want <= 3; want++ {
		frame, ok := b.Pop()
		if !ok || frame[0] != want {
			t.Fatalf("Pop = %v, %v; want [%d], true", frame, ok, want)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Error("Pop on empty buffer returned ok")
	}
}

func TestJitterBuffer_OverflowDropsOldest(t *testing.T) {
	b := NewJitterBuffer(60 * time.Millisecond) // room for 3 frames

	for i := byte(1); i <= 5; i++ {
		b.Push([]byte{i})
	}

	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	frame, ok := b.Pop()
	if !ok || frame[0] != 3 {
		t.Errorf("oldest surviving frame = %v, want [3]", frame)
	}
}

func TestJitterBuffer_Flush(t *testing.T) {
	b := NewJitterBuffer(0)
	b.Push(Silence(8000))
	b.Push(Silence(8000))

	b.Flush()

	if b.Depth() != 0 {
		t.Errorf("Depth after Flush = %v, want 0", b.Depth())
	}
	if _, ok := b.Pop(); ok {
		t.Error("Pop after Flush returned a frame")
	}
}

func TestJitterBuffer_DepthAccounting(t *testing.T) {
	b := NewJitterBuffer(0)
	b.Push(Silence(8000))
	b.Push(Silence(8000))
	if got := b.Depth(); got != 40*time.Millisecond {
		t.Errorf("Depth = %v, want 40ms", got)
	}
	b.Pop()
	if got := b.Depth(); got != 20*time.Millisecond {
		t.Errorf("Depth = %v, want 20ms", got)
	}
}
