package audio

import (
	"sync"
	"time"
)

// JitterBuffer smooths the bursty arrival of provider audio into a steady
// 20 ms playback cadence. Frames are queued in arrival order; when the buffer
// exceeds its maximum depth the oldest frame is dropped and counted. Safe for
// concurrent use — the provider receive loop pushes while the pacing loop
// pops.
type JitterBuffer struct {
	mu      sync.Mutex
	frames  [][]byte
	depth   time.Duration
	maxDep  time.Duration
	dropped uint64
}

// NewJitterBuffer creates a buffer that holds at most maxDepth of audio.
// Pass 0 to use the default 240 ms cap.
func NewJitterBuffer(maxDepth time.Duration) *JitterBuffer {
	if maxDepth <= 0 {
		maxDepth = 240 * time.Millisecond
	}
	return &JitterBuffer{maxDep: maxDepth}
}

// Push appends one 20 ms PCM frame. If the buffer would exceed its maximum
// depth the oldest frame is dropped first.
func (b *JitterBuffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.depth+FrameDuration > b.maxDep && len(b.frames) > 0 {
		b.frames = b.frames[1:]
		b.depth -= FrameDuration
		b.dropped++
	}
	b.frames = append(b.frames, frame)
	b.depth += FrameDuration
}

// Pop removes and returns the oldest frame. ok is false when the buffer is
// empty — the pacing loop substitutes silence in that case.
func (b *JitterBuffer) Pop() (frame []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, false
	}
	frame = b.frames[0]
	b.frames = b.frames[1:]
	b.depth -= FrameDuration
	return frame, true
}

// Flush discards all queued audio. Called on barge-in.
func (b *JitterBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.depth = 0
}

// Depth returns the buffered audio duration.
func (b *JitterBuffer) Depth() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// Dropped returns the number of frames discarded due to overflow.
func (b *JitterBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
