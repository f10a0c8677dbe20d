package call

import (
	"sync"
	"time"
)

// Standard timer names used by the session. Durations for the configurable
// ones come from the secretary config. The transfer track does not go
// through the manager; its deadlines are plain context timeouts.
const (
	TimerProviderInitialResponse = "provider_initial_response"
	TimerUserSpeechWindow        = "user_speech_window"
	TimerMaxDuration             = "max_duration"
	TimerMaxDurationWarning      = "max_duration_warning"
)

// namedTimer is one entry owned by the TimeoutManager.
type namedTimer struct {
	timer      *time.Timer
	deadline   time.Time
	remaining  time.Duration
	pauseDepth int
	onExpire   func()
	generation uint64
}

// TimeoutManager owns the named, cancellable deadlines of one session.
// A timer fires its callback exactly once unless cleared, replaced, or the
// manager has been closed. Pause/Resume nest via a refcount, which the
// session uses to freeze conversational timers across the transfer window.
// Safe for concurrent use.
type TimeoutManager struct {
	mu     sync.Mutex
	timers map[string]*namedTimer
	closed bool
	gen    uint64
}

// NewTimeoutManager creates an empty manager.
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{timers: make(map[string]*namedTimer)}
}

// Set creates or replaces the named timer. onExpire runs once when the
// duration elapses without an intervening Clear, Set, or Close.
func (tm *TimeoutManager) Set(name string, d time.Duration, onExpire func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return
	}
	if old, ok := tm.timers[name]; ok && old.timer != nil {
		old.timer.Stop()
	}

	tm.gen++
	nt := &namedTimer{
		deadline:   time.Now().Add(d),
		onExpire:   onExpire,
		generation: tm.gen,
	}
	gen := nt.generation
	nt.timer = time.AfterFunc(d, func() { tm.expire(name, gen) })
	tm.timers[name] = nt
}

// Clear cancels the named timer. Idempotent; unknown names are ignored.
func (tm *TimeoutManager) Clear(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if nt, ok := tm.timers[name]; ok {
		if nt.timer != nil {
			nt.timer.Stop()
		}
		delete(tm.timers, name)
	}
}

// Pause freezes the named timer's remaining duration. Pauses nest: the timer
// resumes only after a matching number of Resume calls.
func (tm *TimeoutManager) Pause(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	nt, ok := tm.timers[name]
	if !ok {
		return
	}
	nt.pauseDepth++
	if nt.pauseDepth > 1 {
		return
	}
	if nt.timer != nil {
		nt.timer.Stop()
		nt.timer = nil
	}
	nt.remaining = time.Until(nt.deadline)
	if nt.remaining < 0 {
		nt.remaining = 0
	}
}

// Resume decrements the pause refcount and restarts the timer with its
// frozen remaining duration once the count reaches zero.
func (tm *TimeoutManager) Resume(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	nt, ok := tm.timers[name]
	if !ok || nt.pauseDepth == 0 {
		return
	}
	nt.pauseDepth--
	if nt.pauseDepth > 0 {
		return
	}

	tm.gen++
	nt.generation = tm.gen
	nt.deadline = time.Now().Add(nt.remaining)
	gen := nt.generation
	nameCopy := name
	nt.timer = time.AfterFunc(nt.remaining, func() { tm.expire(nameCopy, gen) })
}

// PauseAll / ResumeAll freeze and thaw every current timer. Used across the
// transfer window.
func (tm *TimeoutManager) PauseAll() {
	tm.mu.Lock()
	names := make([]string, 0, len(tm.timers))
	for name := range tm.timers {
		names = append(names, name)
	}
	tm.mu.Unlock()
	for _, name := range names {
		tm.Pause(name)
	}
}

func (tm *TimeoutManager) ResumeAll() {
	tm.mu.Lock()
	names := make([]string, 0, len(tm.timers))
	for name := range tm.timers {
		names = append(names, name)
	}
	tm.mu.Unlock()
	for _, name := range names {
		tm.Resume(name)
	}
}

// ClearAll cancels every timer without closing the manager.
func (tm *TimeoutManager) ClearAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for name, nt := range tm.timers {
		if nt.timer != nil {
			nt.timer.Stop()
		}
		delete(tm.timers, name)
	}
}

// Close cancels every timer and suppresses any callback that races the
// teardown. The manager accepts no further Sets.
func (tm *TimeoutManager) Close() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.closed = true
	for name, nt := range tm.timers {
		if nt.timer != nil {
			nt.timer.Stop()
		}
		delete(tm.timers, name)
	}
}

// Active reports whether the named timer is currently set.
func (tm *TimeoutManager) Active(name string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.timers[name]
	return ok
}

// expire runs when a timer's AfterFunc fires. The generation check discards
// callbacks from timers that were replaced or resumed after this one was
// armed; the closed check suppresses callbacks racing session teardown.
func (tm *TimeoutManager) expire(name string, gen uint64) {
	tm.mu.Lock()
	nt, ok := tm.timers[name]
	if tm.closed || !ok || nt.generation != gen || nt.pauseDepth > 0 {
		tm.mu.Unlock()
		return
	}
	delete(tm.timers, name)
	onExpire := nt.onExpire
	tm.mu.Unlock()

	if onExpire != nil {
		onExpire()
	}
}
