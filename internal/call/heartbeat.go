package call

import (
	"context"
	"sync"
	"time"
)

// Link names a monitored connection of the session.
type Link string

const (
	// LinkAudioIn is the inbound audio stream from the switch.
	LinkAudioIn Link = "audio_in"

	// LinkProvider is the provider WebSocket (messages received).
	LinkProvider Link = "provider"

	// LinkProviderAck is the provider's acknowledgement of sent audio.
	LinkProviderAck Link = "provider_ack"

	// LinkSwitch is the switch control socket.
	LinkSwitch Link = "switch"
)

// Health classifies the recent activity of a link.
type Health int

const (
	Healthy Health = iota
	Degraded
	Dead
)

// String returns the lowercase name of the classification.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	heartbeatInterval = 2 * time.Second
	degradedAfter     = 5 * time.Second
	deadAfter         = 15 * time.Second
)

// HealthFunc is invoked on every classification change of a link, and again
// (once) when the provider link goes Dead. silence is the time since the
// link's last observed activity.
type HealthFunc func(link Link, health Health, silence time.Duration)

// HeartbeatMonitor probes the liveness of the session's links every two
// seconds and reports classification changes. It is paused across the entire
// transfer window, where the provider link is intentionally quiescent.
// Safe for concurrent use.
type HeartbeatMonitor struct {
	mu         sync.Mutex
	last       map[Link]time.Time
	health     map[Link]Health
	paused     bool
	deadFired  bool
	onChange   HealthFunc
	onDead     func(link Link)
	now        func() time.Time
}

// NewHeartbeatMonitor creates a monitor. onChange fires on any transition
// into Degraded or worse; onDead fires exactly once when the provider link is
// classified Dead. Either callback may be nil.
func NewHeartbeatMonitor(onChange HealthFunc, onDead func(Link)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		last:     make(map[Link]time.Time),
		health:   make(map[Link]Health),
		onChange: onChange,
		onDead:   onDead,
		now:      time.Now,
	}
}

// Touch records activity on link. Call it from the hot paths: every inbound
// audio frame, every provider message, every control-socket reply.
func (m *HeartbeatMonitor) Touch(link Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[link] = m.now()
	m.health[link] = Healthy
}

// Pause suspends classification. Links touched while paused still update
// their activity timestamps.
func (m *HeartbeatMonitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables classification and resets every link's activity clock so
// the quiet transfer window is not misread as silence.
func (m *HeartbeatMonitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	now := m.now()
	for link := range m.last {
		m.last[link] = now
		m.health[link] = Healthy
	}
}

// Paused reports whether classification is currently suspended.
func (m *HeartbeatMonitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Run probes every two seconds until ctx is cancelled. Call it on its own
// goroutine.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Health returns the last classification of link.
func (m *HeartbeatMonitor) Health(link Link) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[link]
}

// sweep classifies every tracked link and fires callbacks on transitions.
func (m *HeartbeatMonitor) sweep() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}

	type change struct {
		link    Link
		health  Health
		silence time.Duration
		dead    bool
	}
	var changes []change

	now := m.now()
	for link, last := range m.last {
		silence := now.Sub(last)
		h := classify(silence)
		prev := m.health[link]
		if h == prev {
			continue
		}
		m.health[link] = h
		if h > prev && h >= Degraded {
			firesDead := false
			if h == Dead && link == LinkProvider && !m.deadFired {
				m.deadFired = true
				firesDead = true
			}
			changes = append(changes, change{link, h, silence, firesDead})
		}
	}
	onChange, onDead := m.onChange, m.onDead
	m.mu.Unlock()

	for _, c := range changes {
		if onChange != nil {
			onChange(c.link, c.health, c.silence)
		}
		if c.dead && onDead != nil {
			onDead(c.link)
		}
	}
}

func classify(silence time.Duration) Health {
	switch {
	case silence > deadAfter:
		return Dead
	case silence > degradedAfter:
		return Degraded
	default:
		return Healthy
	}
}
