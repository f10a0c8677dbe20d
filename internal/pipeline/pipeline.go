// Package pipeline coordinates per-call audio processing between the switch
// leg and the provider session.
//
// Inbound (caller → provider): μ-law expansion, echo cancellation against the
// playback reference, voice activity detection on the cleaned signal, then
// resampling or companding into the provider's wire format.
//
// Outbound (provider → caller): conversion to the wire rate, a drop-oldest
// jitter buffer, and a 20 ms pacer that feeds the echo canceller's reference
// as frames actually leave.
//
// Barge-in lives here because it needs both directions: it fires only when
// the agent is speaking, at least 300 ms of playback has elapsed, and the
// voice detector sees an onset on the echo-cancelled inbound signal.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/event"
	"github.com/atendai/voicebridge/pkg/audio"
)

// minPlaybackForBargeIn prevents the greeting from being cancelled by its own
// echo tail before the canceller converges.
const minPlaybackForBargeIn = 300 * time.Millisecond

// Config describes one call's audio geometry.
type Config struct {
	CallID   string
	TenantID string

	// WireFormat is the switch-leg codec (g711 μ-law at 8 kHz or PCM16 at
	// 16 kHz).
	WireFormat config.AudioFormat

	// ProviderRate is the PCM rate the provider consumes and produces.
	// Ignored when ProviderULaw is set.
	ProviderRate int

	// ProviderULaw marks a μ-law passthrough provider (OpenAI audio/pcmu):
	// inbound audio is companded back to μ-law after echo cancellation
	// instead of being resampled.
	ProviderULaw bool

	// VADThreshold and SilenceDuration tune the speech detector.
	VADThreshold    float64
	SilenceDuration time.Duration
}

// Pipeline owns both audio directions of one call.
//
// ProcessInbound and the Run pacer goroutine may run concurrently with
// PushProviderAudio; shared state is guarded internally.
type Pipeline struct {
	cfg Config
	bus *event.Bus

	// sendToProvider delivers provider-format inbound audio.
	sendToProvider func([]byte) error

	// emitToSwitch delivers one wire-format 20 ms frame to the switch leg.
	emitToSwitch func([]byte) error

	// agentSpeaking reports whether the call state machine is in SPEAKING.
	agentSpeaking func() bool

	// onBargeIn interrupts the provider's in-flight response.
	onBargeIn func()

	aec    *audio.EchoCanceller
	vad    *audio.SpeechDetector
	jitter *audio.JitterBuffer

	mu            sync.Mutex
	pending       []byte // wire-rate PCM not yet framed
	playing       bool
	playbackStart time.Duration

	epoch time.Time
	now   func() time.Duration // offset since call start; test hook
}

// New builds a pipeline. The four callbacks wire it to the provider session,
// the switch socket, the state machine, and the interrupt path.
func New(cfg Config, bus *event.Bus, sendToProvider, emitToSwitch func([]byte) error, agentSpeaking func() bool, onBargeIn func()) *Pipeline {
	wireRate := cfg.WireFormat.SampleRate()
	p := &Pipeline{
		cfg:            cfg,
		bus:            bus,
		sendToProvider: sendToProvider,
		emitToSwitch:   emitToSwitch,
		agentSpeaking:  agentSpeaking,
		onBargeIn:      onBargeIn,
		aec:            audio.NewEchoCanceller(wireRate),
		vad: &audio.SpeechDetector{
			Threshold:       cfg.VADThreshold,
			SilenceDuration: cfg.SilenceDuration,
		},
		jitter: audio.NewJitterBuffer(0),
		epoch:  time.Now(),
	}
	p.now = func() time.Duration { return time.Since(p.epoch) }
	return p
}

func (p *Pipeline) wireRate() int { return p.cfg.WireFormat.SampleRate() }

// ── Inbound ────────────────────────────────────────────────────────────────────

// ProcessInbound handles one 20 ms frame from the switch: expand, echo-cancel,
// detect speech, convert, and forward to the provider.
func (p *Pipeline) ProcessInbound(frame []byte) error {
	capturedAt := p.now()

	pcm := frame
	if p.cfg.WireFormat == config.FormatG711 {
		pcm = audio.DecodeUlaw(frame)
	}
	p.emit(event.KindAudioIn, event.AudioPayload{Data: frame, SampleRate: p.wireRate()})

	cleaned := p.aec.Process(pcm, capturedAt)

	switch p.vad.Process(cleaned, audio.FrameDuration) {
	case audio.SpeechStart:
		p.onSpeechStart(capturedAt)
	case audio.SpeechEnd:
		p.emit(event.KindUserSpeechEnd, event.SpeechPayload{At: capturedAt})
	}

	var out []byte
	if p.cfg.ProviderULaw {
		out = audio.EncodeUlaw(cleaned)
	} else {
		out = audio.Resample(cleaned, p.wireRate(), p.cfg.ProviderRate)
	}
	return p.sendToProvider(out)
}

// onSpeechStart applies the barge-in arbitration rules, then announces the
// speech boundary either way.
func (p *Pipeline) onSpeechStart(at time.Duration) {
	p.mu.Lock()
	playing := p.playing
	elapsed := at - p.playbackStart
	p.mu.Unlock()
	barge := playing && elapsed >= minPlaybackForBargeIn && p.agentSpeaking()

	p.emit(event.KindUserSpeechStart, event.SpeechPayload{At: at})
	if barge {
		p.FlushPlayback()
		p.onBargeIn()
		p.emit(event.KindBargeIn, event.SpeechPayload{At: at})
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// PushProviderAudio accepts provider output and queues it as 20 ms wire-rate
// PCM frames for the pacer.
func (p *Pipeline) PushProviderAudio(data []byte) {
	if p.cfg.ProviderULaw {
		p.PushPCM(audio.DecodeUlaw(data), p.wireRate())
		return
	}
	p.PushPCM(data, p.cfg.ProviderRate)
}

// PushPCM queues PCM16 audio at an arbitrary rate for playback. Used for
// fallback TTS utterances, which arrive at the synthesizer's rate rather than
// the provider's.
func (p *Pipeline) PushPCM(pcm []byte, rate int) {
	if rate != p.wireRate() {
		pcm = audio.Resample(pcm, rate, p.wireRate())
	}

	frameBytes := audio.SamplesPerFrame(p.wireRate()) * 2

	p.mu.Lock()
	p.pending = append(p.pending, pcm...)
	for len(p.pending) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, p.pending[:frameBytes])
		p.pending = p.pending[frameBytes:]
		p.jitter.Push(frame)
	}
	p.mu.Unlock()
}

// Run paces playback: every 20 ms it pops one frame, feeds the echo
// canceller's reference, and emits the wire-encoded frame to the switch.
// It exits when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick emits at most one frame.
func (p *Pipeline) tick() {
	p.mu.Lock()
	frame, ok := p.jitter.Pop()
	at := p.now()
	if !ok {
		p.playing = false
		p.mu.Unlock()
		return
	}
	if !p.playing {
		p.playing = true
		p.playbackStart = at
	}
	p.mu.Unlock()

	p.aec.AddReference(frame, at)

	out := frame
	if p.cfg.WireFormat == config.FormatG711 {
		out = audio.EncodeUlaw(frame)
	}
	if err := p.emitToSwitch(out); err != nil {
		return
	}
	p.emit(event.KindAudioOut, event.AudioPayload{Data: out, SampleRate: p.wireRate()})
}

// FlushPlayback discards all queued outbound audio. Called on barge-in and
// when the session relinquishes the call.
func (p *Pipeline) FlushPlayback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jitter.Flush()
	p.pending = nil
	p.playing = false
}

// PlaybackActive reports whether the pacer is currently draining audio and
// for how long.
func (p *Pipeline) PlaybackActive() (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return false, 0
	}
	return true, p.now() - p.playbackStart
}

// QueuedPlayback reports the jitter-buffer depth.
func (p *Pipeline) QueuedPlayback() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jitter.Depth()
}

// DroppedFrames reports how many outbound frames overflowed the buffer.
func (p *Pipeline) DroppedFrames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jitter.Dropped()
}

func (p *Pipeline) emit(kind event.Kind, payload event.Payload) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(event.Event{
		Kind:      kind,
		CallID:    p.cfg.CallID,
		TenantID:  p.cfg.TenantID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
