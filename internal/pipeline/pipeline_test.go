package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/event"
	"github.com/atendai/voicebridge/pkg/audio"
)

// loudPCM returns one 20 ms square-wave frame well above any sane VAD
// threshold.
func loudPCM(rate int) []byte {
	n := audio.SamplesPerFrame(rate)
	pcm := make([]byte, n*2)
	for i := range n {
		s := int16(8000)
		if i%2 == 0 {
			s = -8000
		}
		pcm[2*i] = byte(uint16(s))
		pcm[2*i+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(ev event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func subscribe(t *testing.T, bus *event.Bus, r *recorder, kinds ...event.Kind) {
	t.Helper()
	for _, k := range kinds {
		if _, err := bus.Subscribe(k, r.handle); err != nil {
			t.Fatalf("Subscribe(%v): %v", k, err)
		}
	}
}

type testEnv struct {
	p        *Pipeline
	clock    time.Duration
	toProv   [][]byte
	toSwitch [][]byte
	speaking bool
	barges   int
}

func newEnv(t *testing.T, cfg Config, bus *event.Bus) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.p = New(cfg, bus,
		func(b []byte) error { env.toProv = append(env.toProv, b); return nil },
		func(b []byte) error { env.toSwitch = append(env.toSwitch, b); return nil },
		func() bool { return env.speaking },
		func() { env.barges++ },
	)
	env.p.now = func() time.Duration { return env.clock }
	return env
}

func TestProcessInbound_ULawPassthrough(t *testing.T) {
	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderULaw: true,
		VADThreshold: 0.05,
	}, nil)

	frame := audio.EncodeUlaw(loudPCM(8000))
	if err := env.p.ProcessInbound(frame); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	if len(env.toProv) != 1 {
		t.Fatalf("provider frames = %d, want 1", len(env.toProv))
	}
	if got := len(env.toProv[0]); got != 160 {
		t.Errorf("μ-law frame length = %d, want 160", got)
	}
}

func TestProcessInbound_ResamplesToProviderRate(t *testing.T) {
	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 16000,
		VADThreshold: 0.05,
	}, nil)

	if err := env.p.ProcessInbound(audio.EncodeUlaw(loudPCM(8000))); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	// 160 samples at 8 kHz become 320 samples at 16 kHz.
	if got := len(env.toProv[0]); got != 640 {
		t.Errorf("provider frame bytes = %d, want 640", got)
	}
}

func TestProcessInbound_SpeechBoundaries(t *testing.T) {
	bus := event.NewBus(nil)
	rec := &recorder{}
	subscribe(t, bus, rec, event.KindUserSpeechStart, event.KindUserSpeechEnd)

	env := newEnv(t, Config{
		CallID:          "call-1",
		WireFormat:      config.FormatG711,
		ProviderRate:    16000,
		VADThreshold:    0.05,
		SilenceDuration: 100 * time.Millisecond,
	}, bus)

	loud := audio.EncodeUlaw(loudPCM(8000))
	quiet := audio.EncodeUlaw(audio.Silence(8000))

	// Onset hysteresis: three loud frames fire exactly one start.
	for range 4 {
		env.p.ProcessInbound(loud)
		env.clock += audio.FrameDuration
	}
	// 100 ms of silence ends the utterance.
	for range 5 {
		env.p.ProcessInbound(quiet)
		env.clock += audio.FrameDuration
	}
	bus.Close()

	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindUserSpeechStart || kinds[1] != event.KindUserSpeechEnd {
		t.Fatalf("events = %v, want [USER_SPEECH_START USER_SPEECH_END]", kinds)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.events[0].CallID != "call-1" {
		t.Errorf("CallID = %q", rec.events[0].CallID)
	}
}

func TestBargeIn_AfterPlaybackGrace(t *testing.T) {
	bus := event.NewBus(nil)
	rec := &recorder{}
	subscribe(t, bus, rec, event.KindBargeIn)

	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 8000,
		VADThreshold: 0.05,
	}, bus)
	env.speaking = true

	// Queue half a second of agent audio and start playback at t=0.
	for range 25 {
		env.p.PushProviderAudio(loudPCM(8000))
	}
	env.p.tick()
	if active, _ := env.p.PlaybackActive(); !active {
		t.Fatal("pacer did not start playback")
	}

	// Caller starts talking 350 ms in: past the grace window.
	env.clock = 350 * time.Millisecond
	loud := audio.EncodeUlaw(loudPCM(8000))
	for range 3 {
		env.p.ProcessInbound(loud)
		env.clock += audio.FrameDuration
	}
	bus.Close()

	if env.barges != 1 {
		t.Fatalf("interrupt callbacks = %d, want 1", env.barges)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != event.KindBargeIn {
		t.Fatalf("events = %v, want [BARGE_IN]", kinds)
	}
	if depth := env.p.QueuedPlayback(); depth != 0 {
		t.Errorf("queued playback after barge-in = %v, want 0", depth)
	}
}

func TestBargeIn_SuppressedDuringGrace(t *testing.T) {
	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 8000,
		VADThreshold: 0.05,
	}, nil)
	env.speaking = true

	for range 25 {
		env.p.PushProviderAudio(loudPCM(8000))
	}
	env.p.tick()

	// Speech onset 100 ms into playback: still inside the grace window, so
	// this is treated as echo leakage, not an interruption.
	env.clock = 100 * time.Millisecond
	loud := audio.EncodeUlaw(loudPCM(8000))
	for range 3 {
		env.p.ProcessInbound(loud)
		env.clock += audio.FrameDuration
	}

	if env.barges != 0 {
		t.Errorf("interrupt callbacks = %d, want 0", env.barges)
	}
	if env.p.QueuedPlayback() == 0 {
		t.Error("playback queue was flushed inside the grace window")
	}
}

func TestBargeIn_RequiresSpeakingState(t *testing.T) {
	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 8000,
		VADThreshold: 0.05,
	}, nil)
	env.speaking = false

	for range 25 {
		env.p.PushProviderAudio(loudPCM(8000))
	}
	env.p.tick()

	env.clock = 400 * time.Millisecond
	loud := audio.EncodeUlaw(loudPCM(8000))
	for range 3 {
		env.p.ProcessInbound(loud)
		env.clock += audio.FrameDuration
	}

	if env.barges != 0 {
		t.Errorf("interrupt callbacks = %d, want 0", env.barges)
	}
}

func TestOutbound_PacesWireFrames(t *testing.T) {
	bus := event.NewBus(nil)
	rec := &recorder{}
	subscribe(t, bus, rec, event.KindAudioOut)

	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 8000,
	}, bus)

	// 2.5 frames of provider audio: two complete frames queue, the remainder
	// waits for more input.
	pcm := loudPCM(8000)
	env.p.PushProviderAudio(append(append(append([]byte{}, pcm...), pcm...), pcm[:len(pcm)/2]...))

	for range 3 {
		env.p.tick()
		env.clock += audio.FrameDuration
	}
	bus.Close()

	if len(env.toSwitch) != 2 {
		t.Fatalf("switch frames = %d, want 2", len(env.toSwitch))
	}
	for i, frame := range env.toSwitch {
		if len(frame) != 160 {
			t.Errorf("frame %d length = %d, want 160 μ-law bytes", i, len(frame))
		}
	}
	if active, _ := env.p.PlaybackActive(); active {
		t.Error("pacer still playing after queue drained")
	}
	if kinds := rec.kinds(); len(kinds) != 2 {
		t.Errorf("AUDIO_OUT events = %d, want 2", len(kinds))
	}
}

func TestOutbound_ULawProviderAudio(t *testing.T) {
	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderULaw: true,
	}, nil)

	env.p.PushProviderAudio(audio.EncodeUlaw(loudPCM(8000)))
	env.p.tick()

	if len(env.toSwitch) != 1 || len(env.toSwitch[0]) != 160 {
		t.Fatalf("switch frames = %v", len(env.toSwitch))
	}
}

func TestFlushPlayback(t *testing.T) {
	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 8000,
	}, nil)

	for range 10 {
		env.p.PushProviderAudio(loudPCM(8000))
	}
	env.p.tick()
	env.p.FlushPlayback()

	if depth := env.p.QueuedPlayback(); depth != 0 {
		t.Errorf("depth after flush = %v, want 0", depth)
	}
	env.p.tick()
	if len(env.toSwitch) != 1 {
		t.Errorf("frames after flush = %d, want the single pre-flush frame", len(env.toSwitch))
	}
}

func TestProcessInbound_EmitsAudioIn(t *testing.T) {
	bus := event.NewBus(nil)
	rec := &recorder{}
	subscribe(t, bus, rec, event.KindAudioIn)

	env := newEnv(t, Config{
		WireFormat:   config.FormatG711,
		ProviderRate: 8000,
		VADThreshold: 0.05,
	}, bus)

	frame := audio.EncodeUlaw(loudPCM(8000))
	for range 3 {
		if err := env.p.ProcessInbound(frame); err != nil {
			t.Fatalf("ProcessInbound: %v", err)
		}
	}
	bus.Close()

	if kinds := rec.kinds(); len(kinds) != 3 {
		t.Fatalf("AUDIO_IN events = %d, want 3", len(kinds))
	}
	rec.mu.Lock()
	p, ok := rec.events[0].Payload.(event.AudioPayload)
	rec.mu.Unlock()
	if !ok || p.SampleRate != 8000 || len(p.Data) != 160 {
		t.Errorf("payload = %+v, want 160 wire bytes at 8000 Hz", p)
	}
}
