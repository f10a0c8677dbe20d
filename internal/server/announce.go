package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/atendai/voicebridge/internal/session"
	"github.com/atendai/voicebridge/internal/tts"
	"github.com/atendai/voicebridge/pkg/audio"
)

// announceRate is the B-leg stream rate: μ-law at 8 kHz, the whisper leg is
// always narrowband.
const announceRate = 8000

// legConn hands an accepted B-leg socket from the HTTP handler to the
// announcement in progress. The handler blocks until done closes so the
// hijacked connection stays valid for the whole playback.
type legConn struct {
	conn *websocket.Conn
	done chan struct{}
}

// Announcer plays whispered messages on transfer B-legs. It asks the switch
// to stream the B-leg's audio to the transfer listener, waits for that socket
// to arrive, and paces synthesized speech onto it.
type Announcer struct {
	sw      SwitchControl
	tts     session.Synthesizer
	baseURL string
	log     *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan *legConn
}

// NewAnnouncer builds an Announcer streaming to baseURL (e.g.
// "ws://10.0.0.5:8086").
func NewAnnouncer(sw SwitchControl, synth session.Synthesizer, baseURL string, log *slog.Logger) *Announcer {
	if log == nil {
		log = slog.Default()
	}
	return &Announcer{
		sw:      sw,
		tts:     synth,
		baseURL: baseURL,
		log:     log,
		waiters: make(map[string]chan *legConn),
	}
}

// Announce speaks message to the B-leg identified by uuid and returns when
// playback finishes. The caller bounds ctx with the announcement budget.
func (a *Announcer) Announce(ctx context.Context, uuid, message, voice string) error {
	if a.tts == nil {
		return errors.New("server: no synthesizer for announcements")
	}

	ch := a.addWaiter(uuid)
	defer a.removeWaiter(uuid)

	if err := a.sw.StartAudioStream(ctx, uuid, a.baseURL+"/announce/"+uuid, "mulaw"); err != nil {
		return fmt.Errorf("server: start b-leg stream: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		a.sw.StopAudioStream(sctx, uuid)
	}()

	var leg *legConn
	select {
	case leg = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("server: b-leg stream never connected: %w", ctx.Err())
	}
	defer close(leg.done)

	pcm, err := a.tts.Speak(ctx, message, voice)
	if err != nil {
		return fmt.Errorf("server: synthesize announcement: %w", err)
	}
	return a.play(ctx, leg.conn, pcm)
}

// play paces the synthesized PCM onto the socket as 20 ms μ-law frames.
func (a *Announcer) play(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	ulaw := audio.EncodeUlaw(audio.Resample(pcm, tts.OutputSampleRate, announceRate))
	frameBytes := audio.SamplesPerFrame(announceRate)

	tick := time.NewTicker(audio.FrameDuration)
	defer tick.Stop()

	for off := 0; off < len(ulaw); off += frameBytes {
		end := min(off+frameBytes, len(ulaw))
		if err := conn.Write(ctx, websocket.MessageBinary, ulaw[off:end]); err != nil {
			return fmt.Errorf("server: write announcement frame: %w", err)
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	conn.Close(websocket.StatusNormalClosure, "announcement complete")
	return nil
}

// handleStream accepts a B-leg socket and hands it to the waiting
// announcement. Sockets nobody is waiting for are rejected.
func (a *Announcer) handleStream(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("call_id")

	a.mu.Lock()
	ch, ok := a.waiters[uuid]
	a.mu.Unlock()
	if !ok {
		http.Error(w, "no announcement pending", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Error("b-leg accept failed", "uuid", uuid, "err", err)
		return
	}

	leg := &legConn{conn: conn, done: make(chan struct{})}
	select {
	case ch <- leg:
	default:
		conn.Close(websocket.StatusPolicyViolation, "duplicate b-leg stream")
		return
	}
	select {
	case <-leg.done:
	case <-r.Context().Done():
	}
}

func (a *Announcer) addWaiter(uuid string) chan *legConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan *legConn, 1)
	a.waiters[uuid] = ch
	return ch
}

func (a *Announcer) removeWaiter(uuid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.waiters, uuid)
}
