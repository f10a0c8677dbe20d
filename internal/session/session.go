// Package session hosts the per-call orchestrator: it owns the event bus, the
// state machine, the timers, the heartbeat monitor, the audio pipeline, the
// provider session and the transfer manager for exactly one phone call, and
// is the single place that decides user-visible consequences of failures.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atendai/voicebridge/internal/backend"
	"github.com/atendai/voicebridge/internal/call"
	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/event"
	"github.com/atendai/voicebridge/internal/observe"
	"github.com/atendai/voicebridge/internal/pipeline"
	"github.com/atendai/voicebridge/internal/store"
	"github.com/atendai/voicebridge/internal/transfer"
	"github.com/atendai/voicebridge/internal/tts"
	"github.com/atendai/voicebridge/pkg/provider"
)

const (
	// providerInitialResponse bounds the wait for the provider's first audio
	// after connect.
	providerInitialResponse = 10 * time.Second

	// speechWindowLeeway pads the user-speech-window timer past the
	// secretary's end-of-turn silence.
	speechWindowLeeway = 2 * time.Second

	// drainTimeout bounds waiting for queued playback (farewells, apologies)
	// to reach the caller before hangup.
	drainTimeout = 10 * time.Second

	// maxFormatErrors ends the call after this many consecutive frames of the
	// wrong size.
	maxFormatErrors = 3
)

// TicketAPI creates handoff tickets. *backend.Client satisfies it.
type TicketAPI interface {
	CreateTicket(ctx context.Context, ticket *backend.HandoffTicket) (string, error)
}

// Synthesizer is the fallback TTS surface. *tts.OpenAI satisfies it.
type Synthesizer interface {
	Speak(ctx context.Context, text, voice string) ([]byte, error)
}

// Config wires a session to its collaborators. Everything here is per-call
// except Switch, Presence, Backend, Store and TTS, which are process-wide.
type Config struct {
	CallID    string
	TenantID  string
	CallerID  string
	Extension string
	Domain    string
	ALegUUID  string

	Secretary *config.SecretaryConfig

	Adapter  provider.Adapter
	Switch   transfer.Switch
	Presence transfer.Presence
	Backend  TicketAPI
	Store    store.Store
	TTS      Synthesizer
	Announce transfer.Announcer
	Metrics  *observe.Metrics

	// WriteFrame delivers one wire-format audio frame to the switch leg.
	WriteFrame func([]byte) error

	Log *slog.Logger
}

// Session is one live call. Create with New, drive with Run, feed with
// HandleAudio / HandleDTMF / HandleHangup from the socket reader.
type Session struct {
	cfg Config
	log *slog.Logger

	bus     *event.Bus
	machine *call.Machine
	timers  *call.TimeoutManager
	hb      *call.HeartbeatMonitor

	// pipeline, provider and transfers are assigned in Run and read from
	// socket callbacks; access them through pipe() / prov().
	pipeline  *pipeline.Pipeline
	provider  provider.Session
	transfers *transfer.Manager

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	needsCommit bool

	mu            sync.Mutex
	turns         []store.Turn
	assistantText strings.Builder
	outcome       store.Outcome
	outcomeSet    bool
	ticketID      string
	formatErrors  int
	transferRef   string
	firstAudio    bool
	startedAt     time.Time
}

// New builds a session. It does not touch the network; Run does.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Secretary == nil:
		return nil, errors.New("session: nil secretary config")
	case cfg.Adapter == nil:
		return nil, errors.New("session: nil provider adapter")
	case cfg.WriteFrame == nil:
		return nil, errors.New("session: nil frame writer")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:         cfg,
		log:         log.With("call_id", cfg.CallID, "tenant_id", cfg.TenantID),
		done:        make(chan struct{}),
		needsCommit: cfg.Adapter.Kind() != "openai",
		startedAt:   time.Now(),
	}
	s.bus = event.NewBus(s.log)
	s.machine = call.NewMachine(s.observeTransition)
	s.timers = call.NewTimeoutManager()
	s.hb = call.NewHeartbeatMonitor(s.onHealthChange, s.onLinkDead)
	return s, nil
}

// Run connects the provider and drives the call until it ends. It blocks for
// the call's lifetime and always persists the conversation before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = ctx, cancel
	defer cancel()
	// Whatever way Run exits, including the early error returns below,
	// Done must close or the socket handler waits on it forever.
	defer s.closeDone()

	s.emit(event.KindCallStarted, nil)
	if err := s.machine.Trigger(call.TriggerStart); err != nil {
		return err
	}

	sess, err := provider.ConnectWithRetry(ctx, s.cfg.Adapter, s.providerConfig())
	if err != nil {
		s.log.Error("provider connect failed", "provider", s.cfg.Adapter.Kind(), "err", err)
		s.cfg.Metrics.RecordProviderError(ctx, s.cfg.Adapter.Kind(), "connect")
		s.setOutcome(store.OutcomeProviderDead)
		s.persist()
		s.hangup("NORMAL_TEMPORARY_FAILURE")
		return fmt.Errorf("session: connect provider: %w", err)
	}
	pipe := pipeline.New(s.pipelineConfig(), s.bus,
		sess.SendAudio,
		s.writeFrame,
		func() bool { return s.machine.State() == call.StateSpeaking },
		s.interruptProvider,
	)
	transfers := transfer.NewManager(transfer.ManagerConfig{
		Log:      s.log,
		Bus:      s.bus,
		Machine:  s.machine,
		Switch:   s.cfg.Switch,
		Presence: s.cfg.Presence,
		Announce: s.cfg.Announce,
		Ticket:   s.createTicket,
		Metrics:  s.cfg.Metrics,
		CallID:   s.cfg.CallID,
		TenantID: s.cfg.TenantID,
		Domain:   s.cfg.Domain,
		ALegUUID: s.cfg.ALegUUID,
		Rules:    s.cfg.Secretary.TransferRules,
	})

	s.mu.Lock()
	s.provider = sess
	s.pipeline = pipe
	s.transfers = transfers
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		sess.Close()
		return err
	}

	s.timers.Set(call.TimerProviderInitialResponse, providerInitialResponse, func() {
		s.log.Error("provider never produced audio", "provider", s.cfg.Adapter.Kind())
		s.finish(store.OutcomeProviderDead)
	})
	if d := s.cfg.Secretary.MaxDuration(); d > 0 {
		s.timers.Set(call.TimerMaxDurationWarning, d/2, s.warnMaxDuration)
		s.timers.Set(call.TimerMaxDuration, d, func() {
			s.log.Info("max call duration reached", "limit", d)
			s.finish(store.OutcomeMaxDuration)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hb.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := pipe.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.providerLoop(gctx, sess)
		return nil
	})
	g.Go(func() error {
		select {
		case <-s.done:
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	runErr := g.Wait()
	s.teardown()
	return runErr
}

// subscribe registers the session's bus handlers per the orchestration
// contract.
func (s *Session) subscribe() error {
	subs := []struct {
		kind    event.Kind
		handler event.Handler
	}{
		{event.KindUserSpeechStart, s.onUserSpeechStart},
		{event.KindUserSpeechEnd, s.onUserSpeechEnd},
		{event.KindBargeIn, s.onBargeIn},
		{event.KindFunctionCall, s.onFunctionCall},
		{event.KindTransferRequested, s.onTransferRequested},
		{event.KindHeartbeatTimeout, s.onHeartbeatTimeout},
		{event.KindCallEnded, s.onCallEnded},
	}
	for _, sub := range subs {
		if _, err := s.bus.Subscribe(sub.kind, sub.handler); err != nil {
			return fmt.Errorf("session: subscribe %v: %w", sub.kind, err)
		}
	}
	return nil
}

// ── Socket-facing surface ──────────────────────────────────────────────────────

// HandleAudio ingests one binary frame from the switch socket.
func (s *Session) HandleAudio(frame []byte) {
	pipe := s.pipe()
	if pipe == nil || !s.validFrame(frame) {
		return
	}
	s.hb.Touch(call.LinkAudioIn)
	if err := pipe.ProcessInbound(frame); err != nil {
		s.log.Warn("inbound frame dropped", "err", err)
	}
}

func (s *Session) pipe() *pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

func (s *Session) prov() provider.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// HandleDTMF publishes a DTMF digit from the switch.
func (s *Session) HandleDTMF(digit string) {
	s.emit(event.KindDTMF, event.DTMFPayload{Digit: digit})
}

// HandleHangup reacts to the A-leg hanging up.
func (s *Session) HandleHangup(reason string) {
	s.log.Info("caller hung up", "reason", reason)
	s.machine.Trigger(call.TriggerHangup)
	s.finish(store.OutcomeCompleted)
}

// Done is closed when the call has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome reports how the call concluded. Valid after Done is closed.
func (s *Session) Outcome() store.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// validFrame enforces the negotiated frame size. Three wrong-sized frames in
// a row end the call.
func (s *Session) validFrame(frame []byte) bool {
	want := 160 // 20 ms of μ-law at 8 kHz
	if s.cfg.Secretary.AudioFormat == config.FormatPCM16 {
		want = 640 // 20 ms of PCM16 at 16 kHz
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(frame) == want {
		s.formatErrors = 0
		return true
	}
	s.formatErrors++
	s.log.Warn("unexpected audio frame size", "got", len(frame), "want", want)
	if s.formatErrors >= maxFormatErrors {
		s.log.Error("audio format errors exceeded, ending call")
		go s.finish(store.OutcomeCompleted)
	}
	return false
}

// ── Provider event loop ────────────────────────────────────────────────────────

func (s *Session) providerLoop(ctx context.Context, sess provider.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				if err := sess.Err(); err != nil && !s.ended() {
					s.log.Error("provider session lost", "err", err)
					s.cfg.Metrics.RecordProviderError(ctx, s.cfg.Adapter.Kind(), "session_lost")
					s.speakFallback(s.cfg.Secretary.Farewell)
					s.finish(store.OutcomeProviderDead)
				}
				return
			}
			s.handleProviderEvent(ev)
		}
	}
}

func (s *Session) handleProviderEvent(ev provider.Event) {
	s.hb.Touch(call.LinkProvider)

	switch ev.Type {
	case provider.EventReady:
		if err := s.machine.Trigger(call.TriggerConnected); err != nil {
			s.log.Warn("late provider ready", "err", err)
		}

	case provider.EventAssistantAudio:
		s.hb.Touch(call.LinkProviderAck)
		s.timers.Clear(call.TimerProviderInitialResponse)
		s.mu.Lock()
		first := !s.firstAudio
		s.firstAudio = true
		elapsed := time.Since(s.startedAt)
		s.mu.Unlock()
		if first {
			s.cfg.Metrics.RecordProviderFirstAudio(s.ctx, s.cfg.Adapter.Kind(), elapsed.Seconds())
		}
		s.agentSpeaking()
		s.pipe().PushProviderAudio(ev.Audio)

	case provider.EventTextDelta:
		s.mu.Lock()
		s.assistantText.WriteString(ev.Text)
		s.mu.Unlock()

	case provider.EventUserTranscript:
		s.appendTurn("user", ev.Text)

	case provider.EventFunctionCall:
		s.emit(event.KindFunctionCall, event.FunctionCallPayload{
			Name:      ev.Name,
			Arguments: ev.Arguments,
			CallRef:   ev.CallRef,
		})

	case provider.EventAssistantDone:
		s.flushAssistantTurn()
		if s.machine.State() == call.StateSpeaking {
			s.machine.Trigger(call.TriggerAgentDone)
		}
		s.emit(event.KindAgentSpeechEnd, event.SpeechPayload{At: time.Since(s.startedAt)})
		s.armSpeechWindow()
		s.checkMaxTurns()

	case provider.EventError:
		s.log.Warn("provider reported error", "err", ev.Err)
		s.cfg.Metrics.RecordProviderError(s.ctx, s.cfg.Adapter.Kind(), "provider_reported")
	}
}

// agentSpeaking moves the machine into SPEAKING on the first audio of a
// response, whichever state the turn loop is in.
func (s *Session) agentSpeaking() {
	switch s.machine.State() {
	case call.StateConnected:
		s.machine.Trigger(call.TriggerGreet)
		s.emit(event.KindAgentSpeechStart, event.SpeechPayload{At: time.Since(s.startedAt)})
	case call.StateProcessing:
		s.machine.Trigger(call.TriggerAgentSpeech)
		s.emit(event.KindAgentSpeechStart, event.SpeechPayload{At: time.Since(s.startedAt)})
	}
}

// ── Bus handlers ───────────────────────────────────────────────────────────────

func (s *Session) onUserSpeechStart(event.Event) {
	s.timers.Clear(call.TimerUserSpeechWindow)
	if s.machine.State() == call.StateListening {
		s.machine.Trigger(call.TriggerUserSpeech)
	}
}

func (s *Session) onUserSpeechEnd(event.Event) {
	if s.machine.State() != call.StateListening {
		return
	}
	s.machine.Trigger(call.TriggerUserDone)
	if s.needsCommit {
		if err := s.prov().CommitTurn(); err != nil {
			s.log.Warn("commit turn failed", "err", err)
		}
	}
}

func (s *Session) onBargeIn(event.Event) {
	s.cfg.Metrics.RecordBargeIn(s.ctx, s.cfg.TenantID)
	s.flushAssistantTurn()
	if err := s.machine.Trigger(call.TriggerBargeIn); err != nil {
		s.log.Warn("barge-in in unexpected state", "state", s.machine.State().String())
	}
}

func (s *Session) onHeartbeatTimeout(ev event.Event) {
	if s.ended() {
		return
	}
	p, _ := ev.Payload.(event.HealthPayload)
	s.log.Error("provider heartbeat timeout", "link", p.Link, "silence", p.Silence)
	s.speakFallback(s.cfg.Secretary.Farewell)
	s.finish(store.OutcomeProviderDead)
}

func (s *Session) onCallEnded(event.Event) {
	s.closeDone()
}

// interruptProvider is the pipeline's barge-in callback.
func (s *Session) interruptProvider() {
	if err := s.prov().Interrupt(); err != nil {
		s.log.Warn("interrupt failed", "err", err)
	}
}

// observeTransition publishes STATE_CHANGED and keeps the heartbeat and
// timers paused across the whole transfer window.
func (s *Session) observeTransition(from, to call.State, trigger call.Trigger) {
	s.log.Debug("state change", "from", from.String(), "to", to.String(), "trigger", trigger.String())
	s.emit(event.KindStateChanged, event.TransitionPayload{
		From:    from.String(),
		To:      to.String(),
		Trigger: trigger.String(),
	})

	if to.InTransfer() && !from.InTransfer() {
		s.hb.Pause()
		s.timers.PauseAll()
	}
	if from.InTransfer() && to == call.StateListening {
		s.hb.Resume()
		s.timers.ResumeAll()
	}
}

func (s *Session) onHealthChange(link call.Link, health call.Health, silence time.Duration) {
	if health == call.Healthy {
		return
	}
	s.emit(event.KindProviderDegraded, event.HealthPayload{
		Link:     string(link),
		Severity: health.String(),
		Silence:  silence,
	})
}

func (s *Session) onLinkDead(link call.Link) {
	s.emit(event.KindHeartbeatTimeout, event.HealthPayload{
		Link:     string(link),
		Severity: call.Dead.String(),
	})
}

// ── Turn bookkeeping ───────────────────────────────────────────────────────────

func (s *Session) appendTurn(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	s.turns = append(s.turns, store.Turn{Role: role, Text: text, Timestamp: time.Now()})
	s.mu.Unlock()
}

func (s *Session) flushAssistantTurn() {
	s.mu.Lock()
	text := strings.TrimSpace(s.assistantText.String())
	s.assistantText.Reset()
	s.mu.Unlock()
	if text != "" {
		s.appendTurn("assistant", text)
	}
}

func (s *Session) checkMaxTurns() {
	max := s.cfg.Secretary.MaxTurns
	if max <= 0 {
		return
	}
	s.mu.Lock()
	var user int
	for _, t := range s.turns {
		if t.Role == "user" {
			user++
		}
	}
	s.mu.Unlock()
	if user >= max {
		s.log.Info("max turns reached", "turns", user)
		s.finish(store.OutcomeCompleted)
	}
}

// armSpeechWindow restarts the user-speech-window timer after the agent
// finishes speaking. Expiry nudges the conversation along rather than ending
// the call.
func (s *Session) armSpeechWindow() {
	window := s.cfg.Secretary.SilenceDuration() + speechWindowLeeway
	s.timers.Set(call.TimerUserSpeechWindow, window, func() {
		if s.machine.State() != call.StateListening {
			return
		}
		s.log.Debug("user speech window expired, prompting provider")
		s.machine.Trigger(call.TriggerUserDone)
		if s.needsCommit {
			s.prov().CommitTurn()
		}
	})
}

// ── Endings ────────────────────────────────────────────────────────────────────

// finish records the outcome (first writer wins) and announces the call end.
func (s *Session) finish(outcome store.Outcome) {
	if !s.setOutcome(outcome) {
		return
	}
	s.emit(event.KindCallEnded, nil)
	// The bus may already be closed during teardown races; make sure Run
	// unblocks regardless.
	s.closeDone()
}

func (s *Session) setOutcome(outcome store.Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeSet {
		return false
	}
	// A recorded preference (e.g. ticket_created) survives a plain completed
	// ending; anything more decisive overrides it.
	if s.outcome == "" || outcome != store.OutcomeCompleted {
		s.outcome = outcome
	}
	s.outcomeSet = true
	return true
}

func (s *Session) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomeSet
}

func (s *Session) closeDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// speakFallback synthesizes text and plays it through the normal paced
// outbound path, waiting for the queue to drain. Used when the provider
// cannot speak for itself.
func (s *Session) speakFallback(text string) {
	if s.cfg.TTS == nil || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	pcm, err := s.cfg.TTS.Speak(ctx, text, s.cfg.Secretary.Voice)
	if err != nil {
		s.log.Warn("fallback synthesis failed", "err", err)
		return
	}
	s.pipe().PushPCM(pcm, tts.OutputSampleRate)
	s.waitDrain(ctx)
}

func (s *Session) waitDrain(ctx context.Context) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pipe := s.pipe(); pipe.QueuedPlayback() == 0 {
				if playing, _ := pipe.PlaybackActive(); !playing {
					return
				}
			}
		}
	}
}

func (s *Session) warnMaxDuration() {
	s.log.Info("call approaching max duration")
	s.speakFallback("Aviso: esta chamada será encerrada em breve.")
}

// hangup kills the A-leg on the switch.
func (s *Session) hangup(cause string) {
	if s.cfg.Switch == nil || s.cfg.ALegUUID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Switch.Kill(ctx, s.cfg.ALegUUID, cause); err != nil {
		s.log.Warn("hangup command failed", "err", err)
	}
}

// teardown releases everything in reverse creation order and persists the
// conversation.
func (s *Session) teardown() {
	s.mu.Lock()
	if !s.outcomeSet {
		if s.outcome == "" {
			s.outcome = store.OutcomeCompleted
		}
		s.outcomeSet = true
	}
	outcome := s.outcome
	s.mu.Unlock()

	s.flushAssistantTurn()

	if outcome != store.OutcomeTransferred {
		s.hangup("NORMAL_CLEARING")
	}
	if p := s.prov(); p != nil {
		p.Close()
	}
	if pipe := s.pipe(); pipe != nil {
		s.cfg.Metrics.RecordFramesDropped(context.Background(), int64(pipe.DroppedFrames()))
		pipe.FlushPlayback()
	}
	s.timers.Close()
	s.persist()
	s.bus.Close()
	s.closeDone()

	s.mu.Lock()
	turns := len(s.turns)
	s.mu.Unlock()
	s.log.Info("session ended", "outcome", string(outcome), "turns", turns)
}

func (s *Session) persist() {
	if s.cfg.Store == nil {
		return
	}
	s.mu.Lock()
	conv := &store.Conversation{
		CallID:    s.cfg.CallID,
		TenantID:  s.cfg.TenantID,
		CallerID:  s.cfg.CallerID,
		Extension: s.cfg.Extension,
		Provider:  s.cfg.Adapter.Kind(),
		Language:  s.cfg.Secretary.Language,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Outcome:   s.outcome,
		TicketID:  s.ticketID,
		Turns:     append([]store.Turn(nil), s.turns...),
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Store.SaveConversation(ctx, conv); err != nil {
		s.log.Error("persist conversation failed", "err", err)
	}
}

// ── Wiring helpers ─────────────────────────────────────────────────────────────

// providerConfig derives the provider session parameters from the secretary.
func (s *Session) providerConfig() provider.SessionConfig {
	sec := s.cfg.Secretary
	cfg := provider.SessionConfig{
		Voice:           sec.Voice,
		Instructions:    sec.SystemPrompt,
		Greeting:        sec.Greeting,
		Language:        sec.Language,
		VADThreshold:    sec.VADThreshold,
		SilenceDuration: sec.SilenceDuration(),
		Tools:           toolDefinitions(sec),
	}
	if sec.Provider == config.ProviderOpenAI && sec.AudioFormat == config.FormatG711 {
		cfg.Format = provider.FormatPCMU
		cfg.SampleRate = 8000
	} else {
		cfg.Format = provider.FormatPCM16
		cfg.SampleRate = providerRate(sec.Provider)
	}
	return cfg
}

func (s *Session) pipelineConfig() pipeline.Config {
	sec := s.cfg.Secretary
	cfg := pipeline.Config{
		CallID:          s.cfg.CallID,
		TenantID:        s.cfg.TenantID,
		WireFormat:      sec.AudioFormat,
		VADThreshold:    sec.VADThreshold,
		SilenceDuration: sec.SilenceDuration(),
	}
	if sec.Provider == config.ProviderOpenAI && sec.AudioFormat == config.FormatG711 {
		cfg.ProviderULaw = true
	} else {
		cfg.ProviderRate = providerRate(sec.Provider)
	}
	return cfg
}

// providerRate is the PCM rate each provider consumes.
func providerRate(kind config.ProviderKind) int {
	if kind == config.ProviderOpenAI {
		return 24000
	}
	return 16000
}

func (s *Session) writeFrame(frame []byte) error {
	return s.cfg.WriteFrame(frame)
}

func (s *Session) emit(kind event.Kind, payload event.Payload) {
	err := s.bus.Emit(event.Event{
		Kind:      kind,
		CallID:    s.cfg.CallID,
		TenantID:  s.cfg.TenantID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil && !errors.Is(err, event.ErrBusClosed) {
		s.log.Warn("emit failed", "kind", kind.String(), "err", err)
	}
}

// createTicket builds and posts a handoff ticket from the call's transcript.
func (s *Session) createTicket(ctx context.Context, reason string) (string, error) {
	if s.cfg.Backend == nil {
		return "", errors.New("session: no ticket backend configured")
	}

	s.mu.Lock()
	transcript := make([]backend.TranscriptEntry, len(s.turns))
	for i, t := range s.turns {
		transcript[i] = backend.TranscriptEntry{
			Role:        t.Role,
			Text:        t.Text,
			TimestampMs: t.Timestamp.Sub(s.startedAt).Milliseconds(),
		}
	}
	s.mu.Unlock()

	ticket := &backend.HandoffTicket{
		CallUUID:        s.cfg.CallID,
		CallerID:        s.cfg.CallerID,
		Transcript:      transcript,
		Summary:         summarize(transcript),
		Provider:        s.cfg.Adapter.Kind(),
		Language:        s.cfg.Secretary.Language,
		DurationSeconds: int(time.Since(s.startedAt) / time.Second),
		Turns:           len(transcript),
		HandoffReason:   reason,
		SecretaryUUID:   s.cfg.Secretary.SecretaryID,
		Domain:          s.cfg.Domain,
	}

	id, err := s.cfg.Backend.CreateTicket(ctx, ticket)
	if err != nil {
		return "", err
	}
	s.cfg.Metrics.RecordTicket(ctx, reasonClass(reason))
	s.mu.Lock()
	s.ticketID = id
	s.mu.Unlock()
	return id, nil
}

// reasonClass truncates a handoff reason to its vocabulary class:
// "extension_offline:not_registered" counts as "extension_offline".
func reasonClass(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}

// summarize is the ticket summary rule: turn count plus the tail of the last
// user utterance.
func summarize(transcript []backend.TranscriptEntry) string {
	var lastUser string
	for _, t := range transcript {
		if t.Role == "user" {
			lastUser = t.Text
		}
	}
	const tail = 100
	if r := []rune(lastUser); len(r) > tail {
		lastUser = string(r[len(r)-tail:])
	}
	return fmt.Sprintf("[%d turns] %s", len(transcript), lastUser)
}

// marshalResult encodes a function-call result object, falling back to an
// error payload if encoding fails.
func marshalResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(b)
}
