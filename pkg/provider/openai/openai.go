// Package openai implements the provider.Adapter interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events. Audio travels as base64 chunks inside
// input_audio_buffer.append events; barge-in maps to response.cancel. The
// adapter can negotiate either G.711 μ-law (audio/pcmu) or linear PCM
// (audio/pcm) so telephony calls avoid a transcode on the hot path.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/atendai/voicebridge/pkg/provider"
)

// Compile-time assertions that Adapter and session satisfy the provider
// interfaces.
var _ provider.Adapter = (*Adapter)(nil)
var _ provider.Session = (*session)(nil)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements provider.Adapter for OpenAI's Realtime API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Kind names the backend.
func (a *Adapter) Kind() string { return "openai" }

// Connect establishes a new Realtime session. The returned Session is ready to
// accept audio immediately after the session.update message is sent.
func (a *Adapter) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan provider.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if cfg.Greeting != "" {
		if err := sess.requestGreeting(cfg.Greeting); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting request failed")
			return nil, fmt.Errorf("openai: greeting: %w", err)
		}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Type         string       `json:"type"`
	Instructions string       `json:"instructions,omitempty"`
	Audio        *audioParams `json:"audio,omitempty"`
	Tools        []oaiTool    `json:"tools,omitempty"`
}

type audioParams struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioInput struct {
	Format        wireFormat     `json:"format"`
	TurnDetection *turnDetection `json:"turn_detection,omitempty"`
}

type audioOutput struct {
	Format wireFormat `json:"format"`
	Voice  string     `json:"voice,omitempty"`
}

// wireFormat is "audio/pcmu" for telephony μ-law or "audio/pcm" for linear 16.
type wireFormat struct {
	Type string `json:"type"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type functionOutputMessage struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.output_audio.delta / response.output_audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan provider.Event

	mu     sync.Mutex
	errVal error
	closed bool
	ready  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(cfg provider.SessionConfig) error {
	format := wireFormat{Type: "audio/pcm"}
	if cfg.Format == provider.FormatPCMU {
		format = wireFormat{Type: "audio/pcmu"}
	}

	params := sessionParams{
		Type:         "realtime",
		Instructions: cfg.Instructions,
		Audio: &audioParams{
			Input:  audioInput{Format: format},
			Output: audioOutput{Format: format, Voice: cfg.Voice},
		},
	}
	if cfg.VADThreshold > 0 || cfg.SilenceDuration > 0 {
		params.Audio.Input.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			SilenceDurationMs: int(cfg.SilenceDuration.Milliseconds()),
		}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// requestGreeting asks the model to open the conversation with the configured
// first message.
func (s *session) requestGreeting(greeting string) error {
	return s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: &responseParams{Instructions: "Greet the caller with exactly: " + greeting},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns the
// events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created", "session.updated":
		s.mu.Lock()
		first := !s.ready
		s.ready = true
		s.mu.Unlock()
		if first {
			s.emit(provider.Event{Type: provider.EventReady})
		}

	case "response.output_audio.delta", "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		s.emit(provider.Event{Type: provider.EventAssistantAudio, Audio: audio})

	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(provider.Event{Type: provider.EventTextDelta, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(provider.Event{Type: provider.EventUserTranscript, Text: evt.Transcript})

	case "response.function_call_arguments.done":
		s.emit(provider.Event{
			Type:      provider.EventFunctionCall,
			Name:      evt.Name,
			Arguments: evt.Arguments,
			CallRef:   evt.CallID,
		})

	case "response.done":
		s.emit(provider.Event{Type: provider.EventAssistantDone})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(provider.Event{Type: provider.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (s *session) emit(evt provider.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

func toOAITools(tools []provider.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers one audio chunk as an input_audio_buffer.append event.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitTurn closes the user's input buffer and requests a response. With
// server-side VAD active the commit is redundant but harmless.
func (s *session) CommitTurn() error {
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// FunctionResult returns a tool outcome and triggers the next model response.
func (s *session) FunctionResult(callRef, output string) error {
	if err := s.writeJSON(functionOutputMessage{
		Type: "conversation.item.create",
		Item: functionOutputItem{
			Type:   "function_call_output",
			CallID: callRef,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// Events returns the channel on which session activity arrives.
func (s *session) Events() <-chan provider.Event { return s.events }

// Err returns the first non-nil error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
