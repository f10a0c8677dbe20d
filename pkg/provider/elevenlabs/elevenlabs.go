// Package elevenlabs implements the provider.Adapter interface for the
// ElevenLabs Conversational AI WebSocket protocol.
//
// Input audio travels as {"user_audio_chunk": <base64>} frames with no type
// field; barge-in maps to a user_activity event. Both directions run at
// 16 kHz PCM, so callers on μ-law trunks are resampled by the pipeline before
// reaching this adapter.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/atendai/voicebridge/pkg/provider"
)

// Compile-time assertions that Adapter and session satisfy the provider
// interfaces.
var _ provider.Adapter = (*Adapter)(nil)
var _ provider.Session = (*session)(nil)

const defaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// SampleRate is the fixed wire rate for both directions.
const SampleRate = 16000

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithAgentID sets the pre-built ElevenLabs agent the session attaches to.
func WithAgentID(id string) Option {
	return func(a *Adapter) { a.agentID = id }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements provider.Adapter for ElevenLabs Conversational AI.
type Adapter struct {
	apiKey  string
	agentID string
	baseURL string
}

// New creates a new ElevenLabs Adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Kind names the backend.
func (a *Adapter) Kind() string { return "elevenlabs" }

// Connect establishes a new conversational session. The secretary's prompt,
// greeting and voice are sent as conversation overrides in the initiation
// message.
func (a *Adapter) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	wsURL := a.baseURL
	if a.agentID != "" {
		wsURL = fmt.Sprintf("%s?agent_id=%s", a.baseURL, url.QueryEscape(a.agentID))
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"xi-api-key": []string{a.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan provider.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendInitiation(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "initiation failed")
		return nil, fmt.Errorf("elevenlabs: initiation: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type initiationMessage struct {
	Type     string          `json:"type"`
	Override *configOverride `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

// audioChunkMessage is the input audio frame. Deliberately has no "type" key.
type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type toolResultMessage struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ClientToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan provider.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendInitiation(cfg provider.SessionConfig) error {
	msg := initiationMessage{Type: "conversation_initiation_client_data"}
	if cfg.Instructions != "" || cfg.Greeting != "" || cfg.Language != "" || cfg.Voice != "" {
		ov := &configOverride{}
		agent := &agentOverride{
			FirstMessage: cfg.Greeting,
			Language:     cfg.Language,
		}
		if cfg.Instructions != "" {
			agent.Prompt = &promptOverride{Prompt: cfg.Instructions}
		}
		ov.Agent = agent
		if cfg.Voice != "" {
			ov.TTS = &ttsOverride{VoiceID: cfg.Voice}
		}
		msg.Override = ov
	}
	return s.writeJSON(msg)
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits. Protocol pings are answered
// inline so the conversation stays alive without caller involvement.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		s.emit(provider.Event{Type: provider.EventReady})

	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil || len(audio) == 0 {
			return
		}
		s.emit(provider.Event{Type: provider.EventAssistantAudio, Audio: audio})

	case "agent_response":
		if msg.AgentResponseEvent == nil || msg.AgentResponseEvent.AgentResponse == "" {
			return
		}
		// ElevenLabs delivers the full utterance at once, then the audio.
		s.emit(provider.Event{Type: provider.EventTextDelta, Text: msg.AgentResponseEvent.AgentResponse})
		s.emit(provider.Event{Type: provider.EventAssistantDone})

	case "user_transcript":
		if msg.UserTranscriptionEvent == nil || msg.UserTranscriptionEvent.UserTranscript == "" {
			return
		}
		s.emit(provider.Event{Type: provider.EventUserTranscript, Text: msg.UserTranscriptionEvent.UserTranscript})

	case "ping":
		if msg.PingEvent == nil {
			return
		}
		_ = s.writeJSON(pongMessage{Type: "pong", EventID: msg.PingEvent.EventID})

	case "client_tool_call":
		if msg.ClientToolCall == nil {
			return
		}
		s.emit(provider.Event{
			Type:      provider.EventFunctionCall,
			Name:      msg.ClientToolCall.ToolName,
			Arguments: string(msg.ClientToolCall.Parameters),
			CallRef:   msg.ClientToolCall.ToolCallID,
		})

	case "interruption":
		s.emit(provider.Event{Type: provider.EventAssistantDone})
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

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers one 16 kHz PCM chunk as a user_audio_chunk frame.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(audioChunkMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitTurn is a no-op: ElevenLabs runs server-side turn detection.
func (s *session) CommitTurn() error { return nil }

// Interrupt signals user activity, which cancels the in-flight agent response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "user_activity"})
}

// FunctionResult returns a client tool outcome to the agent.
func (s *session) FunctionResult(callRef, output string) error {
	return s.writeJSON(toolResultMessage{
		Type:       "client_tool_result",
		ToolCallID: callRef,
		Result:     output,
	})
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
