// Package gemini implements the provider.Adapter interface for Google's
// Gemini Live API.
//
// It speaks the BidiGenerateContent WebSocket protocol: a setup message
// carrying the system instruction (mandatory), realtimeInput frames for audio
// at 16 kHz, and activityEnd to mark barge-in when automatic activity
// detection is disabled.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputMIMEType = "audio/pcm;rate=16000"
)

// SampleRate is the input sample rate expected by the Live API.
const SampleRate = 16000

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements provider.Adapter for Google's Gemini Live API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Adapter with the given API key and options.
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
func (a *Adapter) Kind() string { return "gemini" }

// Connect establishes a new Live session. The system instruction must be
// present in the setup message; an empty Instructions is rejected here rather
// than by a delayed server error.
func (a *Adapter) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	if cfg.Instructions == "" {
		return nil, fmt.Errorf("gemini: setup requires a system instruction")
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		a.baseURL, a.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan provider.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(a.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string            `json:"model"`
	GenerationConfig  generationConfig  `json:"generationConfig"`
	SystemInstruction systemInstruction `json:"systemInstruction"`
	Tools             []geminiTool      `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio       *inlineData      `json:"audio,omitempty"`
	ActivityEnd *json.RawMessage `json:"activityEnd,omitempty"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
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

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg provider.SessionConfig) error {
	instructions := cfg.Instructions
	if cfg.Greeting != "" {
		instructions += "\nOpen the conversation by saying exactly: " + cfg.Greeting
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			SystemInstruction: systemInstruction{
				Parts: []part{{Text: instructions}},
			},
		},
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
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
			continue // skip malformed frames
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.emit(provider.Event{Type: provider.EventReady})
	}
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.emit(provider.Event{Type: provider.EventError, Err: fmt.Errorf("gemini: %s", text)})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			s.emit(provider.Event{
				Type:      provider.EventFunctionCall,
				Name:      fc.Name,
				Arguments: string(fc.Args),
				CallRef:   fc.ID,
			})
		}
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audio) == 0 {
					continue
				}
				s.emit(provider.Event{Type: provider.EventAssistantAudio, Audio: audio})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(provider.Event{Type: provider.EventTextDelta, Text: sc.OutputTranscription.Text})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(provider.Event{Type: provider.EventUserTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.TurnComplete || sc.Interrupted {
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

// SendAudio delivers one 16 kHz PCM chunk as a realtimeInput audio frame.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &inlineData{
				MIMEType: inputMIMEType,
				Data:     base64.StdEncoding.EncodeToString(chunk),
			},
		},
	})
}

// CommitTurn marks the end of user activity so the model starts responding.
func (s *session) CommitTurn() error {
	return s.sendActivityEnd()
}

// Interrupt signals activityEnd, which cancels the in-flight model turn.
func (s *session) Interrupt() error {
	return s.sendActivityEnd()
}

func (s *session) sendActivityEnd() error {
	empty := json.RawMessage("{}")
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &empty},
	})
}

// FunctionResult returns a tool outcome to the model. The output string is
// wrapped as {"result": output} per the functionResponse contract.
func (s *session) FunctionResult(callRef, output string) error {
	return s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       callRef,
				Response: map[string]any{"result": output},
			}},
		},
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
