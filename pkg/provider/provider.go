// Package provider defines the Adapter interface over realtime conversational
// AI backends.
//
// An adapter wraps a vendor's speech-to-speech WebSocket protocol (OpenAI
// Realtime, ElevenLabs Conversational, Gemini Live) behind a uniform session
// contract: audio in, audio out, barge-in interruption, and function calls.
// The voice bridge talks only to this interface; the vendor-specific message
// shapes live in the concrete subpackages.
//
// All implementations must be safe for concurrent use.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrProviderDead is returned when the provider link is lost and the single
// permitted reconnect attempt has also failed. The session treats it as fatal
// for the call.
var ErrProviderDead = errors.New("provider: dead after reconnect attempt")

// reconnectBackoff is the pause before the one permitted reconnect attempt.
const reconnectBackoff = 500 * time.Millisecond

// AudioFormat selects the wire audio encoding negotiated with the provider.
type AudioFormat string

const (
	// FormatPCMU is 8-bit μ-law at 8 kHz, passed through from the PSTN leg.
	FormatPCMU AudioFormat = "pcmu"

	// FormatPCM16 is 16-bit little-endian linear PCM.
	FormatPCM16 AudioFormat = "pcm16"
)

// ToolDefinition describes a function the model may invoke mid-conversation.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is the initial configuration for a provider session,
// snapshotted from the secretary config at call start.
type SessionConfig struct {
	// Voice is the provider-specific voice identifier.
	Voice string

	// Instructions is the system prompt defining the secretary's persona.
	Instructions string

	// Greeting, when non-empty, asks the provider to open the conversation
	// with this exact first message.
	Greeting string

	// Language is the BCP-47 conversation language (e.g. "pt-BR").
	Language string

	// Format is the negotiated audio encoding. Adapters that only speak one
	// format ignore it and expose their native rate via [Session] semantics.
	Format AudioFormat

	// SampleRate is the input sample rate in Hz matching Format.
	SampleRate int

	// VADThreshold tunes server-side voice activity detection, 0.0–1.0.
	// Zero means the provider default.
	VADThreshold float64

	// SilenceDuration is the end-of-turn silence window for server-side VAD.
	SilenceDuration time.Duration

	// Tools is the function registry offered to the model.
	Tools []ToolDefinition
}

// EventType discriminates the variants carried on a session's event channel.
type EventType int

const (
	// EventReady fires once the provider has acknowledged session setup.
	EventReady EventType = iota

	// EventAssistantAudio carries a chunk of synthesised speech.
	EventAssistantAudio

	// EventTextDelta carries an incremental piece of the assistant's spoken
	// text, in generation order.
	EventTextDelta

	// EventUserTranscript carries the provider's transcription of a completed
	// user turn.
	EventUserTranscript

	// EventFunctionCall carries a tool invocation request from the model.
	EventFunctionCall

	// EventAssistantDone marks the end of an assistant response.
	EventAssistantDone

	// EventError carries a non-fatal error reported by the provider.
	EventError
)

// Event is a single occurrence on a provider session. Only the fields
// relevant to Type are populated.
type Event struct {
	Type EventType

	// Audio is the decoded audio payload for EventAssistantAudio.
	Audio []byte

	// Text is the delta or transcript for EventTextDelta / EventUserTranscript.
	Text string

	// Name, Arguments and CallRef describe an EventFunctionCall. Arguments is
	// the raw JSON-encoded argument object.
	Name      string
	Arguments string
	CallRef   string

	// Err is set for EventError.
	Err error
}

// Session is an open realtime conversation with a provider.
//
// Audio output and all other provider activity arrive on the Events channel;
// consumers must drain it promptly or the receive loop stalls. Callers must
// call Close when done.
type Session interface {
	// SendAudio pushes one audio chunk in the format negotiated at Connect.
	SendAudio(chunk []byte) error

	// CommitTurn marks the end of the user's turn for adapters without
	// server-side VAD. Adapters with server VAD treat it as a no-op.
	CommitTurn() error

	// Interrupt cancels any in-flight assistant response. Used on barge-in.
	Interrupt() error

	// FunctionResult injects the outcome of a previously surfaced
	// EventFunctionCall back into the conversation.
	FunctionResult(callRef, output string) error

	// Events returns the channel carrying all session activity. It is closed
	// when the session ends; check Err afterwards for the cause.
	Events() <-chan Event

	// Err reports the error that terminated the session, or nil after a
	// clean close.
	Err() error

	// Close shuts the session down. Idempotent.
	Close() error
}

// Adapter opens sessions against one concrete provider backend.
type Adapter interface {
	// Connect establishes a session ready to accept audio. The caller owns
	// the returned Session and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Kind names the backend ("openai", "elevenlabs", "gemini").
	Kind() string
}

// ConnectWithRetry dials the provider, allowing one reconnect attempt after a
// short backoff. A second failure is reported as [ErrProviderDead] wrapping
// the last dial error.
func ConnectWithRetry(ctx context.Context, a Adapter, cfg SessionConfig) (Session, error) {
	sess, err := a.Connect(ctx, cfg)
	if err == nil {
		return sess, nil
	}

	select {
	case <-time.After(reconnectBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess, retryErr := a.Connect(ctx, cfg)
	if retryErr != nil {
		return nil, errors.Join(ErrProviderDead, retryErr)
	}
	return sess, nil
}
