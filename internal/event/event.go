// Package event defines the closed set of in-call events and the per-session
// publish/subscribe bus that carries them between the pipeline, the state
// machine, the transfer manager, and the session orchestrator.
package event

import "time"

// Kind identifies one of the closed set of voice events. The set is
// intentionally not extensible: every kind the bridge can emit is enumerated
// here and payloads are per-kind variants.
type Kind int

const (
	KindCallStarted Kind = iota
	KindCallEnded
	KindAudioIn
	KindAudioOut
	KindUserSpeechStart
	KindUserSpeechEnd
	KindAgentSpeechStart
	KindAgentSpeechEnd
	KindBargeIn
	KindDTMF
	KindFunctionCall
	KindTransferRequested
	KindTransferDialing
	KindTransferAnswered
	KindTransferFailed
	KindBridgeComplete
	KindProviderDegraded
	KindHeartbeatTimeout
	KindStateChanged
)

var kindNames = map[Kind]string{
	KindCallStarted:       "CALL_STARTED",
	KindCallEnded:         "CALL_ENDED",
	KindAudioIn:           "AUDIO_IN",
	KindAudioOut:          "AUDIO_OUT",
	KindUserSpeechStart:   "USER_SPEECH_START",
	KindUserSpeechEnd:     "USER_SPEECH_END",
	KindAgentSpeechStart:  "AGENT_SPEECH_START",
	KindAgentSpeechEnd:    "AGENT_SPEECH_END",
	KindBargeIn:           "BARGE_IN",
	KindDTMF:              "DTMF",
	KindFunctionCall:      "FUNCTION_CALL",
	KindTransferRequested: "TRANSFER_REQUESTED",
	KindTransferDialing:   "TRANSFER_DIALING",
	KindTransferAnswered:  "TRANSFER_ANSWERED",
	KindTransferFailed:    "TRANSFER_FAILED",
	KindBridgeComplete:    "BRIDGE_COMPLETE",
	KindProviderDegraded:  "PROVIDER_DEGRADED",
	KindHeartbeatTimeout:  "HEARTBEAT_TIMEOUT",
	KindStateChanged:      "STATE_CHANGED",
}

// String returns the wire-level name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is a tagged record dispatched on the session bus. Every event emitted
// while a session exists carries that session's call and tenant identifiers.
type Event struct {
	Kind      Kind
	CallID    string
	TenantID  string
	Timestamp time.Time
	Payload   Payload
}

// Payload is the per-kind variant data attached to an Event. Consumers switch
// on the concrete type after matching the Kind.
type Payload interface {
	isPayload()
}

// AudioPayload carries raw audio bytes for AUDIO_IN / AUDIO_OUT.
type AudioPayload struct {
	Data       []byte
	SampleRate int
}

// TransitionPayload describes a STATE_CHANGED event.
type TransitionPayload struct {
	From    string
	To      string
	Trigger string
}

// DTMFPayload carries a single DTMF digit from the switch.
type DTMFPayload struct {
	Digit string
}

// FunctionCallPayload carries a provider tool invocation.
type FunctionCallPayload struct {
	Name      string
	Arguments string
	CallRef   string
}

// TransferPayload parameterises the transfer track events.
type TransferPayload struct {
	Destination string
	Department  string
	Message     string
	Reason      string
}

// HealthPayload describes a link-health classification change.
type HealthPayload struct {
	Link     string
	Severity string
	Silence  time.Duration
}

// SpeechPayload marks a speech boundary with its onset offset into the call.
type SpeechPayload struct {
	At time.Duration
}

func (AudioPayload) isPayload()        {}
func (TransitionPayload) isPayload()   {}
func (DTMFPayload) isPayload()         {}
func (FunctionCallPayload) isPayload() {}
func (TransferPayload) isPayload()     {}
func (HealthPayload) isPayload()       {}
func (SpeechPayload) isPayload()       {}
