// Package call implements the in-call control plane: the guarded state
// machine over the call lifecycle, the named timeout manager, and the link
// heartbeat monitor. One instance of each is owned by a single session.
package call

import (
	"fmt"
	"sync"
)

// State enumerates the call lifecycle, including the transfer track.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateListening
	StateSpeaking
	StateProcessing
	StateTransferValidating
	StateTransferDialing
	StateTransferAnnouncing
	StateTransferWaiting
	StateTransferBridging
	StateBridged
	StateEnded
)

var stateNames = map[State]string{
	StateIdle:               "IDLE",
	StateConnecting:         "CONNECTING",
	StateConnected:          "CONNECTED",
	StateListening:          "LISTENING",
	StateSpeaking:           "SPEAKING",
	StateProcessing:         "PROCESSING",
	StateTransferValidating: "TRANSFER_VALIDATING",
	StateTransferDialing:    "TRANSFER_DIALING",
	StateTransferAnnouncing: "TRANSFER_ANNOUNCING",
	StateTransferWaiting:    "TRANSFER_WAITING",
	StateTransferBridging:   "TRANSFER_BRIDGING",
	StateBridged:            "BRIDGED",
	StateEnded:              "ENDED",
}

// String returns the wire name of the state.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// InTransfer reports whether s belongs to the transfer track (validating
// through bridging). BRIDGED and ENDED are terminal, not "in transfer".
func (s State) InTransfer() bool {
	return s >= StateTransferValidating && s <= StateTransferBridging
}

// Trigger names an input to the state machine.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerConnected
	TriggerGreet
	TriggerAgentDone
	TriggerUserSpeech
	TriggerUserDone
	TriggerAgentSpeech
	TriggerBargeIn
	TriggerRequestTransfer
	TriggerDestinationValidated
	TriggerBLegAnswered
	TriggerAnnounceComplete
	TriggerCallerOK
	TriggerBridgeComplete
	TriggerTransferFailed
	TriggerHangup
)

var triggerNames = map[Trigger]string{
	TriggerStart:                "start",
	TriggerConnected:            "connected",
	TriggerGreet:                "greet",
	TriggerAgentDone:            "agent_done",
	TriggerUserSpeech:           "user_speech",
	TriggerUserDone:             "user_done",
	TriggerAgentSpeech:          "agent_speech",
	TriggerBargeIn:              "barge_in",
	TriggerRequestTransfer:      "request_transfer",
	TriggerDestinationValidated: "destination_validated",
	TriggerBLegAnswered:         "b_leg_answered",
	TriggerAnnounceComplete:     "announce_complete",
	TriggerCallerOK:             "caller_ok",
	TriggerBridgeComplete:       "bridge_complete",
	TriggerTransferFailed:       "transfer_failed",
	TriggerHangup:               "hangup",
}

// String returns the wire name of the trigger.
func (t Trigger) String() string {
	if n, ok := triggerNames[t]; ok {
		return n
	}
	return "unknown"
}

// InvalidTransitionError is returned by Trigger when the named input is not
// legal in the current state or its guard vetoed it. It is surfaced
// synchronously to the caller and never travels the event bus.
type InvalidTransitionError struct {
	Current State
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("call: invalid transition: trigger %q in state %s", e.Trigger, e.Current)
}

// Guard is a transition predicate. Guards must not block and never panic;
// returning false rejects the trigger with InvalidTransitionError.
type Guard func() bool

// Observer is invoked after every successful transition, outside the
// machine's lock. The session wires this to a STATE_CHANGED bus emit.
type Observer func(from, to State, trigger Trigger)

// Effect runs on entering a state, after the state update and observer. It
// cannot veto the transition.
type Effect func(from State, trigger Trigger)

// transferRetryBudget is the number of times a failed transfer may fall back
// to LISTENING before the call is ended instead.
const transferRetryBudget = 1

type transitionKey struct {
	from    State
	trigger Trigger
}

// transitions is the static table. transfer_failed and hangup are handled
// separately because their targets depend on runtime state.
var transitions = map[transitionKey]State{
	{StateIdle, TriggerStart}:             StateConnecting,
	{StateConnecting, TriggerConnected}:   StateConnected,
	{StateConnected, TriggerGreet}:        StateSpeaking,
	{StateSpeaking, TriggerAgentDone}:     StateListening,
	{StateListening, TriggerUserSpeech}:   StateListening, // self, for barge-in timing
	{StateListening, TriggerUserDone}:     StateProcessing,
	{StateProcessing, TriggerAgentSpeech}: StateSpeaking,
	{StateSpeaking, TriggerBargeIn}:       StateListening,

	{StateListening, TriggerRequestTransfer}:  StateTransferValidating,
	{StateSpeaking, TriggerRequestTransfer}:   StateTransferValidating,
	{StateProcessing, TriggerRequestTransfer}: StateTransferValidating,

	{StateTransferValidating, TriggerDestinationValidated}: StateTransferDialing,
	{StateTransferDialing, TriggerBLegAnswered}:            StateTransferAnnouncing,
	{StateTransferAnnouncing, TriggerAnnounceComplete}:     StateTransferWaiting,
	{StateTransferWaiting, TriggerCallerOK}:                StateTransferBridging,
	{StateTransferBridging, TriggerBridgeComplete}:         StateBridged,
}

// Machine is a finite-state machine over the call lifecycle. All transitions
// are serialised on an internal mutex; concurrent Trigger calls are
// linearised. ENDED is absorbing.
type Machine struct {
	mu            sync.Mutex
	state         State
	guards        map[Trigger]Guard
	effects       map[State][]Effect
	observer      Observer
	retriesLeft   int
}

// NewMachine creates a machine in IDLE with the given observer. observer may
// be nil.
func NewMachine(observer Observer) *Machine {
	return &Machine{
		state:       StateIdle,
		guards:      make(map[Trigger]Guard),
		effects:     make(map[State][]Effect),
		observer:    observer,
		retriesLeft: transferRetryBudget,
	}
}

// SetGuard attaches a predicate to a trigger. A nil guard removes it.
func (m *Machine) SetGuard(trigger Trigger, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g == nil {
		delete(m.guards, trigger)
		return
	}
	m.guards[trigger] = g
}

// OnEnter registers an effect to run each time the machine enters state.
func (m *Machine) OnEnter(state State, fn Effect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.effects[state] = append(m.effects[state], fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether trigger would succeed right now, without side effects.
// Guards are evaluated.
func (m *Machine) Can(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resolve(trigger)
	return ok
}

// Trigger applies the named input. On success it updates the state, notifies
// the observer, and runs on-enter effects; on failure it returns
// InvalidTransitionError with the current state.
func (m *Machine) Trigger(trigger Trigger) error {
	m.mu.Lock()

	to, ok := m.resolve(trigger)
	if !ok {
		err := &InvalidTransitionError{Current: m.state, Trigger: trigger}
		m.mu.Unlock()
		return err
	}

	if trigger == TriggerTransferFailed && to != StateEnded {
		m.retriesLeft--
	}

	from := m.state
	m.state = to
	observer := m.observer
	effects := m.effects[to]
	m.mu.Unlock()

	if observer != nil {
		observer(from, to, trigger)
	}
	for _, fn := range effects {
		fn(from, trigger)
	}
	return nil
}

// RetriesLeft returns the remaining transfer retry budget.
func (m *Machine) RetriesLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retriesLeft
}

// resolve computes the target state for trigger from the current state.
// Must be called with m.mu held.
func (m *Machine) resolve(trigger Trigger) (State, bool) {
	if m.state == StateEnded {
		return 0, false
	}

	var to State
	switch trigger {
	case TriggerHangup:
		to = StateEnded
	case TriggerTransferFailed:
		if !m.state.InTransfer() {
			return 0, false
		}
		if m.retriesLeft > 0 {
			to = StateListening
		} else {
			to = StateEnded
		}
	default:
		var ok bool
		to, ok = transitions[transitionKey{m.state, trigger}]
		if !ok {
			return 0, false
		}
	}

	if g, ok := m.guards[trigger]; ok && !g() {
		return 0, false
	}
	return to, true
}
