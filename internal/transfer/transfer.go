// Package transfer performs announced transfers to human agents: resolve the
// spoken department to a dialable destination, verify the agent is reachable,
// originate a B-leg, whisper an announcement to the agent, and bridge the two
// legs. When the agent cannot be reached the rule's fallback action decides
// between offering a ticket, creating one outright, or hanging up.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atendai/voicebridge/internal/call"
	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/esl"
	"github.com/atendai/voicebridge/internal/event"
	"github.com/atendai/voicebridge/internal/observe"
)

// announceTimeout bounds the whisper played to the agent before bridging.
const announceTimeout = 8 * time.Second

// defaultAnnouncement is whispered to the agent when the requester supplied
// no message of its own.
const defaultAnnouncement = "Transferindo chamada"

// ErrNoRule is returned when neither the department nor a default rule
// resolves to a destination.
var ErrNoRule = errors.New("transfer: no matching transfer rule")

// FailedError reports an unrecoverable transfer attempt. Reason uses the
// ticket handoff vocabulary ("extension_offline:not_registered",
// "after_hours", "no_answer:NO_ANSWER", ...).
type FailedError struct {
	Destination string
	Reason      string
	Err         error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("transfer: %s failed: %s", e.Destination, e.Reason)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Switch is the control-socket surface the manager drives. *esl.Client
// satisfies it.
type Switch interface {
	Originate(ctx context.Context, endpoint, app string, vars map[string]string) (string, error)
	Bridge(ctx context.Context, uuid, endpoint string) error
	Kill(ctx context.Context, uuid, cause string) error
}

// Presence answers whether a destination is registered. *presence.Cache
// satisfies it.
type Presence interface {
	Online(ctx context.Context, tenant, domain, destination string) (bool, error)
	Invalidate(tenant, destination string)
}

// Announcer plays a whispered message on the B-leg and returns when playback
// finishes. The server shell provides one backed by the B-leg audio stream.
type Announcer func(ctx context.Context, blegUUID, message string) error

// TicketFunc creates a handoff ticket for the given reason and returns its
// id. The session provides one that knows the call's transcript.
type TicketFunc func(ctx context.Context, reason string) (string, error)

// Request is the payload of a TRANSFER_REQUESTED event. Destination, when
// set, bypasses department resolution.
type Request struct {
	Department  string
	Destination string
	Message     string
}

// Result describes how a transfer attempt concluded. Exactly one of the
// Bridged and Action outcomes applies: either the legs were bridged, or the
// session must carry out the fallback action.
type Result struct {
	Bridged     bool
	Destination string
	BLegUUID    string

	// Action is the fallback the session should perform when not bridged.
	Action config.FallbackAction

	// Reason is the handoff reason in ticket vocabulary.
	Reason string

	// TicketID is set when Action is create_ticket and the POST succeeded.
	TicketID string
}

// Manager executes announced transfers for one call. It drives the session's
// state machine through the transfer track and emits the transfer events on
// the session bus.
type Manager struct {
	log      *slog.Logger
	bus      *event.Bus
	machine  *call.Machine
	sw       Switch
	presence Presence
	announce Announcer
	ticket   TicketFunc
	metrics  *observe.Metrics

	callID   string
	tenantID string
	domain   string
	aLeg     string
	rules    []config.TransferRule

	now func() time.Time
}

// ManagerConfig carries the manager's collaborators. All fields except
// Announce and Ticket are required.
type ManagerConfig struct {
	Log      *slog.Logger
	Bus      *event.Bus
	Machine  *call.Machine
	Switch   Switch
	Presence Presence
	Announce Announcer
	Ticket   TicketFunc
	Metrics  *observe.Metrics

	CallID   string
	TenantID string
	Domain   string
	ALegUUID string
	Rules    []config.TransferRule
}

// NewManager builds a transfer manager for one call.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("call_id", cfg.CallID, "tenant_id", cfg.TenantID),
		bus:      cfg.Bus,
		machine:  cfg.Machine,
		sw:       cfg.Switch,
		presence: cfg.Presence,
		announce: cfg.Announce,
		ticket:   cfg.Ticket,
		metrics:  cfg.Metrics,
		callID:   cfg.CallID,
		tenantID: cfg.TenantID,
		domain:   cfg.Domain,
		aLeg:     cfg.ALegUUID,
		rules:    cfg.Rules,
		now:      time.Now,
	}
}

// Execute runs the transfer algorithm end to end. It returns a Result on any
// orderly conclusion, bridged or not; an error means the state machine
// rejected the transfer track or the context was cancelled.
func (m *Manager) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observe.StartTransferSpan(ctx, req.Department)
	defer span.End()

	if err := m.machine.Trigger(call.TriggerRequestTransfer); err != nil {
		return nil, err
	}

	rule := m.selectRule(req)
	if rule == nil {
		m.failed("", req.Department, "no_rule")
		m.machine.Trigger(call.TriggerTransferFailed)
		return nil, ErrNoRule
	}
	dest := rule.Destination

	if reason := m.validate(ctx, rule); reason != "" {
		m.failed(dest, rule.Department, reason)
		m.machine.Trigger(call.TriggerTransferFailed)
		observe.SpanResult(ctx, reason)
		return m.fallback(ctx, rule, reason)
	}

	message := req.Message
	if message == "" {
		message = defaultAnnouncement
	}

	var lastReason string
	for attempt := 0; ; attempt++ {
		res, reason := m.dialAndBridge(ctx, rule, message)
		if reason == "" {
			observe.SpanResult(ctx, "bridged")
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastReason = reason
		m.failed(dest, rule.Department, reason)
		m.machine.Trigger(call.TriggerTransferFailed)

		if m.machine.State() == call.StateEnded || attempt >= 1 {
			break
		}

		// The registration that passed validation is evidently stale.
		m.presence.Invalidate(m.tenantID, dest)
		m.log.Info("retrying transfer", "destination", dest, "reason", reason)
		if err := m.machine.Trigger(call.TriggerRequestTransfer); err != nil {
			return nil, err
		}
	}
	observe.SpanResult(ctx, lastReason)
	return m.fallback(ctx, rule, lastReason)
}

// selectRule resolves the request to a rule. An explicit destination bypasses
// department matching but still inherits a configured rule for that extension
// when one exists.
func (m *Manager) selectRule(req Request) *config.TransferRule {
	if req.Destination != "" {
		for i := range m.rules {
			if m.rules[i].Destination == req.Destination {
				return &m.rules[i]
			}
		}
		return &config.TransferRule{
			Destination: req.Destination,
			Department:  req.Department,
			Fallback:    config.FallbackOfferTicket,
		}
	}
	rule, ok := Resolve(m.rules, req.Department)
	if !ok {
		return nil
	}
	return rule
}

// validate runs the presence and time-of-day checks. It returns the failure
// reason, or "" when the destination is callable.
func (m *Manager) validate(ctx context.Context, rule *config.TransferRule) string {
	online, err := m.presence.Online(ctx, m.tenantID, m.domain, rule.Destination)
	if err != nil {
		m.log.Warn("presence probe failed", "destination", rule.Destination, "err", err)
		return "extension_offline:probe_failed"
	}
	if !online {
		return "extension_offline:not_registered"
	}

	if wh := rule.WorkingHours; wh != nil {
		now := m.now()
		if wh.IsHoliday(now) {
			return "holiday"
		}
		if !wh.Contains(now) {
			return "after_hours"
		}
	}
	return ""
}

// dialAndBridge runs one attempt end to end: originate, announce, bridge. It
// returns the result on success, or the failure reason.
func (m *Manager) dialAndBridge(ctx context.Context, rule *config.TransferRule, message string) (*Result, string) {
	if err := m.machine.Trigger(call.TriggerDestinationValidated); err != nil {
		return nil, "invalid_state:" + err.Error()
	}
	m.emit(event.KindTransferDialing, event.TransferPayload{
		Destination: rule.Destination,
		Department:  rule.Department,
	})

	endpoint := fmt.Sprintf("user/%s@%s", rule.Destination, m.domain)
	vars := map[string]string{
		"origination_uuid":    uuid.NewString(),
		"origination_timeout": strconv.Itoa(int(rule.RingTimeout() / time.Second)),
		"hangup_after_bridge": "false",
	}

	dialCtx, cancel := context.WithTimeout(ctx, rule.RingTimeout()+2*time.Second)
	dialedAt := m.now()
	bleg, err := m.sw.Originate(dialCtx, endpoint, "&park()", vars)
	cancel()
	if err != nil {
		m.log.Warn("originate failed", "endpoint", endpoint, "err", err)
		return nil, "no_answer:" + causeOf(err)
	}
	m.metrics.RecordTransferRing(ctx, m.now().Sub(dialedAt).Seconds())
	if err := m.machine.Trigger(call.TriggerBLegAnswered); err != nil {
		m.hangupBLeg(bleg)
		return nil, "invalid_state:" + err.Error()
	}

	if m.announce != nil {
		annCtx, cancel := context.WithTimeout(ctx, announceTimeout)
		err = m.announce(annCtx, bleg, message)
		cancel()
		if err != nil {
			m.log.Warn("announcement failed", "b_leg", bleg, "err", err)
			m.hangupBLeg(bleg)
			return nil, "announce_failed"
		}
	}
	if err := m.machine.Trigger(call.TriggerAnnounceComplete); err != nil {
		m.hangupBLeg(bleg)
		return nil, "invalid_state:" + err.Error()
	}
	m.emit(event.KindTransferAnswered, event.TransferPayload{
		Destination: rule.Destination,
		Department:  rule.Department,
	})

	if err := m.machine.Trigger(call.TriggerCallerOK); err != nil {
		m.hangupBLeg(bleg)
		return nil, "invalid_state:" + err.Error()
	}
	if err := m.sw.Bridge(ctx, m.aLeg, bleg); err != nil {
		m.log.Warn("bridge failed", "a_leg", m.aLeg, "b_leg", bleg, "err", err)
		m.hangupBLeg(bleg)
		return nil, "bridge_failed"
	}
	if err := m.machine.Trigger(call.TriggerBridgeComplete); err != nil {
		return nil, "invalid_state:" + err.Error()
	}
	m.emit(event.KindBridgeComplete, event.TransferPayload{
		Destination: rule.Destination,
		Department:  rule.Department,
	})
	m.log.Info("transfer bridged", "destination", rule.Destination, "b_leg", bleg)

	return &Result{
		Bridged:     true,
		Destination: rule.Destination,
		BLegUUID:    bleg,
	}, ""
}

// fallback carries out the rule's fallback action after all attempts failed.
// Only create_ticket acts here; the other actions are returned for the
// session to perform in conversation.
func (m *Manager) fallback(ctx context.Context, rule *config.TransferRule, reason string) (*Result, error) {
	action := rule.Fallback
	if !action.IsValid() {
		action = config.FallbackOfferTicket
	}
	res := &Result{
		Destination: rule.Destination,
		Action:      action,
		Reason:      reason,
	}
	if action != config.FallbackCreateTicket {
		return res, nil
	}
	if m.ticket == nil {
		return nil, &FailedError{Destination: rule.Destination, Reason: reason,
			Err: errors.New("transfer: no ticket sink configured")}
	}
	id, err := m.ticket(ctx, reason)
	if err != nil {
		return nil, &FailedError{Destination: rule.Destination, Reason: reason, Err: err}
	}
	res.TicketID = id
	m.log.Info("handoff ticket created", "ticket_id", id, "reason", reason)
	return res, nil
}

func (m *Manager) failed(dest, department, reason string) {
	m.log.Warn("transfer failed", "destination", dest, "reason", reason)
	m.emit(event.KindTransferFailed, event.TransferPayload{
		Destination: dest,
		Department:  department,
		Reason:      reason,
	})
}

func (m *Manager) hangupBLeg(bleg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sw.Kill(ctx, bleg, "NORMAL_CLEARING"); err != nil {
		m.log.Warn("b-leg hangup failed", "b_leg", bleg, "err", err)
	}
}

func (m *Manager) emit(kind event.Kind, payload event.Payload) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(event.Event{
		Kind:      kind,
		CallID:    m.callID,
		TenantID:  m.tenantID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// causeOf extracts the switch hangup cause from an originate error.
func causeOf(err error) string {
	var cmdErr *esl.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Cause
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "NO_ANSWER"
	}
	return "ORIGINATOR_CANCEL"
}
