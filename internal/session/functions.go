package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/atendai/voicebridge/internal/call"
	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/event"
	"github.com/atendai/voicebridge/internal/store"
	"github.com/atendai/voicebridge/internal/transfer"
	"github.com/atendai/voicebridge/pkg/provider"
)

// toolDefinitions is the function registry offered to the model. The set is
// fixed; transfer destinations come from the secretary's rules.
func toolDefinitions(sec *config.SecretaryConfig) []provider.ToolDefinition {
	departments := make([]any, 0, len(sec.TransferRules))
	for _, r := range sec.TransferRules {
		if r.Department != "" {
			departments = append(departments, r.Department)
		}
	}

	return []provider.ToolDefinition{
		{
			Name:        "transfer_call",
			Description: "Transfer the caller to a human agent in the named department.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"department": map[string]any{
						"type":        "string",
						"description": "Department the caller asked for.",
						"enum":        departments,
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Short announcement whispered to the agent before bridging.",
					},
				},
				"required": []any{"department"},
			},
		},
		{
			Name:        "create_ticket",
			Description: "Create a callback ticket so a human can follow up later.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the caller needs a follow-up.",
					},
				},
				"required": []any{"reason"},
			},
		},
		{
			Name:        "lookup_customer",
			Description: "Look up the caller's record by their phone number.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

type transferArgs struct {
	Department  string `json:"department"`
	Destination string `json:"destination"`
	Message     string `json:"message"`
}

type ticketArgs struct {
	Reason string `json:"reason"`
}

// onFunctionCall dispatches a model tool invocation. Calls arriving while the
// machine is in a transfer substate are rejected and logged, never queued.
func (s *Session) onFunctionCall(ev event.Event) {
	p, ok := ev.Payload.(event.FunctionCallPayload)
	if !ok {
		return
	}

	if state := s.machine.State(); state.InTransfer() {
		err := &call.InvalidTransitionError{Current: state, Trigger: call.TriggerRequestTransfer}
		s.log.Error("function call during transfer rejected",
			"function", p.Name, "state", state.String(), "err", err)
		s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "rejected")
		s.functionResult(p.CallRef, map[string]any{"error": "transfer in progress"})
		return
	}

	s.log.Info("function call", "function", p.Name)
	switch p.Name {
	case "transfer_call":
		var args transferArgs
		if err := json.Unmarshal([]byte(p.Arguments), &args); err != nil {
			s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "bad_arguments")
			s.functionResult(p.CallRef, map[string]any{"error": "bad arguments"})
			return
		}
		s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "ok")
		s.mu.Lock()
		s.transferRef = p.CallRef
		s.mu.Unlock()
		s.emit(event.KindTransferRequested, event.TransferPayload{
			Destination: args.Destination,
			Department:  args.Department,
			Message:     args.Message,
		})

	case "create_ticket":
		var args ticketArgs
		if err := json.Unmarshal([]byte(p.Arguments), &args); err != nil {
			s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "bad_arguments")
			s.functionResult(p.CallRef, map[string]any{"error": "bad arguments"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		id, err := s.createTicket(ctx, "caller_request:"+args.Reason)
		cancel()
		if err != nil {
			s.log.Error("ticket creation failed", "err", err)
			s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "error")
			s.functionResult(p.CallRef, map[string]any{"error": "ticket creation failed"})
			return
		}
		s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "ok")
		s.setOutcomePreference(store.OutcomeTicketCreated)
		s.functionResult(p.CallRef, map[string]any{"ticket_id": id})

	case "lookup_customer":
		s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "ok")
		s.functionResult(p.CallRef, map[string]any{
			"caller_id": s.cfg.CallerID,
			"tenant_id": s.cfg.TenantID,
		})

	default:
		s.log.Warn("unknown function", "function", p.Name)
		s.cfg.Metrics.RecordFunctionCall(s.ctx, p.Name, "unknown")
		s.functionResult(p.CallRef, map[string]any{"error": "unknown function"})
	}
}

// onTransferRequested executes the announced transfer. On success the call is
// handed to the agent and this session winds down; on failure the outcome of
// the attempt is fed back to the model so it can carry out the fallback in
// conversation.
func (s *Session) onTransferRequested(ev event.Event) {
	p, ok := ev.Payload.(event.TransferPayload)
	if !ok {
		return
	}

	res, err := s.transfers.Execute(s.ctx, transfer.Request{
		Department:  p.Department,
		Destination: p.Destination,
		Message:     p.Message,
	})

	s.mu.Lock()
	ref := s.transferRef
	s.transferRef = ""
	s.mu.Unlock()

	if err != nil {
		s.log.Error("transfer aborted", "err", err)
		s.cfg.Metrics.RecordTransfer(s.ctx, s.cfg.TenantID, "aborted")
		s.functionResult(ref, map[string]any{"status": "failed", "reason": "internal"})
		return
	}

	if res.Bridged {
		s.log.Info("call bridged to agent", "destination", res.Destination)
		s.cfg.Metrics.RecordTransfer(s.ctx, s.cfg.TenantID, "bridged")
		s.finish(store.OutcomeTransferred)
		return
	}
	s.cfg.Metrics.RecordTransfer(s.ctx, s.cfg.TenantID, string(res.Action))

	switch res.Action {
	case config.FallbackCreateTicket:
		s.setOutcomePreference(store.OutcomeTicketCreated)
		s.functionResult(ref, map[string]any{
			"status":    "failed",
			"reason":    res.Reason,
			"ticket_id": res.TicketID,
		})
		s.speakFallback("Não consegui completar a transferência. Registrei sua solicitação e retornaremos em breve.")
		s.finish(store.OutcomeTicketCreated)

	case config.FallbackHangup:
		s.functionResult(ref, map[string]any{"status": "failed", "reason": res.Reason})
		s.speakFallback(s.cfg.Secretary.Farewell)
		s.finish(store.OutcomeCompleted)

	default: // offer_ticket: the model offers, the caller decides.
		s.functionResult(ref, map[string]any{
			"status":   "failed",
			"reason":   res.Reason,
			"fallback": "offer_ticket",
		})
	}
}

// setOutcomePreference records a non-terminal outcome hint without ending the
// call: if nothing more decisive happens, teardown persists this one.
func (s *Session) setOutcomePreference(outcome store.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.outcomeSet {
		s.outcome = outcome
	}
}

func (s *Session) functionResult(callRef string, result map[string]any) {
	prov := s.prov()
	if callRef == "" || prov == nil {
		return
	}
	if err := prov.FunctionResult(callRef, marshalResult(result)); err != nil {
		s.log.Warn("function result delivery failed", "err", err)
	}
}
