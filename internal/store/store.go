// Package store persists conversation records and resolves secretary
// configuration for incoming calls.
//
// Two implementations exist: Postgres (production) and Memory (tests,
// development, and the degraded path when no DSN is configured).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atendai/voicebridge/internal/config"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeTransferred   Outcome = "transferred"
	OutcomeTicketCreated Outcome = "ticket_created"
	OutcomeProviderDead  Outcome = "provider_dead"
	OutcomeMaxDuration   Outcome = "max_duration"
)

// Turn is one utterance in a conversation, from either side.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted record of one call.
type Conversation struct {
	CallID    string
	TenantID  string
	CallerID  string
	Extension string
	Provider  string
	Language  string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   Outcome
	TicketID  string
	Turns     []Turn
}

// Duration returns the call length, zero when the record is incomplete.
func (c *Conversation) Duration() time.Duration {
	if c.StartedAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}

// Store is the persistence boundary of the bridge.
type Store interface {
	// SaveConversation upserts the conversation record keyed by CallID.
	SaveConversation(ctx context.Context, conv *Conversation) error

	// Conversation loads one record by call id, or ErrNotFound.
	Conversation(ctx context.Context, callID string) (*Conversation, error)

	// Secretary resolves the secretary configured for (tenant, extension),
	// or ErrNotFound.
	Secretary(ctx context.Context, tenantID, extension string) (*config.SecretaryConfig, error)

	// Close releases the backing resources.
	Close()
}
