package store

import (
	"context"
	"sync"

	"github.com/atendai/voicebridge/internal/config"
)

// Memory is an in-process Store. Secretaries are seeded at construction from
// the static config; conversations accumulate until Close.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	secretaries   map[string]config.SecretaryConfig // tenant + "/" + extension
}

var _ Store = (*Memory)(nil)

// NewMemory creates a Memory store seeded with the given secretaries.
func NewMemory(secretaries []config.SecretaryConfig) *Memory {
	m := &Memory{
		conversations: make(map[string]*Conversation),
		secretaries:   make(map[string]config.SecretaryConfig, len(secretaries)),
	}
	for _, sec := range secretaries {
		m.secretaries[sec.TenantID+"/"+sec.Extension] = sec
	}
	return m
}

// SaveConversation upserts the record keyed by CallID. The stored value is a
// copy; later mutations by the caller are not visible.
func (m *Memory) SaveConversation(_ context.Context, conv *Conversation) error {
	cp := *conv
	cp.Turns = append([]Turn(nil), conv.Turns...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.CallID] = &cp
	return nil
}

// Conversation loads one record by call id.
func (m *Memory) Conversation(_ context.Context, callID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	cp.Turns = append([]Turn(nil), conv.Turns...)
	return &cp, nil
}

// Secretary resolves the seeded secretary for (tenant, extension).
func (m *Memory) Secretary(_ context.Context, tenantID, extension string) (*config.SecretaryConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sec, ok := m.secretaries[tenantID+"/"+extension]
	if !ok {
		return nil, ErrNotFound
	}
	cp := sec
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}
