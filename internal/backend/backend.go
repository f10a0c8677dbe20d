// Package backend is the client for the tenant backend's realtime-handoff
// webhook, used when a transfer cannot reach a human and the caller's request
// is turned into a ticket.
//
// The webhook sits behind a circuit breaker: when the backend is down the
// bridge stops hammering it, and ticket fallback degrades to persisting the
// conversation locally.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atendai/voicebridge/internal/resilience"
)

const (
	handoffPath    = "/api/tickets/realtime-handoff"
	requestTimeout = 10 * time.Second
)

// TranscriptEntry is one conversation turn in the ticket payload.
type TranscriptEntry struct {
	Role        string `json:"role"` // "user" or "assistant"
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// HandoffTicket is the realtime-handoff request body.
type HandoffTicket struct {
	CallUUID        string            `json:"call_uuid"`
	CallerID        string            `json:"caller_id"`
	Transcript      []TranscriptEntry `json:"transcript"`
	Summary         string            `json:"summary"`
	Provider        string            `json:"provider"`
	Language        string            `json:"language"`
	DurationSeconds int               `json:"duration_seconds"`
	Turns           int               `json:"turns"`
	HandoffReason   string            `json:"handoff_reason"`
	SecretaryUUID   string            `json:"secretary_uuid"`
	Domain          string            `json:"domain"`
	RecordingURL    string            `json:"recording_url,omitempty"`
	AttachRecording bool              `json:"attach_recording"`
}

type handoffResponse struct {
	TicketID string `json:"ticket_id"`
}

// Client posts handoff tickets to the backend API.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.Breaker
	log     *slog.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Primarily used in tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a webhook client for the backend at baseURL authenticating with
// the bearer token.
func New(baseURL, token string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: resilience.New(resilience.Config{Name: "ticket-webhook"}),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateTicket posts the handoff ticket and returns the backend's ticket id.
// A tripped breaker or non-2xx status is returned as an error; the caller
// decides whether to persist locally instead.
func (c *Client) CreateTicket(ctx context.Context, ticket *HandoffTicket) (string, error) {
	var ticketID string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		id, err := c.post(ctx, ticket)
		if err != nil {
			return err
		}
		ticketID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	c.log.Info("handoff ticket created",
		"ticket_id", ticketID,
		"call_uuid", ticket.CallUUID,
		"reason", ticket.HandoffReason)
	return ticketID, nil
}

func (c *Client) post(ctx context.Context, ticket *HandoffTicket) (string, error) {
	body, err := json.Marshal(ticket)
	if err != nil {
		return "", fmt.Errorf("backend: marshal ticket: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+handoffPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: post handoff: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("backend: handoff returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed handoffResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("backend: decode response: %w", err)
	}
	return parsed.TicketID, nil
}
