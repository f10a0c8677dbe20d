package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atendai/voicebridge/internal/resilience"
)

func sampleTicket() *HandoffTicket {
	return &HandoffTicket{
		CallUUID: "call-1",
		CallerID: "+5511987654321",
		Transcript: []TranscriptEntry{
			{Role: "user", Text: "quero falar com o financeiro", TimestampMs: 1000},
			{Role: "assistant", Text: "Um momento, vou transferir.", TimestampMs: 2500},
		},
		Summary:         "2 turns: quero falar com o financeiro",
		Provider:        "openai",
		Language:        "pt-BR",
		DurationSeconds: 42,
		Turns:           2,
		HandoffReason:   "extension_offline:not_registered",
		SecretaryUUID:   "sec-1",
		Domain:          "acme.example",
	}
}

func TestCreateTicket_PostsHandoffPayload(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"ticket_id": "TICK-77"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", nil)
	id, err := c.CreateTicket(context.Background(), sampleTicket())
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if id != "TICK-77" {
		t.Errorf("ticket id = %q, want TICK-77", id)
	}
	if gotPath != "/api/tickets/realtime-handoff" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["call_uuid"] != "call-1" {
		t.Errorf("call_uuid = %v", gotBody["call_uuid"])
	}
	if gotBody["handoff_reason"] != "extension_offline:not_registered" {
		t.Errorf("handoff_reason = %v", gotBody["handoff_reason"])
	}
	transcript := gotBody["transcript"].([]any)
	if len(transcript) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(transcript))
	}
	first := transcript[0].(map[string]any)
	if first["role"] != "user" || first["timestamp_ms"] != float64(1000) {
		t.Errorf("first transcript entry = %v", first)
	}
}

func TestCreateTicket_AcceptsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"ticket_id": "TICK-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	if _, err := c.CreateTicket(context.Background(), sampleTicket()); err != nil {
		t.Fatalf("CreateTicket with 200: %v", err)
	}
}

func TestCreateTicket_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	if _, err := c.CreateTicket(context.Background(), sampleTicket()); err == nil {
		t.Fatal("CreateTicket succeeded on a 500")
	}
}

func TestCreateTicket_BreakerTripsAndRejects(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := resilience.New(resilience.Config{Name: "test", Trip: 2, Cooldown: time.Hour})
	c := New(srv.URL, "t", nil, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		c.CreateTicket(context.Background(), sampleTicket())
	}
	_, err := c.CreateTicket(context.Background(), sampleTicket())
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if requests != 2 {
		t.Errorf("server saw %d requests, want 2 (breaker must short-circuit)", requests)
	}
}
