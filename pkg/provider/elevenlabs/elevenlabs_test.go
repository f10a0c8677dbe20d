package elevenlabs_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/atendai/voicebridge/pkg/provider"
	"github.com/atendai/voicebridge/pkg/provider/elevenlabs"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that forwards every received
// JSON frame to the frames channel.
func startServer(t *testing.T, frames chan map[string]any, onConn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		if onConn != nil {
			onConn(conn)
		}
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var raw map[string]any
			if json.Unmarshal(data, &raw) == nil {
				frames <- raw
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func waitEvent(t *testing.T, sess provider.Session, want provider.EventType) provider.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events channel closed waiting for %v (err: %v)", want, sess.Err())
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %v", want)
		}
	}
}

func TestConnect_SendsInitiationOverrides(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startServer(t, frames, nil)

	a := elevenlabs.New("key", elevenlabs.WithAgentID("agent-1"), elevenlabs.WithBaseURL(wsURL(srv)))
	sess, err := a.Connect(context.Background(), provider.SessionConfig{
		Voice:        "voice-7",
		Instructions: "atenda com educação",
		Greeting:     "Olá, como posso ajudar?",
		Language:     "pt-BR",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	raw := <-frames
	if raw["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first frame type = %v", raw["type"])
	}
	ov := raw["conversation_config_override"].(map[string]any)
	agent := ov["agent"].(map[string]any)
	if agent["first_message"] != "Olá, como posso ajudar?" {
		t.Errorf("first_message = %v", agent["first_message"])
	}
	if agent["language"] != "pt-BR" {
		t.Errorf("language = %v", agent["language"])
	}
	prompt := agent["prompt"].(map[string]any)
	if prompt["prompt"] != "atenda com educação" {
		t.Errorf("prompt = %v", prompt["prompt"])
	}
	tts := ov["tts"].(map[string]any)
	if tts["voice_id"] != "voice-7" {
		t.Errorf("voice_id = %v", tts["voice_id"])
	}
}

func TestSendAudio_UserAudioChunkShape(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startServer(t, frames, nil)

	a := elevenlabs.New("key", elevenlabs.WithBaseURL(wsURL(srv)))
	sess, err := a.Connect(context.Background(), provider.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	<-frames // initiation

	chunk := []byte{1, 2, 3, 4}
	if err := sess.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	raw := <-frames
	// The audio frame deliberately carries no "type" key.
	if _, hasType := raw["type"]; hasType {
		t.Errorf("audio frame has a type field: %v", raw)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw["user_audio_chunk"].(string))
	if err != nil {
		t.Fatalf("user_audio_chunk not base64: %v", err)
	}
	if string(decoded) != string(chunk) {
		t.Errorf("decoded = %x, want %x", decoded, chunk)
	}
}

func TestInterrupt_SendsUserActivity(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startServer(t, frames, nil)

	a := elevenlabs.New("key", elevenlabs.WithBaseURL(wsURL(srv)))
	sess, err := a.Connect(context.Background(), provider.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	<-frames // initiation
	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	raw := <-frames
	if raw["type"] != "user_activity" {
		t.Errorf("frame type = %v, want user_activity", raw["type"])
	}
}

func TestReceive_EventsAndPing(t *testing.T) {
	t.Parallel()

	audio := []byte("agent-voice")
	frames := make(chan map[string]any, 8)
	srv := startServer(t, frames, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{"type": "conversation_initiation_metadata"})
		writeJSON(t, conn, map[string]any{
			"type": "audio",
			"audio_event": map[string]any{
				"audio_base_64": base64.StdEncoding.EncodeToString(audio),
			},
		})
		writeJSON(t, conn, map[string]any{
			"type": "user_transcript",
			"user_transcription_event": map[string]any{
				"user_transcript": "bom dia",
			},
		})
		writeJSON(t, conn, map[string]any{
			"type": "agent_response",
			"agent_response_event": map[string]any{
				"agent_response": "Bom dia! Em que posso ajudar?",
			},
		})
		writeJSON(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 42},
		})
	})

	a := elevenlabs.New("key", elevenlabs.WithBaseURL(wsURL(srv)))
	sess, err := a.Connect(context.Background(), provider.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	waitEvent(t, sess, provider.EventReady)

	evt := waitEvent(t, sess, provider.EventAssistantAudio)
	if string(evt.Audio) != string(audio) {
		t.Errorf("audio = %q", evt.Audio)
	}

	evt = waitEvent(t, sess, provider.EventUserTranscript)
	if evt.Text != "bom dia" {
		t.Errorf("user transcript = %q", evt.Text)
	}

	evt = waitEvent(t, sess, provider.EventTextDelta)
	if evt.Text != "Bom dia! Em que posso ajudar?" {
		t.Errorf("agent response = %q", evt.Text)
	}
	waitEvent(t, sess, provider.EventAssistantDone)

	// The ping must be answered with a pong echoing the event id.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-frames:
			if raw["type"] == "pong" {
				if raw["event_id"] != float64(42) {
					t.Errorf("pong event_id = %v, want 42", raw["event_id"])
				}
				return
			}
		case <-deadline:
			t.Fatal("no pong received")
		}
	}
}

func TestReceive_ClientToolCall(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startServer(t, frames, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type": "client_tool_call",
			"client_tool_call": map[string]any{
				"tool_name":    "create_ticket",
				"tool_call_id": "tc-9",
				"parameters":   map[string]any{"reason": "callback"},
			},
		})
	})

	a := elevenlabs.New("key", elevenlabs.WithBaseURL(wsURL(srv)))
	sess, err := a.Connect(context.Background(), provider.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evt := waitEvent(t, sess, provider.EventFunctionCall)
	if evt.Name != "create_ticket" || evt.CallRef != "tc-9" {
		t.Errorf("function call = %+v", evt)
	}

	<-frames // initiation
	if err := sess.FunctionResult("tc-9", `{"ok":true}`); err != nil {
		t.Fatalf("FunctionResult: %v", err)
	}
	raw := <-frames
	if raw["type"] != "client_tool_result" || raw["tool_call_id"] != "tc-9" {
		t.Errorf("tool result frame = %v", raw)
	}
}
