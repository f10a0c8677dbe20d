// Package server accepts the telephony switch's per-call audio WebSockets and
// runs one session per call.
//
// The A-leg endpoint receives binary audio frames plus JSON control frames
// (metadata, dtmf, hangup) and sends audio back wrapped in streamAudio JSON
// frames. A second listener serves the B-leg streams used for whispered
// transfer announcements.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/atendai/voicebridge/internal/config"
	"github.com/atendai/voicebridge/internal/observe"
	"github.com/atendai/voicebridge/internal/session"
	"github.com/atendai/voicebridge/internal/store"
	"github.com/atendai/voicebridge/internal/transfer"
	"github.com/atendai/voicebridge/pkg/provider"
)

const (
	// metadataTimeout bounds the wait for the first metadata frame after the
	// switch connects.
	metadataTimeout = 5 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 5 * time.Second

	// sessionDrain bounds the wait for a session to wind down after its
	// socket closes.
	sessionDrain = 15 * time.Second
)

// SwitchControl is the slice of the switch control socket the server and its
// sessions use. *esl.Client satisfies it.
type SwitchControl interface {
	transfer.Switch
	StartAudioStream(ctx context.Context, uuid, wsURL, format string) error
	StopAudioStream(ctx context.Context, uuid string) error
}

// Deps are the process-wide collaborators shared by every call.
type Deps struct {
	Switch   SwitchControl
	Presence transfer.Presence
	Backend  session.TicketAPI
	Store    store.Store
	TTS      session.Synthesizer
	Adapters map[config.ProviderKind]provider.Adapter
	Metrics  *observe.Metrics
	Log      *slog.Logger
}

// Server owns the two WebSocket listeners and the live session registry.
type Server struct {
	cfg      *config.Config
	deps     Deps
	announce *Announcer
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New builds a Server. cfg.Server.PublicHost is the host the switch can reach
// the B-leg listener on; the announce URL defaults from TransferStreamAddr.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("server: nil config")
	case deps.Switch == nil:
		return nil, errors.New("server: nil switch control")
	case deps.Store == nil:
		return nil, errors.New("server: nil store")
	case len(deps.Adapters) == 0:
		return nil, errors.New("server: no provider adapters")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		sessions: make(map[string]*session.Session),
	}
	s.announce = NewAnnouncer(deps.Switch, deps.TTS, cfg.Server.AnnounceURL(), log)
	return s, nil
}

// StreamHandler serves the A-leg audio WebSocket endpoint.
func (s *Server) StreamHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{tenant_id}/{call_id}", s.handleStream)
	return mux
}

// TransferHandler serves the B-leg announcement WebSocket endpoint.
func (s *Server) TransferHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /announce/{call_id}", s.announce.handleStream)
	return mux
}

// Run serves both listeners until ctx is cancelled, then shuts them down.
func (s *Server) Run(ctx context.Context) error {
	stream := &http.Server{Addr: s.cfg.Server.StreamAddr, Handler: s.StreamHandler()}
	xfer := &http.Server{Addr: s.cfg.Server.TransferStreamAddr, Handler: s.TransferHandler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := stream.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: stream listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := xfer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: transfer listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stream.Shutdown(shutdownCtx)
		xfer.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}

// ActiveCalls reports the number of live sessions.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// controlFrame is a JSON text frame on the switch socket, both directions'
// inbound variants share the shape.
type controlFrame struct {
	Type        string `json:"type"`
	CallerID    string `json:"caller_id,omitempty"`
	Destination string `json:"destination,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	CallID      string `json:"call_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Digit       string `json:"digit,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// streamAudioFrame wraps outbound audio for the switch.
type streamAudioFrame struct {
	Type string          `json:"type"`
	Data streamAudioData `json:"data"`
}

type streamAudioData struct {
	AudioDataType string `json:"audioDataType"`
	SampleRate    int    `json:"sampleRate"`
	AudioData     string `json:"audioData"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	callID := r.PathValue("call_id")
	log := s.log.With("call_id", callID, "tenant_id", tenantID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error("websocket accept failed", "err", err)
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := s.readMetadata(connCtx, conn)
	if err != nil {
		log.Error("metadata handshake failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "metadata required")
		return
	}

	sec := s.lookupSecretary(connCtx, tenantID, meta.Destination)
	if sec == nil {
		log.Error("no secretary configured", "extension", meta.Destination)
		s.killLeg(callID, "UNALLOCATED_NUMBER")
		conn.Close(websocket.StatusPolicyViolation, "no secretary")
		return
	}
	adapter := s.deps.Adapters[sec.Provider]
	if adapter == nil {
		log.Error("no adapter for provider", "provider", sec.Provider)
		s.killLeg(callID, "UNALLOCATED_NUMBER")
		conn.Close(websocket.StatusPolicyViolation, "provider unavailable")
		return
	}

	sampleRate := sec.AudioFormat.SampleRate()
	writeFrame := func(frame []byte) error {
		out := streamAudioFrame{
			Type: "streamAudio",
			Data: streamAudioData{
				AudioDataType: "raw",
				SampleRate:    sampleRate,
				AudioData:     base64.StdEncoding.EncodeToString(frame),
			},
		}
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		wctx, wcancel := context.WithTimeout(connCtx, writeTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	sess, err := session.New(session.Config{
		CallID:     callID,
		TenantID:   tenantID,
		CallerID:   meta.CallerID,
		Extension:  meta.Destination,
		Domain:     sec.Domain,
		ALegUUID:   callID,
		Secretary:  sec,
		Adapter:    adapter,
		Switch:     s.deps.Switch,
		Presence:   s.deps.Presence,
		Backend:    s.deps.Backend,
		Store:      s.deps.Store,
		TTS:        s.deps.TTS,
		Announce:   s.announcer(sec),
		Metrics:    s.deps.Metrics,
		WriteFrame: writeFrame,
		Log:        s.log,
	})
	if err != nil {
		log.Error("session create failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.register(callID, sess)
	defer s.unregister(callID)
	callCtx, span := observe.StartCallSpan(connCtx, callID, tenantID, string(sec.Provider))
	s.deps.Metrics.RecordCallStarted(callCtx, tenantID, string(sec.Provider))
	started := time.Now()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(callCtx) }()
	go func() {
		// Unblocks the read loop when the session ends first (provider
		// death, max duration, bridged transfer).
		<-sess.Done()
		cancel()
	}()

	s.readLoop(connCtx, conn, sess, log)

	// Socket gone or hangup received: let the session wind down, then
	// account for the call.
	sess.HandleHangup("socket_closed")
	select {
	case <-sess.Done():
	case <-time.After(sessionDrain):
		log.Error("session did not drain, forcing cancel")
		cancel()
		<-sess.Done()
	}
	if err := <-runDone; err != nil {
		log.Warn("session ended with error", "err", err)
	}
	s.deps.Metrics.RecordCallEnded(context.Background(), tenantID,
		string(sess.Outcome()), time.Since(started).Seconds())
	observe.EndCallSpan(span, string(sess.Outcome()))
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// readMetadata waits for the initial metadata frame.
func (s *Server) readMetadata(ctx context.Context, conn *websocket.Conn) (*controlFrame, error) {
	mctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	typ, data, err := conn.Read(mctx)
	if err != nil {
		return nil, fmt.Errorf("server: read metadata: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("server: first frame is not metadata")
	}
	var meta controlFrame
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("server: decode metadata: %w", err)
	}
	if meta.Type != "metadata" {
		return nil, fmt.Errorf("server: unexpected first frame type %q", meta.Type)
	}
	return &meta, nil
}

// readLoop pumps socket frames into the session until the socket closes or a
// hangup frame arrives.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			sess.HandleAudio(data)
			continue
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("bad control frame", "err", err)
			continue
		}
		switch frame.Type {
		case "dtmf":
			sess.HandleDTMF(frame.Digit)
		case "hangup":
			sess.HandleHangup(frame.Reason)
			return
		case "metadata":
			// Already consumed at accept; repeats are harmless.
		default:
			log.Warn("unknown control frame", "type", frame.Type)
		}
	}
}

// lookupSecretary resolves the secretary for (tenant, extension): static
// config first, then the store.
func (s *Server) lookupSecretary(ctx context.Context, tenantID, extension string) *config.SecretaryConfig {
	if sec := s.cfg.FindSecretary(tenantID, extension); sec != nil {
		return sec
	}
	lctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	sec, err := s.deps.Store.Secretary(lctx, tenantID, extension)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("secretary lookup failed", "tenant_id", tenantID, "err", err)
		}
		return nil
	}
	return sec
}

// announcer adapts the shared Announcer to the per-call transfer.Announcer
// surface, pinning the secretary's voice.
func (s *Server) announcer(sec *config.SecretaryConfig) transfer.Announcer {
	return func(ctx context.Context, blegUUID, message string) error {
		return s.announce.Announce(ctx, blegUUID, message, sec.Voice)
	}
}

func (s *Server) killLeg(uuid, cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.deps.Switch.Kill(ctx, uuid, cause); err != nil {
		s.log.Warn("kill leg failed", "uuid", uuid, "err", err)
	}
}

func (s *Server) register(callID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[callID] = sess
}

func (s *Server) unregister(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
}
