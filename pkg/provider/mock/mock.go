// Package mock provides test doubles for the provider package interfaces.
//
// Use Adapter to verify Connect calls and feed controlled sessions. Use
// Session to script provider events and inspect which methods the session
// orchestrator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	a := &mock.Adapter{Session: sess}
//	handle, _ := a.Connect(ctx, cfg)
//	sess.Emit(provider.Event{Type: provider.EventReady})
package mock

import (
	"context"
	"sync"

	"github.com/atendai/voicebridge/pkg/provider"
)

// ConnectCall records a single invocation of Adapter.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg provider.SessionConfig
}

// Adapter is a mock implementation of provider.Adapter.
type Adapter struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// NewSession.
	Session provider.Session

	// ConnectErr, if non-nil, is returned as the error from Connect. Set
	// ConnectErrOnce to fail only the first attempt (reconnect testing).
	ConnectErr     error
	ConnectErrOnce bool

	// KindName is returned by Kind; defaults to "mock".
	KindName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (a *Adapter) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ConnectCalls = append(a.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if a.ConnectErr != nil {
		err := a.ConnectErr
		if a.ConnectErrOnce {
			a.ConnectErr = nil
		}
		return nil, err
	}
	if a.Session != nil {
		return a.Session, nil
	}
	return NewSession(), nil
}

// Kind returns KindName or "mock".
func (a *Adapter) Kind() string {
	if a.KindName != "" {
		return a.KindName
	}
	return "mock"
}

// Ensure Adapter implements provider.Adapter at compile time.
var _ provider.Adapter = (*Adapter)(nil)

// Session is a mock implementation of provider.Session. Tests drive the
// event stream with Emit and Finish, and inspect the recorded method calls.
type Session struct {
	mu sync.Mutex

	// SendAudioCalls holds copies of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CommitCount, InterruptCount and CloseCount count method invocations.
	CommitCount    int
	InterruptCount int
	CloseCount     int

	// FunctionResults records (callRef, output) pairs passed to FunctionResult.
	FunctionResults [][2]string

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// ErrVal is returned from Err.
	ErrVal error

	events chan provider.Event
	closed bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan provider.Event, 64)}
}

// Emit pushes one event onto the session's event channel.
func (s *Session) Emit(evt provider.Event) {
	s.events <- evt
}

// Finish closes the event channel, signalling end-of-session. Idempotent.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// CommitTurn records the call.
func (s *Session) CommitTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCount++
	return nil
}

// Interrupt records the call.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	return nil
}

// FunctionResult records the (callRef, output) pair.
func (s *Session) FunctionResult(callRef, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FunctionResults = append(s.FunctionResults, [2]string{callRef, output})
	return nil
}

// Results returns a snapshot of the recorded FunctionResult calls.
func (s *Session) Results() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string(nil), s.FunctionResults...)
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan provider.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.Finish()
	return nil
}

// Ensure Session implements provider.Session at compile time.
var _ provider.Session = (*Session)(nil)
