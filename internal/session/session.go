// Package session owns connection identity: the per-connection Session, the
// Registry that maps sessions to their owning zone, and reconnect tokens.
// Zones consume it through the zone.SessionService interface and never touch
// its storage directly.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/zonekit/server/internal/core/zone"
	"go.uber.org/zap"
)

// ID aliases zone.ClientID: a session and the zone-side client it backs are
// the same identity.
type ID = zone.ClientID

// Transport is the write side of a physical connection. Implementations are
// TCP framing (internal/net) and WebSocket (internal/net/ws).
type Transport interface {
	WriteFrame(payload []byte) error
	Close() error
}

// State is the session's protocol phase.
type State int32

const (
	StateConnected State = iota // handshake done, not in a zone
	StateJoined                 // member of a zone
	StateDisconnecting
)

// Session represents one client connection. Outbound payloads go through a
// buffered queue drained by a dedicated writer goroutine; a full queue
// disconnects the session rather than blocking the caller (backpressure).
type Session struct {
	ID ID

	transport Transport
	state     atomic.Int32
	outQueue  chan []byte

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

func New(id ID, transport Transport, outSize int, log *zap.Logger) *Session {
	s := &Session{
		ID:        id,
		transport: transport,
		outQueue:  make(chan []byte, outSize),
		closeCh:   make(chan struct{}),
		log:       log.With(zap.Uint64("session", uint64(id))),
	}
	s.state.Store(int32(StateConnected))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// StartWriter launches the writer goroutine. onClosed runs exactly once when
// the session dies, after the transport is closed.
func (s *Session) StartWriter(onClosed func(ID)) {
	go s.writeLoop(onClosed)
}

// Send enqueues a payload for the writer goroutine. A full queue means the
// client cannot keep up; the session is closed instead of blocking the zone.
func (s *Session) Send(payload []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.outQueue <- payload:
		return nil
	default:
		s.log.Warn("output queue full, dropping slow session")
		s.Close()
		return ErrSessionClosed
	}
}

// Close shuts the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.SetState(StateDisconnecting)
		close(s.closeCh)
		_ = s.transport.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.closeCh
}

func (s *Session) writeLoop(onClosed func(ID)) {
	defer func() {
		s.Close()
		if onClosed != nil {
			onClosed(s.ID)
		}
	}()
	for {
		select {
		case payload := <-s.outQueue:
			if err := s.transport.WriteFrame(payload); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write error", zap.Error(err))
				}
				return
			}
		case <-s.closeCh:
			return
		}
	}
}
