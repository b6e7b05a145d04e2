// Package net accepts TCP connections and turns them into sessions. Inbound
// frames are decoded off each connection's read goroutine and dispatched
// through the protocol registry; outbound delivery runs through the session's
// writer queue.
package net

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/zonekit/server/internal/protocol"
	"github.com/zonekit/server/internal/session"
	"go.uber.org/zap"
)

// tcpTransport adapts a net.Conn to the session.Transport framing contract.
type tcpTransport struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func (t *tcpTransport) WriteFrame(payload []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteFrame(t.conn, payload)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// Server accepts TCP connections, registers sessions, and runs a read loop
// per connection that dispatches frames through the registry.
type Server struct {
	listener     net.Listener
	nextID       atomic.Uint64
	sessions     *session.Registry
	dispatch     *protocol.Registry
	outSize      int
	writeTimeout time.Duration
	log          *zap.Logger
	closeCh      chan struct{}
}

func NewServer(bindAddr string, outSize int, writeTimeout time.Duration, sessions *session.Registry, dispatch *protocol.Registry, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener:     ln,
		sessions:     sessions,
		dispatch:     dispatch,
		outSize:      outSize,
		writeTimeout: writeTimeout,
		log:          log,
		closeCh:      make(chan struct{}),
	}, nil
}

// AcceptLoop runs in its own goroutine until Shutdown.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		id := session.ID(s.nextID.Add(1))
		sess := session.New(id, &tcpTransport{conn: conn, writeTimeout: s.writeTimeout}, s.outSize, s.log)
		s.sessions.Add(sess)
		go s.readLoop(sess, conn)

		s.log.Info("client connected",
			zap.Uint64("session", uint64(id)),
			zap.String("addr", conn.RemoteAddr().String()),
		)
	}
}

// readLoop reads frames from the connection and dispatches them inline.
// Dispatch errors close the session; unknown opcodes do not (the registry
// drops those silently).
func (s *Server) readLoop(sess *session.Session, conn net.Conn) {
	defer sess.Close()
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if !sess.IsClosed() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}
		if err := s.dispatch.Dispatch(sess, payload); err != nil {
			s.log.Warn("dispatch failed",
				zap.Uint64("session", uint64(sess.ID)), zap.Error(err))
			return
		}
	}
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	close(s.closeCh)
	_ = s.listener.Close()
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
