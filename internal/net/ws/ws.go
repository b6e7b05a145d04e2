// Package ws exposes the same session plumbing as the TCP listener over
// WebSocket. Each binary message is one frame; the 2-byte length header of
// the TCP framing is unnecessary because WebSocket delimits messages itself.
package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zonekit/server/internal/protocol"
	"github.com/zonekit/server/internal/session"
	"go.uber.org/zap"
)

type wsTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteFrame(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Gateway upgrades HTTP requests to WebSocket sessions. Mount it on an
// http.ServeMux next to whatever else the process serves.
type Gateway struct {
	upgrader     websocket.Upgrader
	nextID       *atomic.Uint64 // allocated from a range disjoint from the TCP listener's
	sessions     *session.Registry
	dispatch     *protocol.Registry
	outSize      int
	writeTimeout time.Duration
	log          *zap.Logger
}

func NewGateway(nextID *atomic.Uint64, outSize int, writeTimeout time.Duration, sessions *session.Registry, dispatch *protocol.Registry, log *zap.Logger) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the deployment's proxy layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		nextID:       nextID,
		sessions:     sessions,
		dispatch:     dispatch,
		outSize:      outSize,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := session.ID(g.nextID.Add(1))
	sess := session.New(id, &wsTransport{conn: conn, writeTimeout: g.writeTimeout}, g.outSize, g.log)
	g.sessions.Add(sess)

	g.log.Info("websocket client connected",
		zap.Uint64("session", uint64(id)),
		zap.String("addr", conn.RemoteAddr().String()),
	)

	g.readLoop(sess, conn)
}

func (g *Gateway) readLoop(sess *session.Session, conn *websocket.Conn) {
	defer sess.Close()
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !sess.IsClosed() {
				g.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue // text frames are not part of the protocol
		}
		if err := g.dispatch.Dispatch(sess, payload); err != nil {
			g.log.Warn("dispatch failed",
				zap.Uint64("session", uint64(sess.ID)), zap.Error(err))
			return
		}
	}
}
