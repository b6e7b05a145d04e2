package session

import (
	"errors"
	"sync"

	"github.com/zonekit/server/internal/core/zone"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownSession = errors.New("unknown session")
)

// Registry holds all live sessions and their zone bindings. It implements
// zone.SessionService, so zone actors can look up, bind, and deliver without
// owning any of the state here.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[ID]*Session
	owning    map[ID]*zone.Zone
	closedFns map[ID]func()
	notifyOp  byte
	log       *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		sessions:  make(map[ID]*Session),
		owning:    make(map[ID]*zone.Zone),
		closedFns: make(map[ID]func()),
		log:       log,
	}
}

// Add registers a session and starts its writer. The disconnect callback
// registered by the owning zone fires once, when the writer loop exits.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	s.StartWriter(r.sessionClosed)
}

// Get returns a live session by ID.
func (r *Registry) Get(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session and its bindings without firing callbacks.
// Used after the closed callbacks have already run.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.owning, id)
	delete(r.closedFns, id)
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ── zone.SessionService ──

// SetOwningZone binds the session to z. A session belongs to at most one
// zone; a later bind replaces the earlier one (join/part protocol enforces
// single membership).
func (r *Registry) SetOwningZone(z *zone.Zone, who ID) {
	r.mu.Lock()
	r.owning[who] = z
	s, ok := r.sessions[who]
	r.mu.Unlock()
	if ok {
		s.SetState(StateJoined)
	}
}

// ClearOwningZone removes the session's zone binding along with the zone's
// disconnect callback, so a parted zone never hears about later closes.
func (r *Registry) ClearOwningZone(who ID) {
	r.mu.Lock()
	delete(r.owning, who)
	delete(r.closedFns, who)
	s, ok := r.sessions[who]
	r.mu.Unlock()
	if ok && !s.IsClosed() {
		s.SetState(StateConnected)
	}
}

// OwningZone looks up the zone responsible for the session.
func (r *Registry) OwningZone(who ID) (*zone.Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.owning[who]
	return z, ok
}

// OnSessionClosed registers fn to run when the session dies ungracefully. A
// session has at most one owning zone, so at most one callback: registering
// again replaces the previous one instead of stacking.
func (r *Registry) OnSessionClosed(who ID, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedFns[who] = fn
}

// SetNotifyOpcode makes Deliver prefix every zone notification with the
// given wire opcode, so clients can tell broadcasts from call replies. Zero
// (the default) delivers payloads unwrapped. Set once at bootstrap; the
// opcode constant lives in the protocol package, which sits above this one.
func (r *Registry) SetNotifyOpcode(op byte) {
	r.notifyOp = op
}

// Deliver writes payload to the session. Unknown or closed sessions return
// an error the caller is expected to swallow per recipient.
func (r *Registry) Deliver(payload []byte, who ID) error {
	r.mu.RLock()
	s, ok := r.sessions[who]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if r.notifyOp != 0 {
		framed := make([]byte, 0, len(payload)+1)
		framed = append(framed, r.notifyOp)
		payload = append(framed, payload...)
	}
	return s.Send(payload)
}

// Adopt rebinds a fresh connection's session to a previous session identity,
// the tail end of a reconnect-token exchange. The new ID disappears; the old
// ID now routes to the live transport.
func (r *Registry) Adopt(s *Session, old ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	delete(r.owning, s.ID)
	delete(r.closedFns, s.ID)
	s.ID = old
	r.sessions[old] = s
}

// sessionClosed fires the registered disconnect callback and forgets the
// session. Runs on the session's writer goroutine.
func (r *Registry) sessionClosed(id ID) {
	r.mu.Lock()
	fn := r.closedFns[id]
	delete(r.closedFns, id)
	delete(r.sessions, id)
	delete(r.owning, id)
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
	r.log.Info("session closed", zap.Uint64("session", uint64(id)))
}
