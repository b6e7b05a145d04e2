// Package protocol decodes inbound frames into typed calls and dispatches
// them to registered handlers. It treats the wire as untrusted: unknown
// opcodes are logged and dropped, handler panics are recovered, and state
// gating keeps calls out of phases they don't belong to.
package protocol

import (
	"fmt"

	"github.com/zonekit/server/internal/session"
	"go.uber.org/zap"
)

// HandlerFunc handles a session-bound call.
type HandlerFunc func(sess *session.Session, r *Reader)

// BareHandlerFunc handles a session-less call (heartbeats and the like);
// the session passes through the dispatch untouched.
type BareHandlerFunc func(r *Reader)

type handlerEntry struct {
	fn            HandlerFunc
	bare          BareHandlerFunc
	allowedStates map[session.State]bool
}

// Registry maps opcodes to handlers with state-based access control.
type Registry struct {
	handlers map[byte]*handlerEntry
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[byte]*handlerEntry),
		log:      log,
	}
}

// Register maps an opcode to a session-bound handler, restricted to the given
// session states.
func (reg *Registry) Register(opcode byte, states []session.State, fn HandlerFunc) {
	reg.handlers[opcode] = &handlerEntry{fn: fn, allowedStates: stateSet(states)}
}

// RegisterBare maps an opcode to a session-less handler.
func (reg *Registry) RegisterBare(opcode byte, states []session.State, fn BareHandlerFunc) {
	reg.handlers[opcode] = &handlerEntry{bare: fn, allowedStates: stateSet(states)}
}

func stateSet(states []session.State) map[session.State]bool {
	allowed := make(map[session.State]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	return allowed
}

// Dispatch finds the handler for the opcode in data[0], validates the session
// state, and calls the handler. Unknown opcodes are dropped silently — no
// response, no connection teardown.
func (reg *Registry) Dispatch(sess *session.Session, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty frame")
	}
	opcode := data[0]
	state := sess.State()

	entry, ok := reg.handlers[opcode]
	if !ok {
		reg.log.Debug("unknown opcode dropped",
			zap.Uint8("opcode", opcode), zap.Int32("state", int32(state)))
		return nil
	}

	if !entry.allowedStates[state] {
		reg.log.Warn("opcode not allowed in state",
			zap.Uint8("opcode", opcode), zap.Int32("state", int32(state)))
		return fmt.Errorf("opcode %d not allowed in state %d", opcode, state)
	}

	return reg.safeCall(entry, sess, NewReader(data), opcode)
}

// safeCall executes a handler with panic recovery so one bad frame cannot
// take down the dispatching goroutine.
func (reg *Registry) safeCall(entry *handlerEntry, sess *session.Session, r *Reader, opcode byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("handler panic recovered",
				zap.Uint8("opcode", opcode),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for opcode %d: %v", opcode, rec)
		}
	}()
	if entry.bare != nil {
		entry.bare(r)
		return nil
	}
	entry.fn(sess, r)
	return nil
}
