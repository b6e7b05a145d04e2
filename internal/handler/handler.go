// Package handler binds wire opcodes to zone operations. Handlers run on the
// connection's read goroutine; everything stateful happens inside the zone
// actor or the session registry.
package handler

import (
	"context"
	"time"

	"github.com/zonekit/server/internal/core/zone"
	"github.com/zonekit/server/internal/data"
	"github.com/zonekit/server/internal/protocol"
	"github.com/zonekit/server/internal/session"
	"github.com/zonekit/server/internal/zones"
	"go.uber.org/zap"
)

// Deps holds shared dependencies injected into all handlers.
type Deps struct {
	Manager    *zones.Manager
	Sessions   *session.Registry
	Vault      *session.TokenVault
	Blueprints *data.BlueprintTable // optional, enforces max_clients on join
	Log        *zap.Logger
}

// RegisterAll registers all call handlers into the registry.
func RegisterAll(reg *protocol.Registry, deps *Deps) {
	anyState := []session.State{session.StateConnected, session.StateJoined}

	// Heartbeats carry no payload; the echo keeps the client's liveness
	// timer fed in both directions.
	reg.Register(protocol.C_OPCODE_HEARTBEAT, anyState,
		func(sess *session.Session, r *protocol.Reader) {
			w := protocol.NewWriter(protocol.S_OPCODE_HEARTBEAT)
			_ = sess.Send(w.Bytes())
		})

	reg.Register(protocol.C_OPCODE_JOIN, anyState,
		func(sess *session.Session, r *protocol.Reader) {
			HandleJoin(sess, r, deps)
		})
	reg.Register(protocol.C_OPCODE_PART, []session.State{session.StateJoined},
		func(sess *session.Session, r *protocol.Reader) {
			HandlePart(sess, r, deps)
		})
	reg.Register(protocol.C_OPCODE_RECONNECT, anyState,
		func(sess *session.Session, r *protocol.Reader) {
			HandleReconnect(sess, r, deps)
		})
	reg.Register(protocol.C_OPCODE_CALL, []session.State{session.StateJoined},
		func(sess *session.Session, r *protocol.Reader) {
			HandleCall(sess, r, deps)
		})
}

// HandleJoin moves the session into the named zone. A session already in a
// zone parts from it first, keeping single membership across zones. The
// reply carries a reconnect token plus whatever payload the extension chose.
func HandleJoin(sess *session.Session, r *protocol.Reader, deps *Deps) {
	zoneID := r.ReadS()
	payload := r.Rest()

	z, ok := deps.Manager.Get(zoneID)
	if !ok {
		deps.Log.Debug("join to unknown zone dropped",
			zap.String("zone", zoneID), zap.Uint64("session", uint64(sess.ID)))
		sendError(sess, "unknown zone")
		return
	}

	prev, hadZone := deps.Sessions.OwningZone(sess.ID)
	if !hadZone || prev != z {
		// Capacity only gates new members; a rejoin of the current zone is
		// an idempotent no-op in the zone itself.
		if full, err := zoneFull(z, zoneID, deps); err != nil {
			deps.Log.Warn("join capacity check failed", zap.String("zone", zoneID), zap.Error(err))
			sendError(sess, "zone unavailable")
			return
		} else if full {
			sendError(sess, "zone full")
			return
		}
	}
	if hadZone && prev != z {
		if _, err := prev.Part(nil, sess.ID); err != nil {
			deps.Log.Warn("implicit part failed", zap.Error(err))
		}
	}

	reply, err := z.Join(payload, sess.ID)
	if err != nil {
		deps.Log.Warn("join failed", zap.String("zone", zoneID), zap.Error(err))
		sendError(sess, "zone unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := deps.Vault.Issue(ctx, sess.ID)
	if err != nil {
		deps.Log.Warn("token issue failed", zap.Error(err))
		// The join already took effect; the client just cannot reconnect.
		token = ""
	}

	sess.SetState(session.StateJoined)

	w := protocol.NewWriter(protocol.S_OPCODE_REPLY)
	w.WriteS(token)
	w.WriteBytes(reply)
	_ = sess.Send(w.Bytes())
}

// HandlePart leaves the session's current zone. Parting while not in a zone
// still acknowledges: the no-op policy is success-shaped all the way out.
func HandlePart(sess *session.Session, r *protocol.Reader, deps *Deps) {
	payload := r.Rest()

	var reply []byte
	if z, ok := deps.Sessions.OwningZone(sess.ID); ok {
		var err error
		if reply, err = z.Part(payload, sess.ID); err != nil {
			deps.Log.Warn("part failed", zap.Error(err))
		}
	}
	sess.SetState(session.StateConnected)

	w := protocol.NewWriter(protocol.S_OPCODE_REPLY)
	w.WriteS("")
	w.WriteBytes(reply)
	_ = sess.Send(w.Bytes())
}

// HandleReconnect exchanges a reconnect token, adopts the previous session
// identity, and notifies the zone that still counts it as a member.
func HandleReconnect(sess *session.Session, r *protocol.Reader, deps *Deps) {
	token := r.ReadS()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	who, err := deps.Vault.Exchange(ctx, token)
	if err != nil {
		deps.Log.Debug("reconnect token rejected", zap.Uint64("session", uint64(sess.ID)))
		sendError(sess, "bad token")
		return
	}

	z, ok := findZoneWithMember(deps.Manager, who)
	if !ok {
		sendError(sess, "no zone to reconnect to")
		return
	}

	deps.Sessions.Adopt(sess, who)
	deps.Sessions.SetOwningZone(z, who)

	reply, err := z.Reconnect(who)
	if err != nil {
		deps.Log.Warn("reconnect failed", zap.Error(err))
		sendError(sess, "zone unavailable")
		return
	}

	sess.SetState(session.StateJoined)

	w := protocol.NewWriter(protocol.S_OPCODE_REPLY)
	w.WriteS("")
	w.WriteBytes(reply)
	_ = sess.Send(w.Bytes())
}

// HandleCall routes a custom call to the session's owning zone. A session
// with no zone, like a call the extension doesn't handle, is ignored quietly
// with an empty acknowledgement.
func HandleCall(sess *session.Session, r *protocol.Reader, deps *Deps) {
	name := r.ReadS()
	payload := r.Rest()

	var reply []byte
	if z, ok := deps.Sessions.OwningZone(sess.ID); ok {
		var err error
		if reply, err = z.Call(name, payload, sess.ID); err != nil {
			deps.Log.Warn("call failed", zap.String("call", name), zap.Error(err))
		}
	} else {
		deps.Log.Debug("call without zone dropped",
			zap.String("call", name), zap.Uint64("session", uint64(sess.ID)))
	}

	w := protocol.NewWriter(protocol.S_OPCODE_REPLY)
	w.WriteBytes(reply)
	_ = sess.Send(w.Bytes())
}

func sendError(sess *session.Session, reason string) {
	w := protocol.NewWriter(protocol.S_OPCODE_ERROR)
	w.WriteS(reason)
	_ = sess.Send(w.Bytes())
}

// zoneFull checks the blueprint's max_clients against current membership.
// Zones without a blueprint or without a limit are never full.
func zoneFull(z *zone.Zone, zoneID string, deps *Deps) (bool, error) {
	if deps.Blueprints == nil {
		return false, nil
	}
	bp, ok := deps.Blueprints.Get(zoneID)
	if !ok || bp.MaxClients <= 0 {
		return false, nil
	}
	d, err := z.Snapshot()
	if err != nil {
		return false, err
	}
	return len(d.Clients) >= bp.MaxClients, nil
}

// findZoneWithMember scans live zones for one that still lists who as a
// member, which is exactly the state a disconnected-but-not-parted client
// leaves behind.
func findZoneWithMember(m *zones.Manager, who session.ID) (*zone.Zone, bool) {
	var found *zone.Zone
	m.Each(func(z *zone.Zone) {
		if found != nil {
			return
		}
		d, err := z.Snapshot()
		if err != nil {
			return
		}
		for _, c := range d.Clients {
			if c == who {
				found = z
				return
			}
		}
	})
	return found, found != nil
}
