// Package tracker is a built-in zone extension: an authoritative position
// tracker backed by a per-zone entity world. Each member gets an entity;
// "move" calls set a velocity; a movement system integrates positions every
// tick and the zone broadcasts the result.
package tracker

import (
	"fmt"
	"strings"

	"github.com/zonekit/server/internal/core/world"
	"github.com/zonekit/server/internal/core/zone"
	"go.uber.org/zap"
)

const (
	compPosition = "position"
	compVelocity = "velocity"
)

// Vec is a 2D position or velocity in zone units per tick.
type Vec struct {
	X, Y float64
}

// New returns the hook set for one zone instance. The world and its systems
// are owned by this instance; the zone actor serializes every callback, so
// hook bodies touch the world without further locking.
func New(log *zap.Logger) (zone.Hooks, error) {
	t := &tracker{log: log}
	return zone.Hooks{
		Init:         t.init,
		OnJoin:       t.onJoin,
		OnPart:       t.onPart,
		OnDisconnect: t.onDisconnect,
		OnTick:       t.onTick,
		OnCustomCall: t.onCall,
		OnStop:       t.onStop,
	}, nil
}

type tracker struct {
	w   *world.World
	log *zap.Logger
}

func (t *tracker) init(args any) zone.InitResult {
	t.w = world.New("tracker", t.log)
	if err := t.w.AddSystem(moveSystem, world.DefaultPriority); err != nil {
		return zone.InitStop(err.Error())
	}
	return zone.InitOK(nil)
}

// moveSystem integrates velocity into position for every moving entity.
func moveSystem(q world.Query) {
	for _, e := range q.MatchComponents([]string{compPosition, compVelocity}) {
		pos := componentData(e, compPosition).(Vec)
		vel := componentData(e, compVelocity).(Vec)
		if vel.X == 0 && vel.Y == 0 {
			continue
		}
		q.SetComponent(compPosition, Vec{X: pos.X + vel.X, Y: pos.Y + vel.Y}, e.ID)
	}
}

func (t *tracker) onJoin(msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
	q := t.w.Query()
	id := world.EntityID(who)
	q.CreateEntity(id)
	q.SetComponent(compPosition, Vec{}, id)
	return zone.Broadcast([]byte(fmt.Sprintf("join %d", who)), state)
}

func (t *tracker) onPart(msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
	t.w.Query().RemoveEntity(world.EntityID(who))
	return zone.Broadcast([]byte(fmt.Sprintf("part %d", who)), state)
}

// onDisconnect keeps the member (and its entity) so a reconnect resumes in
// place; the velocity is zeroed so a dropped client stops drifting.
func (t *tracker) onDisconnect(who zone.ClientID, data zone.Data, state any) zone.Outcome {
	t.w.Query().RemoveComponent(compVelocity, world.EntityID(who))
	return zone.NoUpdate(state)
}

func (t *tracker) onTick(data zone.Data, state any) zone.Outcome {
	if len(data.Clients) == 0 {
		return zone.NoUpdate(state)
	}
	if err := t.w.Step(); err != nil {
		t.log.Warn("world step failed", zap.Error(err))
		return zone.NoUpdate(state)
	}
	return zone.Broadcast(t.positionDigest(data.Frame), state)
}

// onCall understands "move dx dy" (set velocity) and "where" (reply with the
// caller's position). Anything else falls through to the quiet no-op.
func (t *tracker) onCall(name string, msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
	q := t.w.Query()
	switch name {
	case "move":
		var v Vec
		if _, err := fmt.Sscanf(string(msg), "%f %f", &v.X, &v.Y); err != nil {
			return zone.Reply([]byte("bad move"), state)
		}
		q.SetComponent(compVelocity, v, world.EntityID(who))
		return zone.Reply([]byte("ok"), state)
	case "where":
		comps, ok := q.TryGetComponent(compPosition, world.EntityID(who))
		if !ok {
			return zone.Reply([]byte("unknown"), state)
		}
		for _, c := range comps {
			if c.Name == compPosition {
				pos := c.Data.(Vec)
				return zone.Reply([]byte(fmt.Sprintf("%g %g", pos.X, pos.Y)), state)
			}
		}
		return zone.Reply([]byte("unknown"), state)
	default:
		return zone.NoUpdate(state)
	}
}

func (t *tracker) onStop(data zone.Data, state any) {
	t.w.Stop()
}

// positionDigest renders "pos <frame> <id>:<x>,<y> ..." for the broadcast.
func (t *tracker) positionDigest(frame uint64) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "pos %d", frame)
	for _, e := range t.w.Query().MatchComponent(compPosition) {
		pos := componentData(e, compPosition).(Vec)
		fmt.Fprintf(&b, " %d:%g,%g", e.ID, pos.X, pos.Y)
	}
	return []byte(b.String())
}

func componentData(e world.Entity, name string) any {
	for _, c := range e.Components {
		if c.Name == name {
			return c.Data
		}
	}
	return nil
}
