// Package zone implements the per-room actor: it owns membership, the tick
// timer, and the reply/broadcast/send notification protocol, and routes
// lifecycle events and custom calls into an application-supplied extension.
package zone

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zonekit/server/internal/core/actor"
	"github.com/zonekit/server/internal/core/event"
	"go.uber.org/zap"
)

// ErrIgnored is returned by Start when the extension's Init declined to
// start the zone. It is a distinguishable non-start, not a failure.
var ErrIgnored = errors.New("zone: init ignored")

// StopError carries the reason an extension's Init aborted startup.
type StopError struct {
	Reason string
}

func (e *StopError) Error() string {
	return fmt.Sprintf("zone: init stopped: %s", e.Reason)
}

// Status is the zone lifecycle state: Uninitialized → Running → Stopped.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusRunning
	StatusStopped
)

const (
	DefaultTickInterval = 20 * time.Millisecond
	DefaultLerpPeriod   = 80 * time.Millisecond
)

// SessionService is the slice of the session collaborator the zone consumes:
// owning-zone bookkeeping, disconnect callbacks, and payload delivery. The
// zone calls it, it never owns its storage. OnSessionClosed holds one
// callback per session — a later registration replaces the earlier one, and
// ClearOwningZone drops it.
type SessionService interface {
	SetOwningZone(z *Zone, who ClientID)
	ClearOwningZone(who ClientID)
	OnSessionClosed(who ClientID, fn func())
	Deliver(payload []byte, who ClientID) error
}

// Lifecycle events published on the telemetry bus.
type (
	ClientJoined struct {
		Zone   string
		Client ClientID
	}
	ClientParted struct {
		Zone   string
		Client ClientID
	}
	ZoneStopped struct {
		Zone  string
		Frame uint64
	}
	// TickLagged reports that the wall clock has run ahead of the frame
	// counter by more than one interval, i.e. ticks are queuing behind
	// slow message handling rather than being dropped.
	TickLagged struct {
		Zone string
		Lag  time.Duration
	}
)

// Options configures Start.
type Options struct {
	ID       string
	Hooks    Hooks
	Args     any    // passed to the Init hook
	Config   Config // merged over defaults; the Init hook's config wins
	Sessions SessionService
	Events   *event.Bus  // optional telemetry
	Logger   *zap.Logger // optional, defaults to zap.NewNop
}

// Zone is a single room actor. All fields below the mailbox are owned by the
// actor goroutine and must only be touched from enqueued messages.
type Zone struct {
	id       string
	sessions SessionService
	events   *event.Bus
	mbox     *actor.Mailbox
	status   atomic.Int32
	stopTick chan struct{}
	log      *zap.Logger

	hooks        Hooks
	state        any // opaque extension state, never inspected
	clients      []ClientID
	frame        uint64
	tickInterval time.Duration
	lerpPeriod   time.Duration
	epoch        time.Time
}

// Start runs the extension's Init hook and, if it accepts, launches the
// actor loop and the tick timer. Returns ErrIgnored or *StopError when the
// extension declines.
func Start(opts Options) (*Zone, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	z := &Zone{
		id:           opts.ID,
		sessions:     opts.Sessions,
		events:       opts.Events,
		mbox:         actor.NewMailbox(),
		stopTick:     make(chan struct{}),
		log:          log.With(zap.String("zone", opts.ID)),
		hooks:        opts.Hooks,
		tickInterval: DefaultTickInterval,
		lerpPeriod:   DefaultLerpPeriod,
	}
	if opts.Config.TickInterval > 0 {
		z.tickInterval = opts.Config.TickInterval
	}
	if opts.Config.LerpPeriod > 0 {
		z.lerpPeriod = opts.Config.LerpPeriod
	}

	if z.hooks.Init != nil {
		res := z.hooks.Init(opts.Args)
		switch res.kind {
		case initIgnore:
			return nil, ErrIgnored
		case initStop:
			return nil, &StopError{Reason: res.reason}
		}
		z.state = res.state
		if res.config.TickInterval > 0 {
			z.tickInterval = res.config.TickInterval
		}
		if res.config.LerpPeriod > 0 {
			z.lerpPeriod = res.config.LerpPeriod
		}
	}

	z.epoch = time.Now()
	z.status.Store(int32(StatusRunning))
	go z.mbox.Run()
	go z.tickLoop()

	z.log.Info("zone started",
		zap.Duration("tick_interval", z.tickInterval),
		zap.Duration("lerp_period", z.lerpPeriod),
	)
	return z, nil
}

func (z *Zone) ID() string { return z.id }

func (z *Zone) Status() Status {
	return Status(z.status.Load())
}

// Snapshot returns the current membership/frame/timing view, serialized
// against in-flight messages.
func (z *Zone) Snapshot() (Data, error) {
	var d Data
	err := z.mbox.Call(func() { d = z.data() })
	return d, err
}

// Join records who as a member, binds their session to this zone, registers
// the ungraceful-disconnect callback, and invokes the OnJoin hook. A zone
// without an OnJoin hook accepts the join with no state change.
func (z *Zone) Join(msg []byte, who ClientID) ([]byte, error) {
	var reply []byte
	err := z.mbox.Call(func() {
		if !z.isMember(who) {
			// Most-recent-first membership order.
			z.clients = append([]ClientID{who}, z.clients...)
		}
		z.sessions.SetOwningZone(z, who)
		z.sessions.OnSessionClosed(who, func() { z.sessionClosed(who) })

		if z.events != nil {
			event.Emit(z.events, ClientJoined{Zone: z.id, Client: who})
		}
		if z.hooks.OnJoin != nil {
			reply = z.apply(z.hooks.OnJoin(msg, who, z.data(), z.state), true)
		}
	})
	return reply, err
}

// Part removes who from the members and clears their zone binding. Parting a
// non-member is a success no-op; the OnPart hook only runs for real members.
func (z *Zone) Part(msg []byte, who ClientID) ([]byte, error) {
	var reply []byte
	err := z.mbox.Call(func() {
		reply = z.part(msg, who)
	})
	return reply, err
}

// Reconnect invokes the OnReconnect hook for a current member; no-op
// otherwise.
func (z *Zone) Reconnect(who ClientID) ([]byte, error) {
	var reply []byte
	err := z.mbox.Call(func() {
		if !z.isMember(who) || z.hooks.OnReconnect == nil {
			return
		}
		reply = z.apply(z.hooks.OnReconnect(who, z.data(), z.state), true)
	})
	return reply, err
}

// Disconnect notifies the extension that who went away ungracefully. It is
// fire-and-forget and does not remove who from the members — that stays the
// application's decision, typically a follow-up Part. Disconnects for
// non-members are swallowed; the hook only ever sees current members.
func (z *Zone) Disconnect(who ClientID) {
	_ = z.mbox.Push(func() {
		if !z.isMember(who) || z.hooks.OnDisconnect == nil {
			return
		}
		z.apply(z.hooks.OnDisconnect(who, z.data(), z.state), false)
	})
}

// Call dispatches a custom call by name. Calls from non-members and calls
// the extension has no handler for resolve to success with no state change;
// unauthorized or unknown calls are ignored quietly rather than erroring.
func (z *Zone) Call(name string, msg []byte, who ClientID) ([]byte, error) {
	var reply []byte
	err := z.mbox.Call(func() {
		if !z.isMember(who) {
			z.log.Debug("custom call from non-member ignored",
				zap.String("call", name), zap.Uint64("client", uint64(who)))
			return
		}
		if z.hooks.OnCustomCall == nil {
			return
		}
		reply = z.apply(z.hooks.OnCustomCall(name, msg, who, z.data(), z.state), true)
	})
	return reply, err
}

// Broadcast fans payload out to every current member. Fire-and-forget; never
// touches the extension state.
func (z *Zone) Broadcast(payload []byte) {
	_ = z.mbox.Push(func() {
		z.deliverTo(z.clients, payload)
	})
}

// SendTo fans payload out to the listed members only. Fire-and-forget.
func (z *Zone) SendTo(recipients []ClientID, payload []byte) {
	rc := append([]ClientID(nil), recipients...)
	_ = z.mbox.Push(func() {
		z.deliverTo(rc, payload)
	})
}

// Info hands an out-of-band message to the OnInfo hook. Fire-and-forget.
func (z *Zone) Info(msg any) {
	_ = z.mbox.Push(func() {
		if z.hooks.OnInfo == nil {
			return
		}
		z.apply(z.hooks.OnInfo(msg, z.state), false)
	})
}

// Stop terminates the actor. Queued messages drain first; the tick timer
// stops immediately.
func (z *Zone) Stop() {
	if !z.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopped)) {
		return
	}
	close(z.stopTick)
	_ = z.mbox.Push(func() {
		if z.hooks.OnStop != nil {
			z.hooks.OnStop(z.data(), z.state)
		}
		if z.events != nil {
			event.Emit(z.events, ZoneStopped{Zone: z.id, Frame: z.frame})
		}
	})
	z.mbox.Close()
	<-z.mbox.Done()
	z.log.Info("zone stopped", zap.Uint64("frame", z.frame))
}

// ── Actor-internal (run only from the mailbox goroutine) ──

func (z *Zone) part(msg []byte, who ClientID) []byte {
	if !z.isMember(who) {
		return nil // never an error: non-member part is a success no-op
	}
	for i, c := range z.clients {
		if c == who {
			z.clients = append(z.clients[:i], z.clients[i+1:]...)
			break
		}
	}
	z.sessions.ClearOwningZone(who)
	if z.events != nil {
		event.Emit(z.events, ClientParted{Zone: z.id, Client: who})
	}
	if z.hooks.OnPart == nil {
		return nil
	}
	return z.apply(z.hooks.OnPart(msg, who, z.data(), z.state), true)
}

// sessionClosed is the disconnect callback registered at join time. With an
// OnDisconnect hook present the extension decides what happens; without one
// the member is parted with an empty message, matching a graceful leave.
func (z *Zone) sessionClosed(who ClientID) {
	if z.hooks.OnDisconnect != nil {
		z.Disconnect(who)
		return
	}
	_ = z.mbox.Push(func() { z.part(nil, who) })
}

func (z *Zone) tickLoop() {
	ticker := time.NewTicker(z.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Enqueue behind in-flight work: a busy actor accumulates
			// ticks, it never skips frames.
			_ = z.mbox.Push(z.tick)
		case <-z.stopTick:
			return
		}
	}
}

func (z *Zone) tick() {
	z.frame++

	lag := time.Since(z.epoch) - time.Duration(z.frame)*z.tickInterval
	if lag > z.tickInterval {
		if z.events != nil {
			event.Emit(z.events, TickLagged{Zone: z.id, Lag: lag})
		}
		z.log.Debug("tick backlog", zap.Duration("lag", lag), zap.Uint64("frame", z.frame))
	}

	if z.hooks.OnTick == nil {
		return
	}
	z.apply(z.hooks.OnTick(z.data(), z.state), false)
}

// apply installs the outcome's state and resolves its payload to zero or
// more sends. Reply payloads are only honored where a caller is waiting.
func (z *Zone) apply(o Outcome, allowReply bool) []byte {
	z.state = o.state
	switch o.kind {
	case outcomeReply:
		if !allowReply {
			z.log.Warn("reply outcome from a no-reply callback dropped")
			return nil
		}
		return o.payload
	case outcomeBroadcast:
		z.deliverTo(z.clients, o.payload)
	case outcomeSendTo:
		z.deliverTo(o.recipients, o.payload)
	}
	return nil
}

// deliverTo pushes payload to each recipient through the session layer.
// Unreachable recipients are logged and skipped, never aborting the rest.
func (z *Zone) deliverTo(recipients []ClientID, payload []byte) {
	for _, who := range recipients {
		if err := z.sessions.Deliver(payload, who); err != nil {
			z.log.Warn("delivery failed",
				zap.Uint64("client", uint64(who)), zap.Error(err))
		}
	}
}

func (z *Zone) data() Data {
	return Data{
		Clients:      append([]ClientID(nil), z.clients...),
		Frame:        z.frame,
		TickInterval: z.tickInterval,
		LerpPeriod:   z.lerpPeriod,
	}
}

func (z *Zone) isMember(who ClientID) bool {
	for _, c := range z.clients {
		if c == who {
			return true
		}
	}
	return false
}
