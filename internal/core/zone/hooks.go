package zone

import "time"

// ClientID identifies a joined session. Identity, reconnection tokens, and
// transport delivery for a ClientID live in the session collaborator; the
// zone only tracks membership.
type ClientID uint64

// Data is the read-only snapshot handed to every extension callback: current
// membership (most-recent-first), the frame counter, and the configured
// timings. Extensions mutate only their own state value, never Data.
type Data struct {
	Clients      []ClientID
	Frame        uint64
	TickInterval time.Duration
	LerpPeriod   time.Duration
}

// Config carries the recognized zone settings an Init hook may override.
// Zero fields keep the defaults (20ms tick, 80ms lerp period).
type Config struct {
	TickInterval time.Duration
	LerpPeriod   time.Duration
}

// Hooks is the extension capability set. Every field is optional: a nil hook
// means the matching event is a no-op that leaves the extension state alone.
type Hooks struct {
	Init         func(args any) InitResult
	OnJoin       func(msg []byte, who ClientID, data Data, state any) Outcome
	OnPart       func(msg []byte, who ClientID, data Data, state any) Outcome
	OnReconnect  func(who ClientID, data Data, state any) Outcome
	OnDisconnect func(who ClientID, data Data, state any) Outcome
	OnTick       func(data Data, state any) Outcome
	OnCustomCall func(name string, msg []byte, who ClientID, data Data, state any) Outcome
	OnInfo       func(msg any, state any) Outcome
	OnStop       func(data Data, state any) // final look at the state before the actor dies
}

type outcomeKind uint8

const (
	outcomeNoUpdate outcomeKind = iota
	outcomeReply
	outcomeBroadcast
	outcomeSendTo
)

// Outcome is the tagged result of an extension callback. Every variant
// carries the replacement extension state; the variants differ only in how
// the payload is routed.
type Outcome struct {
	kind       outcomeKind
	payload    []byte
	recipients []ClientID
	state      any
}

// NoUpdate replaces the extension state and sends nothing.
func NoUpdate(state any) Outcome {
	return Outcome{kind: outcomeNoUpdate, state: state}
}

// Reply returns payload to the original caller only.
func Reply(payload []byte, state any) Outcome {
	return Outcome{kind: outcomeReply, payload: payload, state: state}
}

// Broadcast sends payload to every member at resolution time.
func Broadcast(payload []byte, state any) Outcome {
	return Outcome{kind: outcomeBroadcast, payload: payload, state: state}
}

// SendTo sends payload to the listed members only.
func SendTo(recipients []ClientID, payload []byte, state any) Outcome {
	return Outcome{kind: outcomeSendTo, recipients: recipients, payload: payload, state: state}
}

type initKind uint8

const (
	initOK initKind = iota
	initIgnore
	initStop
)

// InitResult is the tagged result of the Init hook.
type InitResult struct {
	kind   initKind
	state  any
	config Config
	reason string
}

// InitOK starts the zone with the given extension state and default config.
func InitOK(state any) InitResult {
	return InitResult{kind: initOK, state: state}
}

// InitWithConfig starts the zone with the given state and config overrides.
func InitWithConfig(state any, cfg Config) InitResult {
	return InitResult{kind: initOK, state: state, config: cfg}
}

// InitIgnore declines to start. The caller sees ErrIgnored, which is
// distinguishable from a failure.
func InitIgnore() InitResult {
	return InitResult{kind: initIgnore}
}

// InitStop aborts startup with a reason the caller receives as an error.
func InitStop(reason string) InitResult {
	return InitResult{kind: initStop, reason: reason}
}
