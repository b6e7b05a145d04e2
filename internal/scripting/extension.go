// Package scripting adapts Lua scripts into zone extensions. A script
// defines some subset of init / on_join / on_part / on_reconnect /
// on_disconnect / on_tick / on_call / on_info; only the functions it defines
// become hooks, so a minimal script pays for nothing it doesn't use.
//
// Each zone instance gets its own Lua state. The zone actor serializes all
// callback invocations, so the VM needs no locking.
package scripting

import (
	"fmt"
	"time"

	"github.com/zonekit/server/internal/core/zone"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Outcome convention for callbacks, mirrored on the Lua side:
//
//	return nil                                       -- keep state, send nothing
//	return {state=s}                                 -- noUpdate
//	return {state=s, action="reply", payload=p}      -- reply
//	return {state=s, action="broadcast", payload=p}  -- broadcast
//	return {state=s, action="send", to={1,2}, payload=p}
//
// init convention:
//
//	return {state=s, tick_interval_ms=n, lerp_period_ms=n}
//	return {ignore=true}
//	return {stop="reason"}

// NewExtension loads scriptPath into a fresh VM and returns the hook set it
// defines. The VM closes when the zone stops.
func NewExtension(scriptPath string, log *zap.Logger) (zone.Hooks, error) {
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	if err := vm.DoFile(scriptPath); err != nil {
		vm.Close()
		return zone.Hooks{}, fmt.Errorf("load script %s: %w", scriptPath, err)
	}

	ext := &luaExtension{
		vm:  vm,
		log: log.With(zap.String("script", scriptPath)),
	}
	return ext.hooks(), nil
}

type luaExtension struct {
	vm  *lua.LState
	log *zap.Logger
}

// hooks wires only the callbacks the script actually defines.
func (e *luaExtension) hooks() zone.Hooks {
	h := zone.Hooks{
		OnStop: e.onStop, // always present: closes the VM
	}
	if e.fn("init") != lua.LNil {
		h.Init = e.init
	}
	if e.fn("on_join") != lua.LNil {
		h.OnJoin = func(msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
			return e.memberEvent("on_join", msg, who, data, state)
		}
	}
	if e.fn("on_part") != lua.LNil {
		h.OnPart = func(msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
			return e.memberEvent("on_part", msg, who, data, state)
		}
	}
	if e.fn("on_reconnect") != lua.LNil {
		h.OnReconnect = func(who zone.ClientID, data zone.Data, state any) zone.Outcome {
			return e.call("on_reconnect", state, lua.LNumber(who), e.dataTable(data), e.toLua(state))
		}
	}
	if e.fn("on_disconnect") != lua.LNil {
		h.OnDisconnect = func(who zone.ClientID, data zone.Data, state any) zone.Outcome {
			return e.call("on_disconnect", state, lua.LNumber(who), e.dataTable(data), e.toLua(state))
		}
	}
	if e.fn("on_tick") != lua.LNil {
		h.OnTick = func(data zone.Data, state any) zone.Outcome {
			return e.call("on_tick", state, e.dataTable(data), e.toLua(state))
		}
	}
	if e.fn("on_call") != lua.LNil {
		h.OnCustomCall = func(name string, msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
			return e.call("on_call", state,
				lua.LString(name), lua.LString(msg), lua.LNumber(who), e.dataTable(data), e.toLua(state))
		}
	}
	if e.fn("on_info") != lua.LNil {
		h.OnInfo = func(msg any, state any) zone.Outcome {
			return e.call("on_info", state, e.toLua(msg), e.toLua(state))
		}
	}
	return h
}

func (e *luaExtension) fn(name string) lua.LValue {
	return e.vm.GetGlobal(name)
}

func (e *luaExtension) init(args any) zone.InitResult {
	if err := e.vm.CallByParam(lua.P{
		Fn:      e.fn("init"),
		NRet:    1,
		Protect: true,
	}, e.toLua(args)); err != nil {
		e.log.Error("lua init failed", zap.Error(err))
		return zone.InitStop(err.Error())
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)

	t, ok := ret.(*lua.LTable)
	if !ok {
		return zone.InitOK(ret)
	}
	if lua.LVAsBool(t.RawGetString("ignore")) {
		e.vm.Close()
		return zone.InitIgnore()
	}
	if stop := t.RawGetString("stop"); stop != lua.LNil {
		e.vm.Close()
		return zone.InitStop(lua.LVAsString(stop))
	}

	var cfg zone.Config
	if v := t.RawGetString("tick_interval_ms"); v != lua.LNil {
		cfg.TickInterval = msToDuration(lua.LVAsNumber(v))
	}
	if v := t.RawGetString("lerp_period_ms"); v != lua.LNil {
		cfg.LerpPeriod = msToDuration(lua.LVAsNumber(v))
	}
	return zone.InitWithConfig(t.RawGetString("state"), cfg)
}

func (e *luaExtension) memberEvent(fn string, msg []byte, who zone.ClientID, data zone.Data, state any) zone.Outcome {
	return e.call(fn, state, lua.LString(msg), lua.LNumber(who), e.dataTable(data), e.toLua(state))
}

// call invokes the named script function and translates its outcome table.
// A script error keeps the previous state and sends nothing; the error is
// logged, not propagated, because a broken handler must not wedge the zone.
func (e *luaExtension) call(fn string, prevState any, args ...lua.LValue) zone.Outcome {
	if err := e.vm.CallByParam(lua.P{
		Fn:      e.fn(fn),
		NRet:    1,
		Protect: true,
	}, args...); err != nil {
		e.log.Error("lua callback failed", zap.String("fn", fn), zap.Error(err))
		return zone.NoUpdate(prevState)
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)
	return e.outcome(ret, prevState)
}

func (e *luaExtension) outcome(ret lua.LValue, prevState any) zone.Outcome {
	t, ok := ret.(*lua.LTable)
	if !ok {
		return zone.NoUpdate(prevState) // nil or junk: keep state
	}

	state := any(t.RawGetString("state"))
	if state == lua.LNil {
		state = prevState
	}
	payload := []byte(lua.LVAsString(t.RawGetString("payload")))

	switch lua.LVAsString(t.RawGetString("action")) {
	case "reply":
		return zone.Reply(payload, state)
	case "broadcast":
		return zone.Broadcast(payload, state)
	case "send":
		var to []zone.ClientID
		if list, ok := t.RawGetString("to").(*lua.LTable); ok {
			list.ForEach(func(_, v lua.LValue) {
				to = append(to, zone.ClientID(lua.LVAsNumber(v)))
			})
		}
		return zone.SendTo(to, payload, state)
	default:
		return zone.NoUpdate(state)
	}
}

func (e *luaExtension) onStop(data zone.Data, state any) {
	if fn := e.fn("on_stop"); fn != lua.LNil {
		if err := e.vm.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		}, e.dataTable(data), e.toLua(state)); err != nil {
			e.log.Error("lua on_stop failed", zap.Error(err))
		}
	}
	e.vm.Close()
}

func (e *luaExtension) dataTable(data zone.Data) *lua.LTable {
	t := e.vm.NewTable()
	t.RawSetString("frame", lua.LNumber(data.Frame))
	t.RawSetString("tick_interval_ms", lua.LNumber(data.TickInterval.Milliseconds()))
	t.RawSetString("lerp_period_ms", lua.LNumber(data.LerpPeriod.Milliseconds()))
	clients := e.vm.NewTable()
	for i, c := range data.Clients {
		clients.RawSetInt(i+1, lua.LNumber(c))
	}
	t.RawSetString("clients", clients)
	return t
}

// toLua converts hook inputs for the VM. Extension state is already a Lua
// value and passes through; plain Go values cover the Args path.
func (e *luaExtension) toLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case map[string]string:
		t := e.vm.NewTable()
		for k, val := range x {
			t.RawSetString(k, lua.LString(val))
		}
		return t
	case map[string]any:
		t := e.vm.NewTable()
		for k, val := range x {
			t.RawSetString(k, e.toLua(val))
		}
		return t
	default:
		e.log.Warn("unconvertible value passed to lua, sending nil",
			zap.String("type", fmt.Sprintf("%T", v)))
		return lua.LNil
	}
}

func msToDuration(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Millisecond))
}
