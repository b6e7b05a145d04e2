package scripting

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zonekit/server/internal/core/zone"
	"go.uber.org/zap"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ext.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// fakeSessions is the minimal zone.SessionService for driving a real zone.
type fakeSessions struct {
	delivered map[zone.ClientID][][]byte
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{delivered: make(map[zone.ClientID][][]byte)}
}

func (f *fakeSessions) SetOwningZone(*zone.Zone, zone.ClientID)      {}
func (f *fakeSessions) ClearOwningZone(zone.ClientID)                {}
func (f *fakeSessions) OnSessionClosed(zone.ClientID, func())        {}
func (f *fakeSessions) Deliver(p []byte, who zone.ClientID) error {
	f.delivered[who] = append(f.delivered[who], p)
	return nil
}

func TestLuaExtensionOnlyWiresDefinedHooks(t *testing.T) {
	path := writeScript(t, `
function on_join(msg, who, data, state)
  return nil
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, hooks.OnJoin)
	assert.Nil(t, hooks.Init)
	assert.Nil(t, hooks.OnPart)
	assert.Nil(t, hooks.OnTick)
	assert.Nil(t, hooks.OnCustomCall)
	assert.NotNil(t, hooks.OnStop, "OnStop always present to close the VM")
	hooks.OnStop(zone.Data{}, nil)
}

func TestLuaExtensionBadScript(t *testing.T) {
	path := writeScript(t, `this is not lua`)
	_, err := NewExtension(path, zap.NewNop())
	assert.Error(t, err)
}

func TestLuaInitConfigAndState(t *testing.T) {
	path := writeScript(t, `
function init(args)
  return { state = { greeting = args }, tick_interval_ms = 100, lerp_period_ms = 400 }
end
function on_join(msg, who, data, state)
  return { state = state, action = "reply", payload = state.greeting }
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	z, err := zone.Start(zone.Options{
		ID:       "lua1",
		Hooks:    hooks,
		Args:     "hello",
		Sessions: newFakeSessions(),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	defer z.Stop()

	d, err := z.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d.TickInterval)
	assert.Equal(t, 400*time.Millisecond, d.LerpPeriod)

	reply, err := z.Join([]byte("x"), 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
}

func TestLuaInitIgnore(t *testing.T) {
	path := writeScript(t, `
function init(args)
  return { ignore = true }
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	_, err = zone.Start(zone.Options{
		ID:       "ignored",
		Hooks:    hooks,
		Sessions: newFakeSessions(),
		Logger:   zap.NewNop(),
	})
	assert.ErrorIs(t, err, zone.ErrIgnored)
}

func TestLuaInitStop(t *testing.T) {
	path := writeScript(t, `
function init(args)
  return { stop = "missing map data" }
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	_, err = zone.Start(zone.Options{
		ID:       "stopped",
		Hooks:    hooks,
		Sessions: newFakeSessions(),
		Logger:   zap.NewNop(),
	})
	var se *zone.StopError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "missing map data", se.Reason)
}

func TestLuaCustomCallCountsState(t *testing.T) {
	path := writeScript(t, `
function init(args)
  return { state = 0 }
end
function on_call(name, msg, who, data, state)
  if name == "bump" then
    return { state = state + 1, action = "reply", payload = tostring(state + 1) }
  end
  return { state = state }
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	z, err := zone.Start(zone.Options{
		ID:       "counter",
		Hooks:    hooks,
		Sessions: newFakeSessions(),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	defer z.Stop()

	_, err = z.Join(nil, 1)
	require.NoError(t, err)

	reply, err := z.Call("bump", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), reply)

	reply, err = z.Call("bump", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), reply)
}

func TestLuaSendToOutcome(t *testing.T) {
	path := writeScript(t, `
function on_call(name, msg, who, data, state)
  return { state = state, action = "send", to = { who }, payload = "just you" }
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	sess := newFakeSessions()
	z, err := zone.Start(zone.Options{
		ID:       "whisper",
		Hooks:    hooks,
		Sessions: sess,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	_, err = z.Join(nil, 1)
	require.NoError(t, err)
	_, err = z.Join(nil, 2)
	require.NoError(t, err)

	_, err = z.Call("whisper", nil, 2)
	require.NoError(t, err)
	z.Stop()

	assert.Empty(t, sess.delivered[1])
	assert.Equal(t, [][]byte{[]byte("just you")}, sess.delivered[2])
}

func TestLuaScriptErrorKeepsState(t *testing.T) {
	path := writeScript(t, `
function init(args)
  return { state = "initial" }
end
function on_call(name, msg, who, data, state)
  error("handler exploded")
end
function on_join(msg, who, data, state)
  return { state = state, action = "reply", payload = tostring(state) }
end
`)
	hooks, err := NewExtension(path, zap.NewNop())
	require.NoError(t, err)

	z, err := zone.Start(zone.Options{
		ID:       "crashy",
		Hooks:    hooks,
		Sessions: newFakeSessions(),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	defer z.Stop()

	_, err = z.Join(nil, 1)
	require.NoError(t, err)

	// The failing handler must not wedge the zone or lose the state.
	_, err = z.Call("explode", nil, 1)
	require.NoError(t, err)

	reply, err := z.Join(nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("initial"), reply)
}
