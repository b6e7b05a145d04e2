package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zonekit/server/internal/session"
	"go.uber.org/zap"
)

type nopTransport struct{}

func (nopTransport) WriteFrame([]byte) error { return nil }
func (nopTransport) Close() error            { return nil }

func newTestSession(state session.State) *session.Session {
	s := session.New(1, nopTransport{}, 4, zap.NewNop())
	s.SetState(state)
	return s
}

func TestReaderWriterRoundTrip(t *testing.T) {
	w := NewWriter(C_OPCODE_CALL)
	w.WriteS("move")
	w.WriteD(1234)
	w.WriteH(7)
	w.WriteQ(1 << 40)
	w.WriteBytes([]byte{0xAA, 0xBB})

	r := NewReader(w.Bytes())
	assert.Equal(t, C_OPCODE_CALL, r.Opcode())
	assert.Equal(t, "move", r.ReadS())
	assert.Equal(t, uint32(1234), r.ReadD())
	assert.Equal(t, uint16(7), r.ReadH())
	assert.Equal(t, uint64(1)<<40, r.ReadQ())
	assert.Equal(t, []byte{0xAA, 0xBB}, r.Rest())
	assert.Zero(t, r.Remaining())
}

func TestReaderShortReadsReturnZero(t *testing.T) {
	r := NewReader([]byte{C_OPCODE_HEARTBEAT, 0x01})
	assert.Equal(t, byte(1), r.ReadC())
	assert.Equal(t, uint16(0), r.ReadH())
	assert.Equal(t, uint32(0), r.ReadD())
	assert.Equal(t, "", r.ReadS())
	assert.Nil(t, r.ReadBytes(4))
}

func TestStringNormalization(t *testing.T) {
	// "é" as combining sequence (NFD) must round-trip equal to precomposed.
	w := NewWriter(C_OPCODE_JOIN)
	w.WriteS("café")

	r := NewReader(w.Bytes())
	assert.Equal(t, "café", r.ReadS())
}

func TestFrameCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0x05, 0x01, 0x02, 0x03}

	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameCodecRejectsBadLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x01, 0x00})) // total length 1
	assert.Error(t, err)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer

	// One past the header's reach: the uint16 would wrap.
	err := WriteFrame(&buf, make([]byte, maxFramePayload+1))
	assert.Error(t, err)
	assert.Zero(t, buf.Len(), "nothing may reach the wire on a rejected frame")

	assert.Error(t, WriteFrame(&buf, nil))

	// The boundary itself still fits.
	require.NoError(t, WriteFrame(&buf, make([]byte, maxFramePayload)))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, got, maxFramePayload)
}

func TestDispatchRoutesByOpcode(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	var gotName string
	reg.Register(C_OPCODE_CALL, []session.State{session.StateJoined},
		func(sess *session.Session, r *Reader) {
			gotName = r.ReadS()
		})

	w := NewWriter(C_OPCODE_CALL)
	w.WriteS("fire")

	sess := newTestSession(session.StateJoined)
	require.NoError(t, reg.Dispatch(sess, w.Bytes()))
	assert.Equal(t, "fire", gotName)
}

func TestDispatchUnknownOpcodeDroppedSilently(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	sess := newTestSession(session.StateConnected)

	assert.NoError(t, reg.Dispatch(sess, []byte{0x7F}))
}

func TestDispatchStateGating(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(C_OPCODE_CALL, []session.State{session.StateJoined},
		func(*session.Session, *Reader) {})

	sess := newTestSession(session.StateConnected)
	assert.Error(t, reg.Dispatch(sess, []byte{C_OPCODE_CALL}))
}

func TestDispatchBareHandler(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	var beats int
	reg.RegisterBare(C_OPCODE_HEARTBEAT,
		[]session.State{session.StateConnected, session.StateJoined},
		func(r *Reader) { beats++ })

	sess := newTestSession(session.StateConnected)
	require.NoError(t, reg.Dispatch(sess, []byte{C_OPCODE_HEARTBEAT}))
	sess.SetState(session.StateJoined)
	require.NoError(t, reg.Dispatch(sess, []byte{C_OPCODE_HEARTBEAT}))
	assert.Equal(t, 2, beats)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(C_OPCODE_JOIN, []session.State{session.StateConnected},
		func(*session.Session, *Reader) { panic("boom") })

	sess := newTestSession(session.StateConnected)
	err := reg.Dispatch(sess, []byte{C_OPCODE_JOIN})
	assert.ErrorContains(t, err, "panic")
}

func TestDispatchEmptyFrame(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	assert.Error(t, reg.Dispatch(newTestSession(session.StateConnected), nil))
}
