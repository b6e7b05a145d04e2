package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipeTransport collects written frames; Close unblocks nothing special.
type pipeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (p *pipeTransport) WriteFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		return errors.New("broken pipe")
	}
	p.frames = append(p.frames, payload)
	return nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipeTransport) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func TestSessionSendAndWriteLoop(t *testing.T) {
	tr := &pipeTransport{}
	s := New(1, tr, 16, zap.NewNop())
	s.StartWriter(nil)

	require.NoError(t, s.Send([]byte("a")))
	require.NoError(t, s.Send([]byte("b")))

	assert.Eventually(t, func() bool { return tr.frameCount() == 2 }, time.Second, 5*time.Millisecond)

	s.Close()
	<-s.Done()
	assert.ErrorIs(t, s.Send([]byte("c")), ErrSessionClosed)
}

func TestSessionBackpressureClosesSlowSession(t *testing.T) {
	tr := &pipeTransport{}
	s := New(2, tr, 1, zap.NewNop())
	// No writer started: the queue never drains.

	_ = s.Send([]byte("fills the queue"))
	err := s.Send([]byte("overflow"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, s.IsClosed())
}

func TestRegistryClosedCallbacksFireOnce(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	tr := &pipeTransport{}
	s := New(3, tr, 4, zap.NewNop())

	var mu sync.Mutex
	var fired int
	reg.Add(s)
	reg.OnSessionClosed(3, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s.Close()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := reg.Get(3)
	assert.False(t, ok, "closed session must leave the registry")
	assert.ErrorIs(t, reg.Deliver([]byte("x"), 3), ErrUnknownSession)
}

func TestRegistryClosedCallbackReplacedNotStacked(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	tr := &pipeTransport{}
	s := New(7, tr, 4, zap.NewNop())
	reg.Add(s)

	var mu sync.Mutex
	var fired []string
	reg.OnSessionClosed(7, func() {
		mu.Lock()
		fired = append(fired, "old")
		mu.Unlock()
	})
	// A zone hop re-registers; the stale callback must not survive it.
	reg.OnSessionClosed(7, func() {
		mu.Lock()
		fired = append(fired, "new")
		mu.Unlock()
	})

	s.Close()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, fired)
}

func TestRegistryClearOwningZoneDropsClosedCallback(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	tr := &pipeTransport{}
	s := New(8, tr, 4, zap.NewNop())
	reg.Add(s)

	var mu sync.Mutex
	var fired int
	reg.OnSessionClosed(8, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	reg.ClearOwningZone(8) // part: the zone no longer cares

	s.Close()
	assert.Eventually(t, func() bool {
		_, ok := reg.Get(8)
		return !ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, fired, "parted zone must not hear about later closes")
}

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	tr := &pipeTransport{}
	s := New(4, tr, 4, zap.NewNop())
	reg.Add(s)
	defer s.Close()

	require.NoError(t, reg.Deliver([]byte("hello"), 4))
	assert.Eventually(t, func() bool { return tr.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, reg.Deliver([]byte("x"), 99), ErrUnknownSession)
}

func TestRegistryDeliverWrapsNotifications(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.SetNotifyOpcode(0x82)
	tr := &pipeTransport{}
	s := New(5, tr, 4, zap.NewNop())
	reg.Add(s)
	defer s.Close()

	require.NoError(t, reg.Deliver([]byte("tick"), 5))
	assert.Eventually(t, func() bool { return tr.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []byte{0x82, 't', 'i', 'c', 'k'}, tr.frames[0])
}

func TestTokenVaultIssueExchange(t *testing.T) {
	v := NewTokenVault(NewMemoryTokenStore(), time.Minute)
	ctx := context.Background()

	token, err := v.Issue(ctx, 42)
	require.NoError(t, err)

	who, err := v.Exchange(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, ID(42), who)

	// Single use: the same token cannot be redeemed twice.
	_, err = v.Exchange(ctx, token)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestTokenVaultRejectsGarbage(t *testing.T) {
	v := NewTokenVault(NewMemoryTokenStore(), time.Minute)
	ctx := context.Background()

	for _, token := range []string{"", "no-separator", ":", "a:", ":b"} {
		_, err := v.Exchange(ctx, token)
		assert.ErrorIs(t, err, ErrBadToken, "token %q", token)
	}
}

func TestTokenVaultExpiry(t *testing.T) {
	v := NewTokenVault(NewMemoryTokenStore(), -time.Second) // already expired
	ctx := context.Background()

	token, err := v.Issue(ctx, 7)
	require.NoError(t, err)

	_, err = v.Exchange(ctx, token)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestTokenVaultWrongSecret(t *testing.T) {
	store := NewMemoryTokenStore()
	v := NewTokenVault(store, time.Minute)
	ctx := context.Background()

	token, err := v.Issue(ctx, 7)
	require.NoError(t, err)

	tokenID, _, ok := splitToken(token)
	require.True(t, ok)

	_, err = v.Exchange(ctx, tokenID+":wrong-secret")
	assert.ErrorIs(t, err, ErrBadToken)
}
