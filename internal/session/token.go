package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrBadToken = errors.New("invalid or expired reconnect token")

// TokenStore persists issued tokens. The in-memory implementation below is
// the default; internal/persist provides a database-backed one.
type TokenStore interface {
	Put(ctx context.Context, tokenID string, hash []byte, session ID, expires time.Time) error
	Take(ctx context.Context, tokenID string) (hash []byte, session ID, expires time.Time, err error)
}

// TokenVault issues and exchanges single-use reconnect tokens. The token
// secret leaves the server only in the issue reply; the store keeps a bcrypt
// hash, same treatment as account credentials.
type TokenVault struct {
	store TokenStore
	ttl   time.Duration
}

func NewTokenVault(store TokenStore, ttl time.Duration) *TokenVault {
	return &TokenVault{store: store, ttl: ttl}
}

// Issue mints a reconnect token for the session. The returned string is
// "tokenID:secret"; only its hash is stored.
func (v *TokenVault) Issue(ctx context.Context, who ID) (string, error) {
	tokenID := uuid.NewString()
	secret := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := v.store.Put(ctx, tokenID, hash, who, time.Now().Add(v.ttl)); err != nil {
		return "", err
	}
	return tokenID + ":" + secret, nil
}

// Exchange redeems a token for the session it was issued to. Tokens are
// single-use: a successful or failed exchange consumes them.
func (v *TokenVault) Exchange(ctx context.Context, token string) (ID, error) {
	tokenID, secret, ok := splitToken(token)
	if !ok {
		return 0, ErrBadToken
	}
	hash, who, expires, err := v.store.Take(ctx, tokenID)
	if err != nil {
		return 0, ErrBadToken
	}
	if time.Now().After(expires) {
		return 0, ErrBadToken
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return 0, ErrBadToken
	}
	return who, nil
}

func splitToken(token string) (tokenID, secret string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			return token[:i], token[i+1:], i > 0 && i < len(token)-1
		}
	}
	return "", "", false
}

// MemoryTokenStore keeps tokens in a map. Take removes the row, which gives
// the vault its single-use guarantee.
type MemoryTokenStore struct {
	mu   sync.Mutex
	rows map[string]memToken
}

type memToken struct {
	hash    []byte
	session ID
	expires time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{rows: make(map[string]memToken)}
}

func (s *MemoryTokenStore) Put(_ context.Context, tokenID string, hash []byte, session ID, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[tokenID] = memToken{hash: hash, session: session, expires: expires}
	return nil
}

func (s *MemoryTokenStore) Take(_ context.Context, tokenID string) ([]byte, ID, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[tokenID]
	if !ok {
		return nil, 0, time.Time{}, ErrBadToken
	}
	delete(s.rows, tokenID)
	return row.hash, row.session, row.expires, nil
}
