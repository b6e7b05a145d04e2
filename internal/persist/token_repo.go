package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/zonekit/server/internal/session"
)

// TokenRepo is the database-backed session.TokenStore: tokens survive a
// server restart, so clients can reconnect across a deploy.
type TokenRepo struct {
	db *DB
}

func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

var _ session.TokenStore = (*TokenRepo)(nil)

func (r *TokenRepo) Put(ctx context.Context, tokenID string, hash []byte, who session.ID, expires time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO reconnect_tokens (token_id, secret_hash, session_id, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		tokenID, hash, int64(who), expires,
	)
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

// Take fetches and deletes the token row in one transaction, preserving the
// vault's single-use guarantee under concurrent exchanges.
func (r *TokenRepo) Take(ctx context.Context, tokenID string) ([]byte, session.ID, time.Time, error) {
	var hash []byte
	var sid int64
	var expires time.Time
	err := r.db.Pool.QueryRow(ctx,
		`DELETE FROM reconnect_tokens WHERE token_id = $1
		 RETURNING secret_hash, session_id, expires_at`,
		tokenID,
	).Scan(&hash, &sid, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, time.Time{}, session.ErrBadToken
	}
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("take token: %w", err)
	}
	return hash, session.ID(sid), expires, nil
}

// Sweep removes expired rows. Every join inserts a token and only an
// exchange deletes one, so the table grows without bound unless something
// runs this periodically.
func (r *TokenRepo) Sweep(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM reconnect_tokens WHERE expires_at < now()`)
	if err != nil {
		return fmt.Errorf("sweep tokens: %w", err)
	}
	return nil
}
