package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Snapshot is an opaque extension-state blob captured at a frame. The core
// never inspects the state; encoding it is the extension's business.
type Snapshot struct {
	ZoneID string
	Frame  uint64
	State  []byte
}

var ErrNoSnapshot = errors.New("no snapshot for zone")

type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Save upserts the zone's snapshot. Last write wins per zone.
func (r *SnapshotRepo) Save(ctx context.Context, s Snapshot) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO zone_snapshots (zone_id, frame, state, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (zone_id) DO UPDATE
		 SET frame = EXCLUDED.frame, state = EXCLUDED.state, updated_at = now()`,
		s.ZoneID, int64(s.Frame), s.State,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.ZoneID, err)
	}
	return nil
}

// Load fetches the zone's latest snapshot.
func (r *SnapshotRepo) Load(ctx context.Context, zoneID string) (Snapshot, error) {
	var s Snapshot
	var frame int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT zone_id, frame, state FROM zone_snapshots WHERE zone_id = $1`,
		zoneID,
	).Scan(&s.ZoneID, &frame, &s.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", zoneID, err)
	}
	s.Frame = uint64(frame)
	return s, nil
}

// Delete removes the zone's snapshot, e.g. after a clean zone teardown.
func (r *SnapshotRepo) Delete(ctx context.Context, zoneID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM zone_snapshots WHERE zone_id = $1`, zoneID)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", zoneID, err)
	}
	return nil
}
