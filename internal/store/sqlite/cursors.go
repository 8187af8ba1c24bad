package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// LoadCursor returns the stored cursor or a zero cursor when none exists.
func (s *Store) LoadCursor(ctx context.Context, typ types.DataType, dir types.Direction) (*types.SyncCursor, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	cur := &types.SyncCursor{Type: typ, Direction: dir}
	err := s.db.QueryRowContext(ctx,
		`SELECT high_water, updated_at FROM sync_cursors WHERE type = ? AND direction = ?`,
		string(typ), string(dir)).Scan(&cur.HighWater, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	return cur, nil
}

// SaveCursor upserts the cursor row.
func (s *Store) SaveCursor(ctx context.Context, cur *types.SyncCursor) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (type, direction, high_water, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(type, direction) DO UPDATE SET
		   high_water = excluded.high_water,
		   updated_at = excluded.updated_at`,
		string(cur.Type), string(cur.Direction), cur.HighWater, time.Now().UnixMilli())
	return wrapSQLiteErr(err)
}

// ResetCursors zeroes the cursors for the given types so the next cycle
// performs a full rescan.
func (s *Store) ResetCursors(ctx context.Context, typs []types.DataType) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	for _, typ := range typs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_cursors WHERE type = ?`, string(typ)); err != nil {
			return wrapSQLiteErr(err)
		}
	}
	return nil
}
