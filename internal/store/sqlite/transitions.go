package sqlite

import (
	"context"

	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// AppendTransition inserts a transition record and returns its row id.
func (s *Store) AppendTransition(ctx context.Context, rec *types.TransitionRecord) (int64, error) {
	if s.closed.Load() {
		return 0, store.ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transition_log
		   (from_mode, to_mode, started_at, finished_at, status, reason, actor, error, snapshot_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.FromMode), string(rec.ToMode), rec.StartedAt, rec.FinishedAt,
		string(rec.Status), rec.Reason, rec.Actor, rec.Error, rec.SnapshotID)
	if err != nil {
		return 0, wrapSQLiteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapSQLiteErr(err)
	}
	rec.ID = id
	return id, nil
}

// UpdateTransition rewrites the terminal fields of an existing entry. The log
// is append-only from the caller's perspective; only the in-flight row is
// finalized.
func (s *Store) UpdateTransition(ctx context.Context, rec *types.TransitionRecord) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transition_log
		 SET finished_at = ?, status = ?, error = ?, snapshot_id = ?
		 WHERE id = ?`,
		rec.FinishedAt, string(rec.Status), rec.Error, rec.SnapshotID, rec.ID)
	return wrapSQLiteErr(err)
}

// ListTransitions returns up to limit records, most recent first.
func (s *Store) ListTransitions(ctx context.Context, limit int) ([]*types.TransitionRecord, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_mode, to_mode, started_at, finished_at, status, reason, actor, error, snapshot_id
		 FROM transition_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var out []*types.TransitionRecord
	for rows.Next() {
		var rec types.TransitionRecord
		var from, to, status string
		if err := rows.Scan(&rec.ID, &from, &to, &rec.StartedAt, &rec.FinishedAt,
			&status, &rec.Reason, &rec.Actor, &rec.Error, &rec.SnapshotID); err != nil {
			return nil, wrapSQLiteErr(err)
		}
		rec.FromMode = types.DeploymentMode(from)
		rec.ToMode = types.DeploymentMode(to)
		rec.Status = types.TransitionStatus(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
