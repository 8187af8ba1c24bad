package memory

import (
	"context"

	"github.com/flowslide/tiersync/internal/types"
)

func cursorKey(typ types.DataType, dir types.Direction) string {
	return string(typ) + "/" + string(dir)
}

// LoadCursor returns the stored cursor or a zero cursor when none exists.
func (s *Store) LoadCursor(ctx context.Context, typ types.DataType, dir types.Direction) (*types.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[cursorKey(typ, dir)]; ok {
		out := *cur
		return &out, nil
	}
	return &types.SyncCursor{Type: typ, Direction: dir}, nil
}

// SaveCursor stores the cursor.
func (s *Store) SaveCursor(ctx context.Context, cur *types.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cur
	s.cursors[cursorKey(cur.Type, cur.Direction)] = &cp
	return nil
}

// ResetCursors zeroes the cursors for the given types in all directions.
func (s *Store) ResetCursors(ctx context.Context, typs []types.DataType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, typ := range typs {
		delete(s.cursors, cursorKey(typ, types.LocalToExternal))
		delete(s.cursors, cursorKey(typ, types.ExternalToLocal))
	}
	return nil
}

// AppendTransition adds a transition record and returns its id.
func (s *Store) AppendTransition(ctx context.Context, rec *types.TransitionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.ID = int64(len(s.transitions) + 1)
	s.transitions = append(s.transitions, &cp)
	return cp.ID, nil
}

// UpdateTransition overwrites the stored record with the same id.
func (s *Store) UpdateTransition(ctx context.Context, rec *types.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tr := range s.transitions {
		if tr.ID == rec.ID {
			cp := *rec
			s.transitions[i] = &cp
			return nil
		}
	}
	return nil
}

// ListTransitions returns up to limit records, most recent first.
func (s *Store) ListTransitions(ctx context.Context, limit int) ([]*types.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TransitionRecord
	for i := len(s.transitions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *s.transitions[i]
		out = append(out, &cp)
	}
	return out, nil
}
