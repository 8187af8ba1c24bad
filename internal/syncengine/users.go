package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// ErrUsernameConflict is returned when the username already exists on the
// external store.
var ErrUsernameConflict = errors.New("username already exists")

// ErrUniquenessUnverifiable is returned when an external store is configured
// but unreachable, so the cross-tier uniqueness check cannot run. Callers may
// retry or surface the condition; the user is not created.
var ErrUniquenessUnverifiable = errors.New("cannot verify username uniqueness: external store unreachable")

// CreateUser writes a new user record locally after checking the external
// store for a conflicting username. User ids are usernames, compared
// case-insensitively: "Alice" and "alice" are the same user.
//
// Without an external peer (LOCAL_ONLY, LOCAL_R2) the local store alone is
// authoritative and the check is skipped. After a successful write the users
// workers are nudged so the record propagates ahead of its next tick.
func (e *Engine) CreateUser(ctx context.Context, rec *types.Record) error {
	if rec.Type != types.TypeUsers {
		return fmt.Errorf("create user: record type is %s", rec.Type)
	}
	id := strings.ToLower(rec.ID)

	if local, err := e.local.Get(ctx, types.TypeUsers, id); err == nil && !local.Deleted {
		return fmt.Errorf("%w: %s", ErrUsernameConflict, id)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("create user %s: %w", id, err)
	}

	e.mu.Lock()
	external := e.peers.External
	e.mu.Unlock()

	if external != nil {
		remote, err := external.Get(ctx, types.TypeUsers, id)
		switch {
		case err == nil:
			if !remote.Deleted {
				return fmt.Errorf("%w: %s", ErrUsernameConflict, id)
			}
		case errors.Is(err, store.ErrNotFound):
			// Free to take.
		default:
			return fmt.Errorf("%w: %v", ErrUniquenessUnverifiable, err)
		}
	}

	out := rec.Clone()
	out.ID = id
	if out.Origin == "" {
		out.Origin = types.OriginLocal
	}
	if out.UpdatedAt == 0 {
		out.UpdatedAt = e.clk.NowMillis()
	}
	if out.Version == 0 {
		out.Version = 1
	}
	if err := e.local.Put(ctx, out); err != nil {
		return fmt.Errorf("create user %s: %w", id, err)
	}

	// Best effort: push the new user out now rather than waiting a tick.
	go func() {
		_ = e.TriggerSync(context.Background(), types.TypeUsers)
	}()
	return nil
}
