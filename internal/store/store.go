// Package store defines the uniform adapter interface over the local embedded
// store, the external relational store, and the S3-compatible object store.
//
// The concrete implementations live in the sqlite, external, object, and
// memory sub-packages. Consumers depend on these interfaces rather than on
// concrete types so that backends can be substituted (notably the memory
// backend in tests).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowslide/tiersync/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrSuperseded is returned by Put/Delete when the stored copy carries a newer
// updated_at than the incoming record. The stored copy is left intact.
var ErrSuperseded = errors.New("write superseded by newer record")

// ErrClosed is returned on any operation after Close.
var ErrClosed = errors.New("store closed")

// RetryableError marks a transient failure (network blip, stale pooled
// connection, SQLITE_BUSY). Workers back off and retry instead of failing the
// cycle permanently.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient. Wrapping nil returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Adapter is the uniform CRUD + change-feed capability set all three stores
// implement.
//
// Contract: operations are idempotent on identical inputs. Put of a record
// with a stale updated_at relative to the stored copy must leave the stored
// copy intact and return ErrSuperseded. Within one (type, id) the adapter
// applies Put/Delete atomically.
type Adapter interface {
	// Get returns the record (including tombstones) or ErrNotFound.
	Get(ctx context.Context, typ types.DataType, id string) (*types.Record, error)

	// Put upserts the record, comparing updated_at against any stored copy.
	Put(ctx context.Context, rec *types.Record) error

	// Delete writes a tombstone at the given timestamp. Deleting an absent
	// record creates the tombstone (idempotent).
	Delete(ctx context.Context, typ types.DataType, id string, at int64) error

	// ListSince returns up to limit records of the given type with
	// updated_at strictly greater than cursor, ordered by (updated_at, id),
	// plus the cursor for the next page.
	ListSince(ctx context.Context, typ types.DataType, cursor int64, limit int) ([]*types.Record, int64, error)

	// Ping checks reachability.
	Ping(ctx context.Context) error

	// Begin starts a write batch. Not all backends provide real transaction
	// semantics; the object backend applies batched writes sequentially.
	Begin(ctx context.Context) (Batch, error)

	// Origin identifies which tier this adapter fronts.
	Origin() types.Origin

	Close() error
}

// Batch groups writes for atomic (or best-effort, for the object store)
// application.
type Batch interface {
	Put(ctx context.Context, rec *types.Record) error
	Delete(ctx context.Context, typ types.DataType, id string, at int64) error
	Commit() error
	Rollback() error
}

// ObjectStore is the raw object capability set used by the snapshot engine
// and the append-only record log.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// CursorStore persists per-(type, direction) sync cursors. The local sqlite
// adapter implements it in the sync_cursors table.
type CursorStore interface {
	LoadCursor(ctx context.Context, typ types.DataType, dir types.Direction) (*types.SyncCursor, error)
	SaveCursor(ctx context.Context, cur *types.SyncCursor) error
	// ResetCursors zeroes the cursors for the given types (all directions).
	// Used after restores and mode transitions to force a full rescan.
	ResetCursors(ctx context.Context, typs []types.DataType) error
}

// TransitionLog persists the immutable mode-transition history. The local
// sqlite adapter implements it in the transition_log table.
type TransitionLog interface {
	AppendTransition(ctx context.Context, rec *types.TransitionRecord) (int64, error)
	UpdateTransition(ctx context.Context, rec *types.TransitionRecord) error
	ListTransitions(ctx context.Context, limit int) ([]*types.TransitionRecord, error)
}

// CountLive returns the number of live (non-tombstone) records of the given
// type, paging through the adapter's change feed. Shared by transition
// verification and snapshot manifests.
func CountLive(ctx context.Context, a Adapter, typ types.DataType) (int64, error) {
	var count int64
	cursor := int64(0)
	for {
		recs, next, err := a.ListSince(ctx, typ, cursor, 500)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", typ, err)
		}
		for _, r := range recs {
			if !r.Deleted {
				count++
			}
		}
		if len(recs) == 0 || next == cursor {
			return count, nil
		}
		cursor = next
	}
}
