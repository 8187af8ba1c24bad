package syncengine

import (
	"strings"

	"github.com/flowslide/tiersync/internal/types"
)

// Outcome classifies what happened to one record during an apply.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeSkippedSuperseded Outcome = "skipped_superseded"
	OutcomeConflictResolved  Outcome = "conflict_resolved"
	OutcomeError             Outcome = "error"
)

// originRank orders store origins for tie-breaking. The external store is the
// designated primary, then the object store, then local. A fixed global order
// means both sides of a simultaneous-write conflict pick the same winner, so
// the stores converge instead of each keeping its own copy.
func originRank(o types.Origin) int {
	switch o {
	case types.OriginExternal:
		return 2
	case types.OriginObject:
		return 1
	default:
		return 0
	}
}

// Resolve decides between an incoming record and the copy already at the
// destination. It is total and deterministic: given the same two versions it
// always returns the same winner, on every store.
//
// Rules, in order:
//  1. no existing copy        -> incoming wins (plain apply)
//  2. newer updated_at wins
//  3. tie: higher-ranked origin wins (external > object > local)
//  4. tie: higher version wins
//  5. tie: lexicographically larger payload hash wins
//
// Tombstones follow the same rules; a newer tombstone supersedes a live
// record and vice versa.
func Resolve(incoming, existing *types.Record) (winner *types.Record, outcome Outcome) {
	if existing == nil {
		return incoming, OutcomeApplied
	}

	if incoming.UpdatedAt > existing.UpdatedAt {
		return incoming, OutcomeApplied
	}
	if incoming.UpdatedAt < existing.UpdatedAt {
		return existing, OutcomeSkippedSuperseded
	}

	// Equal timestamps: every branch below is a resolved conflict.
	if inRank, exRank := originRank(incoming.Origin), originRank(existing.Origin); inRank != exRank {
		if inRank > exRank {
			return incoming, OutcomeConflictResolved
		}
		return existing, OutcomeConflictResolved
	}

	if incoming.Version > existing.Version {
		return incoming, OutcomeConflictResolved
	}
	if incoming.Version < existing.Version {
		return existing, OutcomeConflictResolved
	}

	switch strings.Compare(incoming.PayloadHash(), existing.PayloadHash()) {
	case 1:
		return incoming, OutcomeConflictResolved
	case -1:
		return existing, OutcomeConflictResolved
	default:
		// Identical records; keeping the existing copy makes re-applying a
		// batch a no-op.
		return existing, OutcomeSkippedSuperseded
	}
}
