package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/types"
)

func rec(id string, at int64, origin types.Origin, version int64, payload string) *types.Record {
	return &types.Record{
		Type:      types.TypeProjects,
		ID:        id,
		Payload:   []byte(payload),
		UpdatedAt: at,
		Origin:    origin,
		Version:   version,
	}
}

func TestResolveNewerWins(t *testing.T) {
	incoming := rec("p1", 2000, types.OriginLocal, 1, "new")
	existing := rec("p1", 1000, types.OriginExternal, 5, "old")

	winner, outcome := Resolve(incoming, existing)
	assert.Same(t, incoming, winner)
	assert.Equal(t, OutcomeApplied, outcome)

	winner, outcome = Resolve(existing, incoming)
	assert.Same(t, incoming, winner)
	assert.Equal(t, OutcomeSkippedSuperseded, outcome)
}

func TestResolveNoExisting(t *testing.T) {
	incoming := rec("p1", 1000, types.OriginLocal, 1, "a")
	winner, outcome := Resolve(incoming, nil)
	assert.Same(t, incoming, winner)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestResolveTieExternalOriginWins(t *testing.T) {
	local := rec("p1", 1000, types.OriginLocal, 9, "a")
	external := rec("p1", 1000, types.OriginExternal, 1, "b")

	// The external copy wins even with a lower version, from either side, so
	// both stores settle on the same record.
	winner, outcome := Resolve(local, external)
	assert.Same(t, external, winner)
	assert.Equal(t, OutcomeConflictResolved, outcome)

	winner, outcome = Resolve(external, local)
	assert.Same(t, external, winner)
	assert.Equal(t, OutcomeConflictResolved, outcome)
}

func TestResolveTieObjectOutranksLocal(t *testing.T) {
	local := rec("p1", 1000, types.OriginLocal, 3, "a")
	object := rec("p1", 1000, types.OriginObject, 1, "b")

	winner, _ := Resolve(local, object)
	assert.Same(t, object, winner)
	winner, _ = Resolve(object, local)
	assert.Same(t, object, winner)
}

func TestResolveTieHigherVersionWins(t *testing.T) {
	incoming := rec("p1", 1000, types.OriginLocal, 3, "a")
	existing := rec("p1", 1000, types.OriginLocal, 2, "b")

	winner, outcome := Resolve(incoming, existing)
	assert.Same(t, incoming, winner)
	assert.Equal(t, OutcomeConflictResolved, outcome)
}

func TestResolveTieHashBreaksDeterministically(t *testing.T) {
	a := rec("p1", 1000, types.OriginLocal, 1, "aaa")
	b := rec("p1", 1000, types.OriginLocal, 1, "bbb")

	w1, _ := Resolve(a, b)
	w2, _ := Resolve(b, a)
	// Whichever payload hashes larger wins from both sides.
	require.Equal(t, w1.PayloadHash(), w2.PayloadHash())
}

func TestResolveIdenticalIsNoop(t *testing.T) {
	a := rec("p1", 1000, types.OriginLocal, 1, "same")
	b := rec("p1", 1000, types.OriginLocal, 1, "same")

	winner, outcome := Resolve(a, b)
	assert.Same(t, b, winner)
	assert.Equal(t, OutcomeSkippedSuperseded, outcome)
}

func TestResolveTombstoneFollowsSameRules(t *testing.T) {
	tomb := rec("p1", 2000, types.OriginLocal, 2, "")
	tomb.Deleted = true
	live := rec("p1", 1000, types.OriginExternal, 1, "data")

	winner, outcome := Resolve(tomb, live)
	assert.Same(t, tomb, winner)
	assert.Equal(t, OutcomeApplied, outcome)

	// A live record newer than the tombstone resurrects.
	newer := rec("p1", 3000, types.OriginExternal, 3, "back")
	winner, _ = Resolve(newer, tomb)
	assert.Same(t, newer, winner)
}
