package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/types"
)

func userRec(id string, at int64) *types.Record {
	return &types.Record{
		Type: types.TypeUsers, ID: id, Payload: []byte(`{"name":"x"}`),
		UpdatedAt: at, Origin: types.OriginLocal, Version: 1,
	}
}

func TestCreateUserHappyPath(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	require.NoError(t, f.engine.CreateUser(ctx, userRec("alice", 1000)))
	got, err := f.local.Get(ctx, types.TypeUsers, "alice")
	require.NoError(t, err)
	assert.False(t, got.Deleted)

	// The write is nudged out asynchronously; it lands without waiting a tick.
	assert.Eventually(t, func() bool {
		return f.external.Len(types.TypeUsers) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateUserRejectsRemoteConflict(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.external, types.TypeUsers, "alice", 500, "{}")

	err := f.engine.CreateUser(ctx, userRec("alice", 1000))
	assert.ErrorIs(t, err, ErrUsernameConflict)
	assert.Empty(t, f.local.LiveIDs(types.TypeUsers))
}

func TestCreateUserCaseInsensitive(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.external, types.TypeUsers, "alice", 500, "{}")
	err := f.engine.CreateUser(ctx, userRec("Alice", 1000))
	assert.ErrorIs(t, err, ErrUsernameConflict)
}

func TestCreateUserUnverifiableWhenPeerDown(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	// A closed store errors on Get, standing in for an unreachable peer.
	require.NoError(t, f.external.Close())

	err := f.engine.CreateUser(ctx, userRec("bob", 1000))
	assert.ErrorIs(t, err, ErrUniquenessUnverifiable)
	assert.Empty(t, f.local.LiveIDs(types.TypeUsers))
}

func TestCreateUserLocalOnlySkipsCheck(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	// Without an external peer the local store alone is authoritative.
	f.engine.SwapPeers(Peers{})
	require.NoError(t, f.engine.CreateUser(ctx, userRec("carol", 1000)))
	assert.Equal(t, []string{"carol"}, f.local.LiveIDs(types.TypeUsers))
}

func TestCreateUserRejectsLocalDuplicate(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	require.NoError(t, f.engine.CreateUser(ctx, userRec("dave", 1000)))
	err := f.engine.CreateUser(ctx, userRec("dave", 2000))
	assert.ErrorIs(t, err, ErrUsernameConflict)
}

func TestCreateUserTombstonedNameIsFree(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.external, types.TypeUsers, "erin", 500, "{}")
	require.NoError(t, f.external.Delete(ctx, types.TypeUsers, "erin", 600))

	require.NoError(t, f.engine.CreateUser(ctx, userRec("erin", 1000)))
}

func TestCreateUserWrongType(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	rec := userRec("x", 1000)
	rec.Type = types.TypeProjects
	assert.Error(t, f.engine.CreateUser(context.Background(), rec))
}
