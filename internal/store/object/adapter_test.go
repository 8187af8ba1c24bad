package object

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/secretbox"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/store/memory"
	"github.com/flowslide/tiersync/internal/types"
)

func testRecord(id string, at int64, payload string) *types.Record {
	return &types.Record{
		Type: types.TypeProjects, ID: id, Payload: []byte(payload),
		UpdatedAt: at, Origin: types.OriginLocal, Version: 1,
	}
}

func TestAdapterPutGet(t *testing.T) {
	objects := memory.NewObjects()
	a := NewAdapter(objects, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, testRecord("p1", 1000, "hello")))

	got, err := a.Get(ctx, types.TypeProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))
	assert.Equal(t, int64(1000), got.UpdatedAt)

	_, err = a.Get(ctx, types.TypeProjects, "absent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdapterLayout(t *testing.T) {
	objects := memory.NewObjects()
	a := NewAdapter(objects, nil, nil)
	ctx := context.Background()

	// 2026-08-25 in millis.
	require.NoError(t, a.Put(ctx, &types.Record{
		Type: types.TypeProjects, ID: "p1", Payload: []byte("x"),
		UpdatedAt: 1_787_000_000_000, Origin: types.OriginLocal, Version: 3,
	}))

	keys, err := objects.ListObjects(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, keys, "state/projects/p1.json")

	var logKeys []string
	for _, k := range keys {
		if k != "state/projects/p1.json" {
			logKeys = append(logKeys, k)
		}
	}
	require.Len(t, logKeys, 1)
	assert.Regexp(t, `^sync/projects/\d{8}/p1/3\.blob$`, logKeys[0])
}

func TestAdapterSuperseded(t *testing.T) {
	a := NewAdapter(memory.NewObjects(), nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, testRecord("p1", 2000, "newer")))
	err := a.Put(ctx, testRecord("p1", 1000, "stale"))
	assert.ErrorIs(t, err, store.ErrSuperseded)

	got, err := a.Get(ctx, types.TypeProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, "newer", string(got.Payload))
}

func TestAdapterTombstone(t *testing.T) {
	a := NewAdapter(memory.NewObjects(), nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, testRecord("p1", 1000, "x")))
	require.NoError(t, a.Delete(ctx, types.TypeProjects, "p1", 2000))

	got, err := a.Get(ctx, types.TypeProjects, "p1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(2), got.Version)

	// Stale delete is rejected.
	assert.ErrorIs(t, a.Delete(ctx, types.TypeProjects, "p1", 1500), store.ErrSuperseded)
}

func TestAdapterListSince(t *testing.T) {
	a := NewAdapter(memory.NewObjects(), nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, testRecord("a", 1000, "1")))
	require.NoError(t, a.Put(ctx, testRecord("b", 2000, "2")))
	require.NoError(t, a.Put(ctx, testRecord("c", 3000, "3")))

	recs, next, err := a.ListSince(ctx, types.TypeProjects, 1000, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)
	assert.Equal(t, int64(3000), next)
}

func TestAdapterSealsSensitivePayloads(t *testing.T) {
	objects := memory.NewObjects()
	box, err := secretbox.New("test key")
	require.NoError(t, err)
	a := NewAdapter(objects, box, []types.DataType{types.TypeUsers})
	ctx := context.Background()

	rec := &types.Record{
		Type: types.TypeUsers, ID: "alice", Payload: []byte("hunter2"),
		UpdatedAt: 1000, Origin: types.OriginLocal, Version: 1,
	}
	require.NoError(t, a.Put(ctx, rec))

	// The raw object must not contain the plaintext.
	body, err := objects.GetObject(ctx, "state/users/alice.json")
	require.NoError(t, err)
	assert.NotContains(t, string(body), "hunter2")
	var env struct {
		Encrypted bool `json:"encrypted"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.True(t, env.Encrypted)

	// Reading through the adapter round-trips.
	got, err := a.Get(ctx, types.TypeUsers, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got.Payload))
}

func TestAdapterRefusesSensitiveWithoutKey(t *testing.T) {
	a := NewAdapter(memory.NewObjects(), nil, []types.DataType{types.TypeUsers})
	err := a.Put(context.Background(), &types.Record{
		Type: types.TypeUsers, ID: "alice", Payload: []byte("secret"),
		UpdatedAt: 1000, Origin: types.OriginLocal, Version: 1,
	})
	assert.Error(t, err)
}

func TestRecordLogAppendIsIdempotent(t *testing.T) {
	objects := memory.NewObjects()
	l := NewRecordLog(objects)
	ctx := context.Background()

	rec := testRecord("v1", 1_787_000_000_000, "payload")
	require.NoError(t, l.Append(ctx, rec))
	require.NoError(t, l.Append(ctx, rec))

	keys, err := l.Versions(ctx, types.TypeProjects, "v1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// A new version gets its own key.
	rec2 := rec.Clone()
	rec2.Version = 2
	rec2.UpdatedAt += 1000
	require.NoError(t, l.Append(ctx, rec2))
	keys, err = l.Versions(ctx, types.TypeProjects, "v1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
