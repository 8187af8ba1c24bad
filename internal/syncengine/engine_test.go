package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/mode"
	"github.com/flowslide/tiersync/internal/policy"
	"github.com/flowslide/tiersync/internal/store/memory"
	"github.com/flowslide/tiersync/internal/types"
)

type fixture struct {
	local    *memory.Store
	external *memory.Store
	engine   *Engine
	clk      *clock.Fake
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, m types.DeploymentMode) *fixture {
	t.Helper()
	local := memory.New(types.OriginLocal)
	external := memory.New(types.OriginExternal)
	clk := clock.NewFake(1_000_000)

	eng := New(Options{
		Local:    local,
		Cursors:  local,
		Peers:    Peers{External: external},
		Registry: policy.NewRegistry(m, policy.Overrides{}),
		Watcher:  mode.NewWatcher(m),
		Clock:    clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Stop()
	})
	return &fixture{local: local, external: external, engine: eng, clk: clk, cancel: cancel}
}

func put(t *testing.T, s *memory.Store, typ types.DataType, id string, at int64, payload string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), &types.Record{
		Type: typ, ID: id, Payload: []byte(payload),
		UpdatedAt: at, Origin: s.Origin(), Version: 1,
	}))
}

func TestFullDuplexPropagatesBothWays(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeProjects, "p-local", 1000, "from local")
	put(t, f.external, types.TypeProjects, "p-remote", 2000, "from external")

	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))

	assert.Equal(t, []string{"p-local", "p-remote"}, f.external.LiveIDs(types.TypeProjects))
	assert.Equal(t, []string{"p-local", "p-remote"}, f.local.LiveIDs(types.TypeProjects))
}

func TestTriggerSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeTodoData, "t1", 1000, "v1")
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeTodoData))
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeTodoData))
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeTodoData))

	assert.Equal(t, 1, f.external.Len(types.TypeTodoData))
	got, err := f.external.Get(ctx, types.TypeTodoData, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got.Payload))
}

func TestTombstonePropagates(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeProjects, "doomed", 1000, "x")
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))
	require.Equal(t, []string{"doomed"}, f.external.LiveIDs(types.TypeProjects))

	require.NoError(t, f.local.Delete(ctx, types.TypeProjects, "doomed", 2000))
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))

	assert.Empty(t, f.external.LiveIDs(types.TypeProjects))
	got, err := f.external.Get(ctx, types.TypeProjects, "doomed")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestStaleWriteDoesNotClobber(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.external, types.TypeProjects, "p1", 5000, "newer remote")
	put(t, f.local, types.TypeProjects, "p1", 1000, "stale local")

	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))

	got, err := f.external.Get(ctx, types.TypeProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, "newer remote", string(got.Payload))

	// And the newer remote copy lands locally.
	got, err = f.local.Get(ctx, types.TypeProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, "newer remote", string(got.Payload))
}

func TestOnDemandSyncsOnlyHotRecords(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeSlideData, "hot", 1000, "wanted")
	put(t, f.local, types.TypeSlideData, "cold", 1001, "unwanted")
	f.engine.Touch("hot")

	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeSlideData))

	assert.Equal(t, []string{"hot"}, f.external.LiveIDs(types.TypeSlideData))
}

func TestBackupOnlyAppendsToLog(t *testing.T) {
	local := memory.New(types.OriginLocal)
	sink := &captureSink{}
	eng := New(Options{
		Local:    local,
		Cursors:  local,
		Peers:    Peers{Log: sink, Object: memory.New(types.OriginObject)},
		Registry: policy.NewRegistry(types.ModeLocalExternalR2, policy.Overrides{}),
		Watcher:  mode.NewWatcher(types.ModeLocalExternalR2),
		Clock:    clock.NewFake(0),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	put(t, local, types.TypeProjectVersions, "v1", 1000, "snapshot")
	require.NoError(t, eng.TriggerSync(ctx, types.TypeProjectVersions))

	require.Len(t, sink.recs, 1)
	assert.Equal(t, "v1", sink.recs[0].ID)
}

func TestCursorNotAdvancedPastError(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeProjects, "p1", 1000, "a")
	f.external.FailPuts = true
	require.Error(t, f.engine.TriggerSync(ctx, types.TypeProjects))
	assert.Empty(t, f.external.LiveIDs(types.TypeProjects))

	// Once the store recovers, the same record flows; nothing was skipped.
	f.external.FailPuts = false
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))
	assert.Equal(t, []string{"p1"}, f.external.LiveIDs(types.TypeProjects))
}

func TestRebuildOnModeChange(t *testing.T) {
	local := memory.New(types.OriginLocal)
	external := memory.New(types.OriginExternal)
	watcher := mode.NewWatcher(types.ModeLocalOnly)
	reg := policy.NewRegistry(types.ModeLocalOnly, policy.Overrides{})

	eng := New(Options{
		Local:    local,
		Cursors:  local,
		Peers:    Peers{External: external},
		Registry: reg,
		Watcher:  watcher,
		Clock:    clock.NewFake(0),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	// LOCAL_ONLY has no workers.
	assert.Error(t, eng.TriggerSync(ctx, types.TypeProjects))

	reg.SetMode(types.ModeLocalExternal)
	eng.Resume()

	put(t, local, types.TypeProjects, "p1", 1000, "x")
	require.NoError(t, eng.TriggerSync(ctx, types.TypeProjects))
	assert.Equal(t, []string{"p1"}, external.LiveIDs(types.TypeProjects))
}

func TestStatusBoardCountsApplies(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeProjects, "p1", 1000, "x")
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))

	rep := f.engine.Status()
	assert.Equal(t, types.ModeLocalExternal, rep.Mode)
	assert.Equal(t, types.Healthy, rep.Health)

	var applied int64
	for _, w := range rep.Workers {
		if w.Type == types.TypeProjects {
			applied += w.Applied
		}
	}
	assert.Equal(t, int64(1), applied)
}

func TestPauseBlocksTriggers(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Pause(pctx))
	assert.ErrorIs(t, f.engine.TriggerSync(ctx, types.TypeProjects), ErrPaused)

	f.engine.Resume()
	put(t, f.local, types.TypeProjects, "p1", 1000, "x")
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))
}

func TestSimultaneousWritesConvergeToExternal(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	// The same project is updated on both stores at the same millisecond.
	put(t, f.local, types.TypeProjects, "p1", 1000, `{"title":"A"}`)
	put(t, f.external, types.TypeProjects, "p1", 1000, `{"title":"B"}`)

	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))

	// Both stores settle on the external copy.
	for _, s := range []*memory.Store{f.local, f.external} {
		got, err := s.Get(ctx, types.TypeProjects, "p1")
		require.NoError(t, err)
		assert.Equal(t, `{"title":"B"}`, string(got.Payload))
	}

	// Another round changes nothing.
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))
	got, err := f.local.Get(ctx, types.TypeProjects, "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"B"}`, string(got.Payload))
}

func TestOnDemandColdRecordSyncsOnceTouched(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	put(t, f.local, types.TypeSlideData, "s1", 1000, "cold for now")
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeSlideData))
	require.Empty(t, f.external.LiveIDs(types.TypeSlideData))

	// Marking it hot later must still sync it, without a rewrite.
	f.engine.Touch("s1")
	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeSlideData))
	assert.Equal(t, []string{"s1"}, f.external.LiveIDs(types.TypeSlideData))
}

func TestTombstoneOriginSurvivesReplication(t *testing.T) {
	f := newFixture(t, types.ModeLocalExternal)
	ctx := context.Background()

	// The record lives and dies on the external store before the local tier
	// ever sees it.
	put(t, f.external, types.TypeProjects, "ghost", 1000, "x")
	require.NoError(t, f.external.Delete(ctx, types.TypeProjects, "ghost", 2000))

	require.NoError(t, f.engine.TriggerSync(ctx, types.TypeProjects))

	got, err := f.local.Get(ctx, types.TypeProjects, "ghost")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, types.OriginExternal, got.Origin)
	assert.Equal(t, int64(2), got.Version)
}

type captureSink struct {
	recs []*types.Record
}

func (c *captureSink) Append(ctx context.Context, rec *types.Record) error {
	c.recs = append(c.recs, rec.Clone())
	return nil
}
