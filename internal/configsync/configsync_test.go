package configsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/store/memory"
	"github.com/flowslide/tiersync/internal/types"
)

func TestMirrorWritesEnvSettings(t *testing.T) {
	local := memory.New(types.OriginLocal)
	clk := clock.NewFake(1000)
	m := New(local, clk, map[string]string{
		"JWT_SECRET":     "sekrit",
		"OPENAI_API_KEY": "sk-123",
	})
	ctx := context.Background()

	require.NoError(t, m.MirrorOnce(ctx))

	rec, err := local.Get(ctx, types.TypeSystemConfigs, "jwt_secret")
	require.NoError(t, err)
	var s Setting
	require.NoError(t, json.Unmarshal(rec.Payload, &s))
	assert.Equal(t, "JWT_SECRET", s.Key)
	assert.Equal(t, "sekrit", s.Value)
	assert.True(t, s.Sensitive)

	// AI provider settings land in their own type.
	rec, err = local.Get(ctx, types.TypeAIProviderConfigs, "openai_api_key")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Payload, &s))
	assert.Equal(t, "sk-123", s.Value)
}

func TestMirrorIsIdempotent(t *testing.T) {
	local := memory.New(types.OriginLocal)
	clk := clock.NewFake(1000)
	m := New(local, clk, map[string]string{"JWT_SECRET": "sekrit"})
	ctx := context.Background()

	require.NoError(t, m.MirrorOnce(ctx))
	first, err := local.Get(ctx, types.TypeSystemConfigs, "jwt_secret")
	require.NoError(t, err)

	clk.Advance(60_000)
	require.NoError(t, m.MirrorOnce(ctx))
	second, err := local.Get(ctx, types.TypeSystemConfigs, "jwt_secret")
	require.NoError(t, err)

	// Same value, no rewrite: updated_at and version are untouched.
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, first.Version, second.Version)
}

func TestMirrorBumpsVersionOnChange(t *testing.T) {
	local := memory.New(types.OriginLocal)
	clk := clock.NewFake(1000)
	settings := map[string]string{"MAX_UPLOAD_SIZE_MB": "50"}
	m := New(local, clk, settings)
	ctx := context.Background()

	require.NoError(t, m.MirrorOnce(ctx))
	settings["MAX_UPLOAD_SIZE_MB"] = "100"
	clk.Advance(60_000)
	require.NoError(t, m.MirrorOnce(ctx))

	rec, err := local.Get(ctx, types.TypeSystemConfigs, "max_upload_size_mb")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	var s Setting
	require.NoError(t, json.Unmarshal(rec.Payload, &s))
	assert.Equal(t, "100", s.Value)
}

func TestMirrorPublishesSyncedInValues(t *testing.T) {
	local := memory.New(types.OriginLocal)
	clk := clock.NewFake(1000)
	m := New(local, clk, nil)
	ctx := context.Background()

	// Simulate a value that arrived from a peer.
	payload, _ := json.Marshal(Setting{Key: "OPENAI_BASE_URL", Value: "https://proxy.example"})
	require.NoError(t, local.Put(ctx, &types.Record{
		Type: types.TypeAIProviderConfigs, ID: "openai_base_url",
		Payload: payload, UpdatedAt: 500, Origin: types.OriginExternal, Version: 3,
	}))

	require.NoError(t, m.MirrorOnce(ctx))

	select {
	case u := <-m.Updates():
		assert.Equal(t, "OPENAI_BASE_URL", u.Key)
		assert.Equal(t, "https://proxy.example", u.Value)
	default:
		t.Fatal("expected an update for the synced-in setting")
	}

	// A second pass with no change publishes nothing.
	require.NoError(t, m.MirrorOnce(ctx))
	select {
	case u := <-m.Updates():
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}
