package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/types"
)

func TestBaseTableCoversEveryType(t *testing.T) {
	table := baseTable()
	for _, typ := range types.AllDataTypes() {
		_, ok := table[typ]
		assert.True(t, ok, "missing policy for %s", typ)
	}
}

func TestBaseTableValues(t *testing.T) {
	r := NewRegistry(types.ModeLocalExternalR2, Overrides{})

	users := r.Get(types.TypeUsers)
	assert.True(t, users.Enabled)
	assert.Equal(t, types.StrategyFullDuplex, users.Strategy)
	assert.Equal(t, 60*time.Second, users.Interval)
	assert.Equal(t, 50, users.BatchSize)
	assert.True(t, users.Sensitive)

	slides := r.Get(types.TypeSlideData)
	assert.Equal(t, types.StrategyOnDemand, slides.Strategy)
	assert.Equal(t, []types.Direction{types.LocalToExternal}, slides.Directions)
	assert.Equal(t, 1800*time.Second, slides.Interval)

	versions := r.Get(types.TypeProjectVersions)
	assert.Equal(t, types.StrategyBackupOnly, versions.Strategy)
	assert.Equal(t, types.OriginObject, versions.Peer)

	sessions := r.Get(types.TypeUserSessions)
	assert.False(t, sessions.Enabled)
	assert.Equal(t, types.StrategyLocalOnly, sessions.Strategy)
}

func TestLocalOnlyDisablesEverything(t *testing.T) {
	r := NewRegistry(types.ModeLocalOnly, Overrides{})
	for typ, p := range r.All() {
		assert.False(t, p.Enabled, "%s should be disabled", typ)
		assert.Equal(t, types.StrategyLocalOnly, p.Strategy)
	}
}

func TestLocalExternalRelaxesBulkTypes(t *testing.T) {
	r := NewRegistry(types.ModeLocalExternal, Overrides{})

	assert.Equal(t, 900*time.Second, r.Get(types.TypeSlideData).Interval)
	assert.Equal(t, 900*time.Second, r.Get(types.TypePPTTemplates).Interval)
	assert.Equal(t, 1800*time.Second, r.Get(types.TypeGlobalTemplates).Interval)
	// Criticals keep their tight cadence.
	assert.Equal(t, 60*time.Second, r.Get(types.TypeUsers).Interval)
	// No object store: version uploads fall back to the external peer.
	assert.Equal(t, types.OriginExternal, r.Get(types.TypeProjectVersions).Peer)
}

func TestLocalR2DowngradesNonCriticals(t *testing.T) {
	r := NewRegistry(types.ModeLocalR2, Overrides{})

	for _, typ := range types.CriticalTypes() {
		p := r.Get(typ)
		assert.Equal(t, types.StrategyFullDuplex, p.Strategy, "%s", typ)
		assert.Equal(t, types.OriginObject, p.Peer)
		assert.Equal(t, 3600*time.Second, p.Interval)
	}

	projects := r.Get(types.TypeProjects)
	assert.Equal(t, types.StrategyBackupOnly, projects.Strategy)
	assert.Equal(t, 7200*time.Second, projects.Interval)
	assert.Equal(t, []types.Direction{types.LocalToExternal}, projects.Directions)

	templates := r.Get(types.TypePPTTemplates)
	assert.Equal(t, types.StrategyBackupOnly, templates.Strategy)
	assert.Equal(t, 14400*time.Second, templates.Interval)

	// master_slave and on_demand lose their peer in this mode too; they become
	// backup_only uploads rather than going dark.
	assert.Equal(t, types.StrategyBackupOnly, r.Get(types.TypeGlobalTemplates).Strategy)
	assert.Equal(t, types.StrategyBackupOnly, r.Get(types.TypeSlideData).Strategy)
	assert.Equal(t, types.OriginObject, r.Get(types.TypeSlideData).Peer)
}

func TestOverridesDisableAll(t *testing.T) {
	r := NewRegistry(types.ModeLocalExternal, Overrides{Disabled: true})
	for typ, p := range r.All() {
		assert.False(t, p.Enabled, "%s", typ)
	}
}

func TestOverridesIntersectDirections(t *testing.T) {
	r := NewRegistry(types.ModeLocalExternal, Overrides{
		Directions: []types.Direction{types.LocalToExternal},
	})

	users := r.Get(types.TypeUsers)
	require.True(t, users.Enabled)
	assert.Equal(t, []types.Direction{types.LocalToExternal}, users.Directions)
}

func TestSetModeRecomputes(t *testing.T) {
	r := NewRegistry(types.ModeLocalOnly, Overrides{})
	require.False(t, r.Get(types.TypeUsers).Enabled)

	r.SetMode(types.ModeLocalExternal)
	assert.Equal(t, types.ModeLocalExternal, r.Mode())
	assert.True(t, r.Get(types.TypeUsers).Enabled)
}

func TestGetReturnsCopies(t *testing.T) {
	r := NewRegistry(types.ModeLocalExternal, Overrides{})
	p := r.Get(types.TypeUsers)
	p.Directions[0] = "mangled"
	assert.Equal(t, types.LocalToExternal, r.Get(types.TypeUsers).Directions[0])
}
