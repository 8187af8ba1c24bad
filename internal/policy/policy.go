// Package policy holds the per-data-type sync policy table and applies
// mode-specific overrides. The table below is the ground truth; the effective
// policy for the active deployment mode is derived from it, never edited in
// place.
package policy

import (
	"sync"
	"time"

	"github.com/flowslide/tiersync/internal/types"
)

func both() []types.Direction {
	return []types.Direction{types.LocalToExternal, types.ExternalToLocal}
}

func uplink() []types.Direction {
	return []types.Direction{types.LocalToExternal}
}

// baseTable returns the ground-truth policy per data type.
func baseTable() map[types.DataType]types.Policy {
	return map[types.DataType]types.Policy{
		types.TypeUsers: {
			Enabled: true, Directions: both(), Interval: 60 * time.Second,
			BatchSize: 50, Strategy: types.StrategyFullDuplex, Sensitive: true,
			Peer: types.OriginExternal,
		},
		types.TypeSystemConfigs: {
			Enabled: true, Directions: both(), Interval: 30 * time.Second,
			BatchSize: 20, Strategy: types.StrategyFullDuplex, Sensitive: true,
			Peer: types.OriginExternal,
		},
		types.TypeAIProviderConfigs: {
			Enabled: true, Directions: both(), Interval: 30 * time.Second,
			BatchSize: 20, Strategy: types.StrategyFullDuplex, Sensitive: true,
			Peer: types.OriginExternal,
		},
		types.TypeProjects: {
			Enabled: true, Directions: both(), Interval: 300 * time.Second,
			BatchSize: 20, Strategy: types.StrategyFullDuplex,
			Peer: types.OriginExternal,
		},
		types.TypeTodoData: {
			Enabled: true, Directions: both(), Interval: 300 * time.Second,
			BatchSize: 30, Strategy: types.StrategyFullDuplex,
			Peer: types.OriginExternal,
		},
		types.TypeSlideData: {
			Enabled: true, Directions: uplink(), Interval: 1800 * time.Second,
			BatchSize: 10, Strategy: types.StrategyOnDemand,
			Peer: types.OriginExternal,
		},
		types.TypePPTTemplates: {
			Enabled: true, Directions: both(), Interval: 1800 * time.Second,
			BatchSize: 15, Strategy: types.StrategyMasterSlave,
			Peer: types.OriginExternal,
		},
		types.TypeGlobalTemplates: {
			Enabled: true, Directions: both(), Interval: 3600 * time.Second,
			BatchSize: 10, Strategy: types.StrategyMasterSlave,
			Peer: types.OriginExternal,
		},
		types.TypeProjectVersions: {
			Enabled: true, Directions: uplink(), Interval: 3600 * time.Second,
			BatchSize: 5, Strategy: types.StrategyBackupOnly,
			Peer: types.OriginObject,
		},
		types.TypeUserSessions: {
			Enabled: false, Strategy: types.StrategyLocalOnly,
		},
	}
}

// Overrides restrict or retune the effective table beyond the mode rules.
type Overrides struct {
	// Disabled turns every policy off (ENABLE_DATA_SYNC=false).
	Disabled bool
	// DefaultInterval replaces the interval of types that do not pin their
	// own; zero leaves the table untouched.
	DefaultInterval time.Duration
	// Directions, when non-empty, intersects each policy's directions
	// (SYNC_DIRECTIONS).
	Directions []types.Direction
}

// Registry derives and serves the effective policy table for the active
// deployment mode. Reads return copies; the table itself is immutable at
// runtime except via SetMode, which a mode transition drives.
type Registry struct {
	mu        sync.Mutex
	mode      types.DeploymentMode
	overrides Overrides
	effective map[types.DataType]types.Policy
}

// NewRegistry builds the registry for the given mode.
func NewRegistry(mode types.DeploymentMode, overrides Overrides) *Registry {
	r := &Registry{overrides: overrides}
	r.SetMode(mode)
	return r
}

// Mode returns the mode the current table was derived for.
func (r *Registry) Mode() types.DeploymentMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode recomputes the effective table for the given mode.
func (r *Registry) SetMode(mode types.DeploymentMode) {
	table := effectiveTable(mode, r.overrides)
	r.mu.Lock()
	r.mode = mode
	r.effective = table
	r.mu.Unlock()
}

// Get returns the effective policy for a type. Unknown types come back as
// disabled local_only.
func (r *Registry) Get(typ types.DataType) types.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.effective[typ]; ok {
		return p.Clone()
	}
	return types.Policy{Enabled: false, Strategy: types.StrategyLocalOnly}
}

// All returns a copy of the whole effective table.
func (r *Registry) All() map[types.DataType]types.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.DataType]types.Policy, len(r.effective))
	for typ, p := range r.effective {
		out[typ] = p.Clone()
	}
	return out
}

// effectiveTable derives the policy table for a mode.
//
// LOCAL_ONLY      everything local_only, sync disabled.
// LOCAL_EXTERNAL  table as-is, with the bulk types relaxed.
// LOCAL_R2        object store is the peer: criticals keep full_duplex at a
//                 cost-conscious hourly cadence, everything else downgrades
//                 to backup_only uploads.
// LOCAL_EXTERNAL_R2  table as-is against the external peer; backup_only
//                 types keep the object store as their sink.
func effectiveTable(mode types.DeploymentMode, ov Overrides) map[types.DataType]types.Policy {
	table := baseTable()

	switch mode {
	case types.ModeLocalOnly:
		for typ, p := range table {
			p.Enabled = false
			p.Directions = nil
			p.Strategy = types.StrategyLocalOnly
			p.Peer = ""
			table[typ] = p
		}

	case types.ModeLocalExternal:
		relax := map[types.DataType]time.Duration{
			types.TypeSlideData:       900 * time.Second,
			types.TypePPTTemplates:    900 * time.Second,
			types.TypeGlobalTemplates: 1800 * time.Second,
		}
		for typ, d := range relax {
			p := table[typ]
			p.Interval = d
			table[typ] = p
		}
		// No object store: backup_only types upload to the external peer.
		pv := table[types.TypeProjectVersions]
		pv.Peer = types.OriginExternal
		table[types.TypeProjectVersions] = pv

	case types.ModeLocalR2:
		for typ, p := range table {
			if !p.Enabled {
				continue
			}
			p.Peer = types.OriginObject
			if types.IsCritical(typ) {
				p.Interval = 3600 * time.Second
				table[typ] = p
				continue
			}
			p.Strategy = types.StrategyBackupOnly
			p.Directions = uplink()
			switch typ {
			case types.TypeProjects, types.TypeTodoData:
				p.Interval = 7200 * time.Second
			default:
				p.Interval = 14400 * time.Second
			}
			table[typ] = p
		}

	case types.ModeLocalExternalR2:
		// Base table already reflects this topology.
	}

	// Env-level overrides apply after the mode rules.
	for typ, p := range table {
		if ov.Disabled {
			p.Enabled = false
		}
		if ov.DefaultInterval > 0 && p.Interval == 0 && p.Enabled {
			p.Interval = ov.DefaultInterval
		}
		if len(ov.Directions) > 0 && len(p.Directions) > 0 {
			p.Directions = intersect(p.Directions, ov.Directions)
			if len(p.Directions) == 0 {
				p.Enabled = false
			}
		}
		table[typ] = p
	}

	return table
}

func intersect(a, b []types.Direction) []types.Direction {
	allowed := make(map[types.Direction]bool, len(b))
	for _, d := range b {
		allowed[d] = true
	}
	var out []types.Direction
	for _, d := range a {
		if allowed[d] {
			out = append(out, d)
		}
	}
	return out
}
