package main

import (
	"context"
	"fmt"
	"log"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/config"
	"github.com/flowslide/tiersync/internal/configsync"
	"github.com/flowslide/tiersync/internal/control"
	"github.com/flowslide/tiersync/internal/mode"
	"github.com/flowslide/tiersync/internal/policy"
	"github.com/flowslide/tiersync/internal/secretbox"
	"github.com/flowslide/tiersync/internal/snapshot"
	"github.com/flowslide/tiersync/internal/store/external"
	"github.com/flowslide/tiersync/internal/store/object"
	"github.com/flowslide/tiersync/internal/store/sqlite"
	"github.com/flowslide/tiersync/internal/syncengine"
	"github.com/flowslide/tiersync/internal/transition"
	"github.com/flowslide/tiersync/internal/types"
)

// sensitiveTypes lists the data types whose payloads are sealed at rest and
// in transit.
func sensitiveTypes() []types.DataType { return types.CriticalTypes() }

// app is one fully wired instance of the sync core. Every subcommand builds
// one, uses the control service, and closes it.
type app struct {
	cfg      *config.Config
	box      *secretbox.Box
	clk      clock.Clock
	local    *sqlite.Store
	detector *mode.Detector
	registry *policy.Registry
	engine   *syncengine.Engine
	mirror   *configsync.Mirror
	snaps    *snapshot.Engine // nil without an object store
	manager  *transition.Manager
	control  *control.Service

	stack *stack
}

// stack is one generation of peer adapters. It implements transition.Stack's
// Close contract.
type stack struct {
	external *external.Store
	object   *object.Client
	sync     syncengine.Peers
	probes   mode.Peers
}

func (s *stack) close() {
	if s.external != nil {
		_ = s.external.Close()
	}
	s.external = nil
	s.object = nil
}

// buildStack constructs the peer adapters the configuration provides. Tiers
// the target mode does not use are simply absent.
func buildStack(ctx context.Context, cfg *config.Config, box *secretbox.Box, withExternal, withObject bool) (*stack, error) {
	st := &stack{}

	if withExternal && cfg.HasExternal() {
		ext, err := external.Open(ctx, cfg.DatabaseURL, external.Options{
			Box:            box,
			SensitiveTypes: sensitiveTypes(),
		})
		if err != nil {
			return nil, fmt.Errorf("open external store: %w", err)
		}
		st.external = ext
		st.sync.External = ext
		st.probes.External = ext
	}

	if withObject && cfg.HasR2() {
		client, err := object.New(ctx, cfg.R2)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("open object store: %w", err)
		}
		st.object = client
		st.sync.Object = object.NewAdapter(client, box, sensitiveTypes())
		st.sync.Log = object.NewRecordLog(client)
		st.probes.Object = client
	}

	return st, nil
}

// rebuilder adapts buildStack to the transition manager.
type rebuilder struct {
	cfg *config.Config
	box *secretbox.Box
}

func (r rebuilder) Build(ctx context.Context, to types.DeploymentMode, cfg *config.Config) (*transition.Stack, error) {
	if cfg == nil {
		cfg = r.cfg
	}
	st, err := buildStack(ctx, cfg, r.box, to.HasExternal(), to.HasR2())
	if err != nil {
		return nil, err
	}
	return &transition.Stack{Sync: st.sync, Probes: st.probes, Close: st.close}, nil
}

// newApp loads configuration and wires every component. The engine is built
// but not started; serve starts it, one-shot commands drive it directly.
func newApp(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	box, err := secretbox.FromEnv()
	if err != nil {
		return nil, err
	}

	local, err := sqlite.Open(ctx, cfg.LocalDBPath, sqlite.Options{
		Box:            box,
		SensitiveTypes: sensitiveTypes(),
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	st, err := buildStack(ctx, cfg, box, true, true)
	if err != nil {
		_ = local.Close()
		return nil, err
	}

	detector := mode.NewDetector(ctx, st.probes, cfg.ModeOverride)

	overrides := policy.Overrides{
		Disabled:        !cfg.EnableDataSync,
		DefaultInterval: cfg.SyncInterval,
		Directions:      cfg.SyncDirections,
	}
	registry := policy.NewRegistry(detector.Current(), overrides)

	// A restore in the previous run invalidates every cursor: the database
	// file changed underneath them.
	restored, err := control.ConsumeRestoreMarker(cfg.LocalDBPath)
	if err != nil {
		log.Printf("restore marker: %v", err)
	}
	if restored {
		log.Printf("restored database detected, resetting sync cursors")
		if err := local.ResetCursors(ctx, types.AllDataTypes()); err != nil {
			st.close()
			_ = local.Close()
			return nil, fmt.Errorf("reset cursors after restore: %w", err)
		}
	}

	clk := clock.NewSystem()
	engine := syncengine.New(syncengine.Options{
		Local:    local,
		Cursors:  local,
		Peers:    st.sync,
		Registry: registry,
		Watcher:  detector.Watcher(),
		Clock:    clk,
	})

	var snaps *snapshot.Engine
	if st.object != nil {
		snaps = snapshot.New(snapshot.Options{
			Local:         local,
			Records:       local,
			Objects:       st.object,
			Bucket:        cfg.R2.Bucket,
			Clock:         clk,
			ModeFn:        detector.Current,
			RetentionDays: cfg.BackupRetentionDays,
		})
	}

	manager := transition.NewManager(transition.Options{
		Config:    cfg,
		Engine:    engine,
		Detector:  detector,
		Registry:  registry,
		Cursors:   local,
		Log:       local,
		Rebuilder: rebuilder{cfg: cfg, box: box},
		Clock:     clk,
		Snapshots: snaps,
	}, &transition.Stack{Sync: st.sync, Probes: st.probes, Close: st.close})

	ctl := control.New(control.Options{
		Config:      cfg,
		Detector:    detector,
		Registry:    registry,
		Engine:      engine,
		Transitions: manager,
		Snapshots:   snaps,
		Local:       local,
		LocalPath:   cfg.LocalDBPath,
		Clock:       clk,
	})

	return &app{
		cfg:      cfg,
		box:      box,
		clk:      clk,
		local:    local,
		detector: detector,
		registry: registry,
		engine:   engine,
		mirror:   configsync.New(local, clk, cfg.Settings),
		snaps:    snaps,
		manager:  manager,
		control:  ctl,
		stack:    st,
	}, nil
}

// close releases the app's resources. Safe after a restore already closed the
// local store.
func (a *app) close() {
	a.engine.Stop()
	a.stack.close()
	if err := a.local.Close(); err != nil {
		log.Printf("close local store: %v", err)
	}
}
