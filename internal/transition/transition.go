// Package transition orchestrates online deployment-mode switches: validate,
// fence, snapshot, swap, verify, and roll back on failure. Transitions are
// serialized; at most one runs at a time, and every attempt lands in the
// transition log.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/config"
	"github.com/flowslide/tiersync/internal/mode"
	"github.com/flowslide/tiersync/internal/policy"
	"github.com/flowslide/tiersync/internal/snapshot"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/syncengine"
	"github.com/flowslide/tiersync/internal/types"
)

// ErrTransitionBusy is returned when a transition is already in progress.
var ErrTransitionBusy = errors.New("a mode transition is already in progress")

// ErrSameMode is returned when the target equals the current mode.
var ErrSameMode = errors.New("already in the requested mode")

// ErrForceRequired is returned when the target mode drops a store tier the
// current mode uses. Dropping a tier stops syncing to it; the caller must
// acknowledge that with force.
var ErrForceRequired = errors.New("target mode drops a configured store tier; pass force to confirm")

// InvalidConfigError reports the configuration keys a target mode needs but
// the environment does not provide. Nothing is changed when it is returned.
type InvalidConfigError struct {
	To      types.DeploymentMode
	Missing []string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("mode %s requires configuration: %s", e.To, strings.Join(e.Missing, ", "))
}

// PeerUnreachableError reports that a tier required by the target mode did
// not answer its reachability probe.
type PeerUnreachableError struct {
	To   types.DeploymentMode
	Tier types.Origin
	Err  error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("mode %s: %s store unreachable: %v", e.To, e.Tier, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }

const (
	// fenceTimeout bounds how long a transition waits for in-flight sync
	// cycles to drain.
	fenceTimeout = 60 * time.Second
	// verifyTimeout bounds post-swap verification before rollback.
	verifyTimeout = 2 * time.Minute
	probeTimeout  = 10 * time.Second
)

// Validator reports the configuration keys missing for a target mode.
type Validator interface {
	MissingFor(mode types.DeploymentMode) []string
}

// Stack is one generation of peer adapters plus their reachability probes.
// The rebuilder constructs a fresh stack per transition; Close releases the
// losing generation's connections.
type Stack struct {
	Sync   syncengine.Peers
	Probes mode.Peers
	Close  func()
}

// Rebuilder constructs the peer adapter stack for a target mode. cfg, when
// non-nil, replaces the boot configuration. The daemon wires this to its
// store constructors.
type Rebuilder interface {
	Build(ctx context.Context, to types.DeploymentMode, cfg *config.Config) (*Stack, error)
}

// Request describes one requested mode transition.
type Request struct {
	To     types.DeploymentMode
	Reason string
	Actor  string
	// Force confirms a transition that drops a store tier the current mode
	// syncs to.
	Force bool
	// Config, when non-nil, replaces the boot configuration for validation
	// and adapter construction, so a mode can be entered with stores that
	// were not configured at daemon start.
	Config *config.Config
}

// Options wires a transition manager.
type Options struct {
	Config    Validator
	Engine    *syncengine.Engine
	Detector  *mode.Detector
	Registry  *policy.Registry
	Cursors   store.CursorStore
	Log       store.TransitionLog
	Rebuilder Rebuilder
	Clock     clock.Clock
	// Snapshots, when non-nil, takes a pre-transition backup whenever the
	// current topology includes an object store.
	Snapshots *snapshot.Engine
}

// Manager runs mode transitions one at a time.
type Manager struct {
	cfg       Validator
	engine    *syncengine.Engine
	detector  *mode.Detector
	registry  *policy.Registry
	cursors   store.CursorStore
	tlog      store.TransitionLog
	rebuilder Rebuilder
	snapshots *snapshot.Engine
	clk       clock.Clock

	mu      sync.Mutex
	busy    bool
	current *Stack // the live peer stack, owned after the first swap
}

// NewManager builds a transition manager. initial is the peer stack the
// daemon booted with; the manager takes ownership of closing it when a later
// transition replaces it.
func NewManager(opts Options, initial *Stack) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Manager{
		cfg:       opts.Config,
		engine:    opts.Engine,
		detector:  opts.Detector,
		registry:  opts.Registry,
		cursors:   opts.Cursors,
		tlog:      opts.Log,
		rebuilder: opts.Rebuilder,
		snapshots: opts.Snapshots,
		clk:       opts.Clock,
		current:   initial,
	}
}

// Switch moves the system to the target mode. On success the new mode is
// live and recorded; on failure after the swap point the previous mode is
// restored and the attempt is recorded as rolled_back. Validation failures
// change nothing. Transitions that drop a store tier the current mode syncs
// to are refused unless the request sets Force.
func (m *Manager) Switch(ctx context.Context, req Request) (*types.TransitionRecord, error) {
	to := req.To
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil, ErrTransitionBusy
	}
	m.busy = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}()

	from := m.detector.Current()
	if from == to {
		return nil, fmt.Errorf("%w: %s", ErrSameMode, to)
	}
	if !req.Force && dropsTier(from, to) {
		return nil, fmt.Errorf("%w (%s -> %s)", ErrForceRequired, from, to)
	}

	// Phase 1: validate configuration. Cheap and side-effect free.
	if missing := m.missingFor(to, req.Config); len(missing) > 0 {
		return nil, &InvalidConfigError{To: to, Missing: missing}
	}

	// Phase 2: build and probe the new stack before touching anything live.
	next, err := m.rebuilder.Build(ctx, to, req.Config)
	if err != nil {
		return nil, fmt.Errorf("build adapters for %s: %w", to, err)
	}
	if err := m.probe(ctx, to, next.Probes); err != nil {
		next.close()
		return nil, err
	}

	rec := &types.TransitionRecord{
		FromMode:  from,
		ToMode:    to,
		StartedAt: m.clk.NowMillis(),
		Status:    types.TransitionInProgress,
		Reason:    req.Reason,
		Actor:     req.Actor,
	}
	if id, err := m.tlog.AppendTransition(ctx, rec); err != nil {
		next.close()
		return nil, fmt.Errorf("record transition: %w", err)
	} else {
		rec.ID = id
	}
	log.Printf("transition %d: %s -> %s (%s)", rec.ID, from, to, req.Reason)

	// Phase 3: fence. Writers keep writing locally; only sync pauses.
	fenceCtx, cancel := context.WithTimeout(ctx, fenceTimeout)
	err = m.engine.Pause(fenceCtx)
	cancel()
	if err != nil {
		m.engine.Resume()
		return m.finish(ctx, rec, types.TransitionFailed, fmt.Errorf("fence sync engine: %w", err))
	}

	// Phase 4: pre-transition snapshot, when an object store is on hand.
	if m.snapshots != nil && (from.HasR2() || to.HasR2()) {
		manifest, err := m.snapshots.Create(ctx)
		if err != nil {
			m.engine.Resume()
			return m.finish(ctx, rec, types.TransitionFailed, fmt.Errorf("pre-transition snapshot: %w", err))
		}
		rec.SnapshotID = manifest.BackupDate
	}

	// Phase 5: swap. From here on, failure means rollback, not abort.
	prev := m.swap(next, to)

	if err := m.verify(ctx, to, next.Probes); err != nil {
		log.Printf("transition %d: verification failed, rolling back to %s: %v", rec.ID, from, err)
		m.rollback(prev, from)
		next.close()
		return m.finish(ctx, rec, types.TransitionRolledBack, err)
	}

	if prev != nil {
		prev.close()
	}
	log.Printf("transition %d: now in %s", rec.ID, to)
	return m.finish(ctx, rec, types.TransitionSucceeded, nil)
}

// swap installs the new stack and publishes the new mode. Returns the
// previous stack. The engine stays paused until verify resumes it.
func (m *Manager) swap(next *Stack, to types.DeploymentMode) *Stack {
	m.mu.Lock()
	prev := m.current
	m.current = next
	m.mu.Unlock()

	m.engine.SwapPeers(next.Sync)
	m.detector.SetPeers(next.Probes)
	m.registry.SetMode(to)
	m.detector.Force(to)

	// Criticals rescan from zero against the new peer so the stores converge
	// regardless of what the old cursors claimed.
	if err := m.cursors.ResetCursors(context.Background(), types.CriticalTypes()); err != nil {
		log.Printf("transition: reset cursors: %v", err)
	}
	return prev
}

func (m *Manager) rollback(prev *Stack, from types.DeploymentMode) {
	m.mu.Lock()
	m.current = prev
	m.mu.Unlock()

	var peers syncengine.Peers
	var probes mode.Peers
	if prev != nil {
		peers = prev.Sync
		probes = prev.Probes
	}
	m.engine.SwapPeers(peers)
	m.detector.SetPeers(probes)
	m.registry.SetMode(from)
	m.detector.Force(from)
	if err := m.cursors.ResetCursors(context.Background(), types.CriticalTypes()); err != nil {
		log.Printf("transition: reset cursors on rollback: %v", err)
	}
	m.engine.Resume()
}

// verify resumes sync against the new stack and proves the critical types
// flow before declaring success.
func (m *Manager) verify(ctx context.Context, to types.DeploymentMode, probes mode.Peers) error {
	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	if err := m.probe(vctx, to, probes); err != nil {
		return err
	}
	// Resume is context-free; the workers it rebuilds belong to the engine's
	// run context, not to this verification window.
	m.engine.Resume()
	if to == types.ModeLocalOnly {
		return nil
	}
	for _, typ := range types.CriticalTypes() {
		if err := m.engine.TriggerSync(vctx, typ); err != nil {
			return fmt.Errorf("initial sync of %s: %w", typ, err)
		}
	}
	return nil
}

// missingFor validates a target mode against the override config when one is
// supplied, otherwise against the boot config.
func (m *Manager) missingFor(to types.DeploymentMode, cfg *config.Config) []string {
	if cfg != nil {
		return cfg.MissingFor(to)
	}
	return m.cfg.MissingFor(to)
}

// Preflight reports whether a target mode could be entered right now, without
// entering it: which configuration keys are missing and which required tiers
// fail their reachability probe. A candidate adapter stack is built, probed,
// and torn down; nothing live is touched.
func (m *Manager) Preflight(ctx context.Context, to types.DeploymentMode, cfg *config.Config) (missing []string, unreachable []types.Origin, err error) {
	if missing = m.missingFor(to, cfg); len(missing) > 0 {
		return missing, nil, nil
	}

	stack, err := m.rebuilder.Build(ctx, to, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build adapters for %s: %w", to, err)
	}
	defer stack.close()

	check := func(tier types.Origin, p mode.Pinger) {
		if p == nil {
			unreachable = append(unreachable, tier)
			return
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := p.Ping(pctx); err != nil {
			unreachable = append(unreachable, tier)
		}
	}
	if to.HasExternal() {
		check(types.OriginExternal, stack.Probes.External)
	}
	if to.HasR2() {
		check(types.OriginObject, stack.Probes.Object)
	}
	return missing, unreachable, nil
}

// dropsTier reports whether the target mode stops using a store tier the
// current mode syncs to.
func dropsTier(from, to types.DeploymentMode) bool {
	return (from.HasExternal() && !to.HasExternal()) || (from.HasR2() && !to.HasR2())
}

// probe pings every tier the target mode requires.
func (m *Manager) probe(ctx context.Context, to types.DeploymentMode, probes mode.Peers) error {
	check := func(tier types.Origin, p mode.Pinger) error {
		if p == nil {
			return &PeerUnreachableError{To: to, Tier: tier, Err: errors.New("not configured")}
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := p.Ping(pctx); err != nil {
			return &PeerUnreachableError{To: to, Tier: tier, Err: err}
		}
		return nil
	}
	if to.HasExternal() {
		if err := check(types.OriginExternal, probes.External); err != nil {
			return err
		}
	}
	if to.HasR2() {
		if err := check(types.OriginObject, probes.Object); err != nil {
			return err
		}
	}
	return nil
}

// finish finalizes the transition record and returns it together with the
// original error, if any.
func (m *Manager) finish(ctx context.Context, rec *types.TransitionRecord, status types.TransitionStatus, cause error) (*types.TransitionRecord, error) {
	rec.Status = status
	rec.FinishedAt = m.clk.NowMillis()
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := m.tlog.UpdateTransition(ctx, rec); err != nil {
		log.Printf("transition %d: recording outcome: %v", rec.ID, err)
	}
	return rec, cause
}

// History returns the most recent transition attempts, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*types.TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.tlog.ListTransitions(ctx, limit)
}

// Busy reports whether a transition is currently running.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (s *Stack) close() {
	if s != nil && s.Close != nil {
		s.Close()
	}
}
