// Package syncengine schedules and executes multi-tier data synchronization.
// One worker per (data type, direction) pulls the source change feed, resolves
// conflicts deterministically, and applies the winners on the destination.
// The worker set is derived from the effective policy table and rebuilt when
// the deployment mode changes.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/mode"
	"github.com/flowslide/tiersync/internal/policy"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// ErrPaused is returned by triggers while the engine is fenced for a mode
// transition.
var ErrPaused = errors.New("sync engine paused")

// Peers bundles the non-local adapters the engine syncs against. Nil fields
// mean the tier is not configured in the current mode.
type Peers struct {
	External store.Adapter
	Object   store.Adapter
	Log      Appender // append-only sink on the object store
}

func (p Peers) forOrigin(o types.Origin) store.Adapter {
	switch o {
	case types.OriginExternal:
		return p.External
	case types.OriginObject:
		return p.Object
	}
	return nil
}

// Options configures a sync engine.
type Options struct {
	Local    store.Adapter
	Cursors  store.CursorStore
	Peers    Peers
	Registry *policy.Registry
	Watcher  *mode.Watcher
	Clock    clock.Clock

	// Parallelism bounds how many worker cycles run at once (default 4).
	Parallelism int64
	// ExternalSlots bounds concurrent cycles against the external store so
	// sync never exhausts its connection pool (default 8).
	ExternalSlots int64
	// HotSetTTL overrides the on_demand working-set TTL.
	HotSetTTL time.Duration
}

// Engine owns the worker set and the status board.
type Engine struct {
	local   store.Adapter
	cursors store.CursorStore
	reg     *policy.Registry
	watcher *mode.Watcher
	clk     clock.Clock

	sem    *semaphore.Weighted
	extSem *semaphore.Weighted
	hot    *HotSet
	board  *board

	mu        sync.Mutex
	peers     Peers
	workers   map[workerKey]*worker
	runCtx    context.Context // set by Start; worker generations outlive any caller
	genCancel context.CancelFunc
	genWG     *sync.WaitGroup
	paused    bool
	closed    bool
}

// New builds an engine; Start brings the workers up.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.ExternalSlots <= 0 {
		opts.ExternalSlots = 8
	}
	return &Engine{
		local:   opts.Local,
		cursors: opts.Cursors,
		reg:     opts.Registry,
		watcher: opts.Watcher,
		clk:     opts.Clock,
		sem:     semaphore.NewWeighted(opts.Parallelism),
		extSem:  semaphore.NewWeighted(opts.ExternalSlots),
		hot:     NewHotSet(opts.HotSetTTL),
		board:   newBoard(),
		peers:   opts.Peers,
		workers: make(map[workerKey]*worker),
	}
}

// Start spins up the worker set for the current mode and follows mode changes
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.rebuildLocked(ctx)
	e.mu.Unlock()

	if e.watcher == nil {
		return
	}
	changes, cancel := e.watcher.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				e.Stop()
				return
			case m, ok := <-changes:
				if !ok {
					return
				}
				if m == e.reg.Mode() {
					continue
				}
				log.Printf("sync: mode is now %s, rebuilding workers", m)
				e.reg.SetMode(m)
				e.mu.Lock()
				if !e.paused && !e.closed {
					e.rebuildLocked(ctx)
				}
				e.mu.Unlock()
			}
		}
	}()
}

// rebuildLocked tears down the current worker generation and starts one for
// the effective policy table. Caller holds e.mu.
func (e *Engine) rebuildLocked(parent context.Context) {
	e.stopGenerationLocked()

	ctx, cancel := context.WithCancel(parent)
	wg := &sync.WaitGroup{}
	e.genCancel = cancel
	e.genWG = wg
	e.workers = make(map[workerKey]*worker)

	for typ, p := range e.reg.All() {
		if !p.Enabled || p.Strategy == types.StrategyLocalOnly {
			continue
		}
		peer := e.peers.forOrigin(p.Peer)
		sink := e.sinkFor(p)
		for _, dir := range p.Directions {
			w := e.buildWorker(typ, dir, p, peer, sink)
			if w == nil {
				continue
			}
			e.workers[w.key] = w
			e.board.register(w.key, p)
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.run(ctx)
			}()
		}
	}
}

// sinkFor picks the append-only sink for backup_only policies. The object log
// is preferred; without an object store the peer adapter itself absorbs the
// uploads.
func (e *Engine) sinkFor(p types.Policy) Appender {
	if p.Strategy != types.StrategyBackupOnly {
		return nil
	}
	if p.Peer == types.OriginObject && e.peers.Log != nil {
		return e.peers.Log
	}
	if peer := e.peers.forOrigin(p.Peer); peer != nil {
		return adapterAppender{peer}
	}
	return nil
}

func (e *Engine) buildWorker(typ types.DataType, dir types.Direction, p types.Policy,
	peer store.Adapter, sink Appender) *worker {

	key := workerKey{Type: typ, Dir: dir}

	var src, dst store.Adapter
	switch dir {
	case types.LocalToExternal:
		src, dst = e.local, peer
	case types.ExternalToLocal:
		src, dst = peer, e.local
	default:
		return nil
	}

	if p.Strategy == types.StrategyBackupOnly {
		if dir != types.LocalToExternal || sink == nil {
			return nil
		}
		dst = nil
	} else if src == nil || dst == nil {
		// Peer not configured in this mode; the detector will have disabled
		// the policy, but guard anyway.
		return nil
	}

	var extSem *semaphore.Weighted
	if p.Peer == types.OriginExternal {
		extSem = e.extSem
	}
	return newWorker(key, p, src, dst, sink, e.cursors, e.clk, e.sem, extSem, e.hot, e.board)
}

func (e *Engine) stopGenerationLocked() {
	if e.genCancel != nil {
		e.genCancel()
		e.genCancel = nil
	}
	if e.genWG != nil {
		e.genWG.Wait()
		e.genWG = nil
	}
	for key := range e.workers {
		e.board.drop(key)
	}
	e.workers = make(map[workerKey]*worker)
}

// Stop halts all workers. The engine can be restarted with Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopGenerationLocked()
}

// Pause fences the engine for a mode transition: workers finish their current
// cycle and stop. Returns once drained or when ctx expires.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return nil
	}
	e.paused = true

	done := make(chan struct{})
	cancel := e.genCancel
	wg := e.genWG
	e.genCancel = nil
	e.genWG = nil
	go func() {
		if wg != nil {
			wg.Wait()
		}
		close(done)
	}()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		for key := range e.workers {
			e.board.drop(key)
		}
		e.workers = make(map[workerKey]*worker)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain workers: %w", ctx.Err())
	}
}

// Resume rebuilds the worker set after a transition, against the (possibly
// swapped) peer adapters. The new generation joins the lifetime of the
// context given to Start, never the resuming caller's.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.paused = false
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	e.rebuildLocked(ctx)
}

// SwapPeers replaces the peer adapters. Only valid while paused; the
// transition manager calls it between fence and resume.
func (e *Engine) SwapPeers(p Peers) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = p
}

// Touch marks a record id as hot for on_demand sync.
func (e *Engine) Touch(id string) { e.hot.Touch(id) }

// TriggerSync runs an immediate cycle for every worker of the given type (all
// types when typ is empty) and waits for completion. It returns the first
// cycle error encountered.
func (e *Engine) TriggerSync(ctx context.Context, typ types.DataType) error {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return ErrPaused
	}
	var targets []*worker
	for key, w := range e.workers {
		if typ == "" || key.Type == typ {
			targets = append(targets, w)
		}
	}
	e.mu.Unlock()

	if len(targets) == 0 && typ != "" {
		return fmt.Errorf("no active sync worker for type %q", typ)
	}

	var firstErr error
	for _, w := range targets {
		reply := make(chan error, 1)
		select {
		case w.trigger <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

// StartupSync pulls the critical types down from the peer and pushes local
// changes back, synchronously, before the server starts serving. Errors are
// logged, not fatal: an unreachable peer at boot must not block local-first
// operation.
func (e *Engine) StartupSync(ctx context.Context) {
	for _, typ := range types.CriticalTypes() {
		if err := e.TriggerSync(ctx, typ); err != nil {
			log.Printf("sync: startup sync of %s: %v", typ, err)
		}
	}
}

// Status snapshots the board.
func (e *Engine) Status() Report {
	rows, health := e.board.snapshot()
	m := e.reg.Mode()
	return Report{
		Mode:        m,
		Health:      health,
		Workers:     rows,
		HotSetSize:  e.hot.Len(),
		GeneratedAt: e.clk.NowMillis(),
	}
}

// adapterAppender adapts a store adapter into an append-only sink. Superseded
// rejections are fine: the sink already holds something newer.
type adapterAppender struct {
	dst store.Adapter
}

func (a adapterAppender) Append(ctx context.Context, rec *types.Record) error {
	// Tombstones go through Put too: the record carries its true origin and
	// version, which Delete would synthesize.
	err := a.dst.Put(ctx, rec)
	if errors.Is(err, store.ErrSuperseded) {
		return nil
	}
	return err
}
