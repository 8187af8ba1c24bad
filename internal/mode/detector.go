// Package mode infers the active deployment mode from configuration presence
// and store reachability, and publishes it through an observable channel.
// Every other component consumes the published mode instead of re-checking
// "is the external DB configured" on its own.
package mode

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowslide/tiersync/internal/types"
)

// Pinger is the reachability probe slice of a store adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DetectInterval is the detection cadence.
const DetectInterval = 30 * time.Second

// flipThreshold is how many consecutive cycles must agree before the
// published mode changes. A single missed ping never flips the mode.
const flipThreshold = 2

// Peers carries the probes for the optional tiers. A nil probe means the tier
// is not configured.
type Peers struct {
	External Pinger
	Object   Pinger
}

// Detector computes the active mode at startup and on a fixed cadence.
type Detector struct {
	watcher *Watcher

	mu        sync.Mutex
	peers     Peers
	override  types.DeploymentMode // non-empty disables detection
	pending   types.DeploymentMode
	pendingN  int
	skipNext  bool
	lastCheck time.Time
	interval  time.Duration
}

// NewDetector builds a detector. override, when non-empty, pins the mode and
// disables probing (DEPLOYMENT_MODE env). The initial mode is computed
// synchronously so subscribers never observe an unset value.
func NewDetector(ctx context.Context, peers Peers, override types.DeploymentMode) *Detector {
	d := &Detector{
		peers:    peers,
		override: override,
		interval: DetectInterval,
	}
	initial := override
	if initial == "" {
		initial = d.probe(ctx)
	}
	d.watcher = NewWatcher(initial)
	d.lastCheck = time.Now()
	return d
}

// Watcher exposes the observable mode channel.
func (d *Detector) Watcher() *Watcher { return d.watcher }

// Current returns the latest published mode.
func (d *Detector) Current() types.DeploymentMode { return d.watcher.Current() }

// LastCheck returns the time of the most recent detection cycle.
func (d *Detector) LastCheck() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCheck
}

// Detect runs one detection cycle and returns the freshly computed (not
// necessarily published) mode.
func (d *Detector) Detect(ctx context.Context) types.DeploymentMode {
	d.mu.Lock()
	if d.skipNext {
		// A transition just published the mode authoritatively; give the
		// swapped adapters one cycle to settle before re-probing.
		d.skipNext = false
		d.lastCheck = time.Now()
		d.mu.Unlock()
		return d.watcher.Current()
	}
	override := d.override
	d.mu.Unlock()

	if override != "" {
		d.mu.Lock()
		d.lastCheck = time.Now()
		d.mu.Unlock()
		return override
	}

	detected := d.probe(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastCheck = time.Now()

	current := d.watcher.Current()
	if detected == current {
		d.pendingN = 0
		d.pending = ""
		return detected
	}
	if detected == d.pending {
		d.pendingN++
	} else {
		d.pending = detected
		d.pendingN = 1
	}
	if d.pendingN >= flipThreshold {
		log.Printf("mode: switching %s -> %s after %d consecutive detections", current, detected, d.pendingN)
		d.pending = ""
		d.pendingN = 0
		d.watcher.publish(detected)
	}
	return detected
}

// probe applies the decision table: a tier counts only when it is configured
// and its ping succeeds within the detection window.
func (d *Detector) probe(ctx context.Context) types.DeploymentMode {
	d.mu.Lock()
	peers := d.peers
	d.mu.Unlock()

	hasExternal := ping(ctx, peers.External)
	hasR2 := ping(ctx, peers.Object)

	switch {
	case hasExternal && hasR2:
		return types.ModeLocalExternalR2
	case hasExternal:
		return types.ModeLocalExternal
	case hasR2:
		return types.ModeLocalR2
	default:
		return types.ModeLocalOnly
	}
}

func ping(ctx context.Context, p Pinger) bool {
	if p == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.Ping(ctx) == nil
}

// Force publishes the mode immediately, bypassing detection heuristics for
// one cycle. Used by the transition manager after a successful swap.
func (d *Detector) Force(m types.DeploymentMode) {
	d.mu.Lock()
	d.skipNext = true
	d.pending = ""
	d.pendingN = 0
	d.mu.Unlock()
	d.watcher.publish(m)
}

// SetPeers swaps the probes after a transition rebuilds the adapters.
func (d *Detector) SetPeers(peers Peers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = peers
}

// SetOverride pins (or, with empty, unpins) the detected mode.
func (d *Detector) SetOverride(m types.DeploymentMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = m
}

// Run executes detection cycles until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Detect(ctx)
		}
	}
}
