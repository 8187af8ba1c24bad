// Package control is the operational facade over the sync core: mode
// inspection, status, manual sync, mode switches, and backup management. The
// CLI and any embedding server talk to this package only.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/config"
	"github.com/flowslide/tiersync/internal/mode"
	"github.com/flowslide/tiersync/internal/policy"
	"github.com/flowslide/tiersync/internal/snapshot"
	"github.com/flowslide/tiersync/internal/syncengine"
	"github.com/flowslide/tiersync/internal/transition"
	"github.com/flowslide/tiersync/internal/types"
)

// ErrNoObjectStore is returned by backup operations when no object store is
// configured.
var ErrNoObjectStore = errors.New("no object store configured")

// ErrRestartRequired signals that the operation succeeded and the process
// must restart to take effect. The daemon maps it to a dedicated exit code.
var ErrRestartRequired = errors.New("restart required")

// RestoreMarkerSuffix names the sentinel file written next to the database
// after a restore. The daemon resets all sync cursors and removes it on the
// next boot.
const RestoreMarkerSuffix = ".restored"

// ModeInfo is the answer to "what mode am I in and why".
type ModeInfo struct {
	Mode               types.DeploymentMode `json:"mode"`
	Override           types.DeploymentMode `json:"override,omitempty"`
	ExternalConfigured bool                 `json:"external_configured"`
	ObjectConfigured   bool                 `json:"object_configured"`
	LastCheck          time.Time            `json:"last_check"`
	TransitionActive   bool                 `json:"transition_active"`
}

// Service wires the sync core's components behind one API.
type Service struct {
	cfg         *config.Config
	detector    *mode.Detector
	registry    *policy.Registry
	engine      *syncengine.Engine
	transitions *transition.Manager
	snapshots   *snapshot.Engine // nil without an object store
	local       io.Closer
	localPath   string
	clk         clock.Clock
}

// Options wires a control service.
type Options struct {
	Config      *config.Config
	Detector    *mode.Detector
	Registry    *policy.Registry
	Engine      *syncengine.Engine
	Transitions *transition.Manager
	Snapshots   *snapshot.Engine
	// Local is the local store; Restore closes it before swapping the file
	// at LocalPath.
	Local     io.Closer
	LocalPath string
	Clock     clock.Clock
}

// New builds the control service.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Service{
		cfg:         opts.Config,
		detector:    opts.Detector,
		registry:    opts.Registry,
		engine:      opts.Engine,
		transitions: opts.Transitions,
		snapshots:   opts.Snapshots,
		local:       opts.Local,
		localPath:   opts.LocalPath,
		clk:         opts.Clock,
	}
}

// Mode reports the active mode and how it was derived.
func (s *Service) Mode() ModeInfo {
	return ModeInfo{
		Mode:               s.detector.Current(),
		Override:           s.cfg.ModeOverride,
		ExternalConfigured: s.cfg.HasExternal(),
		ObjectConfigured:   s.cfg.HasR2(),
		LastCheck:          s.detector.LastCheck(),
		TransitionActive:   s.transitions.Busy(),
	}
}

// Status snapshots the sync engine's board.
func (s *Service) Status() syncengine.Report {
	return s.engine.Status()
}

// Policies returns the effective policy table for the active mode.
func (s *Service) Policies() map[types.DataType]types.Policy {
	return s.registry.All()
}

// ValidationResult is the answer to "could I enter this mode right now".
type ValidationResult struct {
	Mode             types.DeploymentMode `json:"mode"`
	OK               bool                 `json:"ok"`
	MissingFields    []string             `json:"missing_fields,omitempty"`
	UnreachablePeers []types.Origin       `json:"unreachable_peers,omitempty"`
}

// Validate checks whether the target mode could be entered, without entering
// it: configuration completeness plus a live reachability probe of every tier
// the mode requires. cfg, when non-nil, is validated in place of the daemon's
// boot configuration.
func (s *Service) Validate(ctx context.Context, to types.DeploymentMode, cfg *config.Config) (*ValidationResult, error) {
	missing, unreachable, err := s.transitions.Preflight(ctx, to, cfg)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{
		Mode:             to,
		OK:               len(missing) == 0 && len(unreachable) == 0,
		MissingFields:    missing,
		UnreachablePeers: unreachable,
	}, nil
}

// TriggerSync runs an immediate sync cycle for one type, or all active types
// when typ is empty, and waits for it.
func (s *Service) TriggerSync(ctx context.Context, typ types.DataType) error {
	if typ != "" && !typ.Valid() {
		return fmt.Errorf("unknown data type %q", typ)
	}
	return s.engine.TriggerSync(ctx, typ)
}

// SwitchMode runs a full mode transition.
func (s *Service) SwitchMode(ctx context.Context, req transition.Request) (*types.TransitionRecord, error) {
	return s.transitions.Switch(ctx, req)
}

// History lists recent mode transitions, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*types.TransitionRecord, error) {
	return s.transitions.History(ctx, limit)
}

// CreateBackup takes an on-demand backup.
func (s *Service) CreateBackup(ctx context.Context) (*types.Manifest, error) {
	if s.snapshots == nil {
		return nil, ErrNoObjectStore
	}
	return s.snapshots.Create(ctx)
}

// ListBackups lists complete backups, newest first.
func (s *Service) ListBackups(ctx context.Context) ([]*types.Manifest, error) {
	if s.snapshots == nil {
		return nil, ErrNoObjectStore
	}
	return s.snapshots.List(ctx)
}

// Restore replaces the local database with the named backup. Sync is fenced
// and the local store closed before the file swap; on success the marker file
// is written and ErrRestartRequired returned so the daemon restarts and
// rescans from zeroed cursors.
func (s *Service) Restore(ctx context.Context, id string) (*types.Manifest, error) {
	if s.snapshots == nil {
		return nil, ErrNoObjectStore
	}

	fenceCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := s.engine.Pause(fenceCtx); err != nil {
		return nil, fmt.Errorf("fence sync for restore: %w", err)
	}
	if err := s.local.Close(); err != nil {
		return nil, fmt.Errorf("close local store: %w", err)
	}

	manifest, err := s.snapshots.Restore(ctx, id, s.localPath)
	if err != nil {
		// The old database file is untouched on failure; a restart recovers.
		return nil, fmt.Errorf("%v (restart the daemon to recover): %w", err, ErrRestartRequired)
	}

	if err := os.WriteFile(s.localPath+RestoreMarkerSuffix, []byte(id+"\n"), 0o600); err != nil {
		return manifest, fmt.Errorf("write restore marker: %v: %w", err, ErrRestartRequired)
	}
	return manifest, ErrRestartRequired
}

// ConsumeRestoreMarker reports whether the previous run left a restore marker
// for the given database path, removing it. Called once at daemon boot; a
// true result means all sync cursors must be reset before syncing resumes.
func ConsumeRestoreMarker(dbPath string) (bool, error) {
	marker := dbPath + RestoreMarkerSuffix
	if _, err := os.Stat(marker); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(marker); err != nil {
		return true, fmt.Errorf("remove restore marker: %w", err)
	}
	return true, nil
}
