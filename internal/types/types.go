// Package types defines the shared value types for the tiersync core:
// records, sync policies, deployment modes, cursors, and transition history.
//
// Concrete store implementations live in internal/store; this package holds
// the types referenced by both the adapters and their consumers.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DataType names a class of records with a fixed sync policy.
type DataType string

const (
	TypeUsers             DataType = "users"
	TypeProjects          DataType = "projects"
	TypeTodoData          DataType = "todo_data"
	TypeSlideData         DataType = "slide_data"
	TypePPTTemplates      DataType = "ppt_templates"
	TypeGlobalTemplates   DataType = "global_templates"
	TypeProjectVersions   DataType = "project_versions"
	TypeUserSessions      DataType = "user_sessions"
	TypeSystemConfigs     DataType = "system_configs"
	TypeAIProviderConfigs DataType = "ai_provider_configs"
)

// AllDataTypes lists every recognized data type in table order.
func AllDataTypes() []DataType {
	return []DataType{
		TypeUsers,
		TypeSystemConfigs,
		TypeAIProviderConfigs,
		TypeProjects,
		TypeTodoData,
		TypeSlideData,
		TypePPTTemplates,
		TypeGlobalTemplates,
		TypeProjectVersions,
		TypeUserSessions,
	}
}

// CriticalTypes are kept full_duplex in every mode that has an external peer.
func CriticalTypes() []DataType {
	return []DataType{TypeUsers, TypeSystemConfigs, TypeAIProviderConfigs}
}

// IsCritical reports whether t belongs to the critical set.
func IsCritical(t DataType) bool {
	switch t {
	case TypeUsers, TypeSystemConfigs, TypeAIProviderConfigs:
		return true
	}
	return false
}

// Valid reports whether t is a recognized data type.
func (t DataType) Valid() bool {
	for _, dt := range AllDataTypes() {
		if t == dt {
			return true
		}
	}
	return false
}

// Origin identifies which store first produced a record version.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginExternal Origin = "external"
	OriginObject   Origin = "object"
)

// Record is the generic unit of sync. Payload is opaque to the core; the
// adapters serialize (and, for sensitive types, encrypt) it.
type Record struct {
	Type      DataType `json:"type"`
	ID        string   `json:"id"`
	Payload   []byte   `json:"payload"`
	UpdatedAt int64    `json:"updated_at"` // milliseconds since epoch
	Deleted   bool     `json:"deleted"`
	Origin    Origin   `json:"origin"`
	Version   int64    `json:"version"`
}

// PayloadHash returns the hex SHA-256 of the payload. Used as the final,
// deterministic tie-breaker in conflict resolution.
func (r *Record) PayloadHash() string {
	sum := sha256.Sum256(r.Payload)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Payload = append([]byte(nil), r.Payload...)
	return &out
}

// Direction is one leg of a sync relationship.
type Direction string

const (
	LocalToExternal Direction = "local_to_external"
	ExternalToLocal Direction = "external_to_local"
)

// ParseDirection converts the wire/env form of a direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case LocalToExternal, ExternalToLocal:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown sync direction %q", s)
}

// Strategy selects the per-type reconciliation behavior.
type Strategy string

const (
	StrategyFullDuplex  Strategy = "full_duplex"
	StrategyMasterSlave Strategy = "master_slave"
	StrategyBackupOnly  Strategy = "backup_only"
	StrategyOnDemand    Strategy = "on_demand"
	StrategyLocalOnly   Strategy = "local_only"
)

// Policy is the per-data-type sync configuration. Policies are immutable at
// runtime except via a mode transition, which swaps the whole table.
type Policy struct {
	Enabled    bool
	Directions []Direction
	Interval   time.Duration
	BatchSize  int
	Strategy   Strategy
	Sensitive  bool

	// Peer is the store the non-local leg talks to. full_duplex and
	// master_slave normally target the external store; backup_only targets
	// the object store; in LOCAL_R2 the object store stands in as the peer.
	Peer Origin
}

// HasDirection reports whether the policy includes the given direction.
func (p Policy) HasDirection(d Direction) bool {
	for _, dir := range p.Directions {
		if dir == d {
			return true
		}
	}
	return false
}

// Clone returns a copy with an independent Directions slice.
func (p Policy) Clone() Policy {
	out := p
	out.Directions = append([]Direction(nil), p.Directions...)
	return out
}

// DeploymentMode is the topology of stores currently active. It is derived by
// the detector, never stored authoritatively.
type DeploymentMode string

const (
	ModeLocalOnly       DeploymentMode = "local_only"
	ModeLocalExternal   DeploymentMode = "local_external"
	ModeLocalR2         DeploymentMode = "local_r2"
	ModeLocalExternalR2 DeploymentMode = "local_external_r2"
)

// ParseMode converts the wire/env form of a deployment mode.
func ParseMode(s string) (DeploymentMode, error) {
	switch DeploymentMode(s) {
	case ModeLocalOnly, ModeLocalExternal, ModeLocalR2, ModeLocalExternalR2:
		return DeploymentMode(s), nil
	}
	return "", fmt.Errorf("unknown deployment mode %q", s)
}

// HasExternal reports whether the mode includes an external relational peer.
func (m DeploymentMode) HasExternal() bool {
	return m == ModeLocalExternal || m == ModeLocalExternalR2
}

// HasR2 reports whether the mode includes an object store.
func (m DeploymentMode) HasR2() bool {
	return m == ModeLocalR2 || m == ModeLocalExternalR2
}

// SyncCursor is the watermark up to which one (type, direction) worker has
// successfully applied changes on the peer side.
type SyncCursor struct {
	Type      DataType
	Direction Direction
	// HighWater is the highest updated_at successfully applied on the peer.
	HighWater int64
	UpdatedAt int64
}

// TransitionStatus is the state of a mode transition attempt. in_progress is
// transient; every attempt is finalized to one of the terminal states.
type TransitionStatus string

const (
	TransitionInProgress TransitionStatus = "in_progress"
	TransitionSucceeded  TransitionStatus = "succeeded"
	TransitionRolledBack TransitionStatus = "rolled_back"
	TransitionFailed     TransitionStatus = "failed"
)

// TransitionRecord is an immutable log entry for one mode transition attempt.
type TransitionRecord struct {
	ID         int64            `json:"id"`
	FromMode   DeploymentMode   `json:"from_mode"`
	ToMode     DeploymentMode   `json:"to_mode"`
	StartedAt  int64            `json:"started_at"`
	FinishedAt int64            `json:"finished_at"`
	Status     TransitionStatus `json:"status"`
	Reason     string           `json:"reason"`
	Actor      string           `json:"actor"`
	Error      string           `json:"error,omitempty"`
	SnapshotID string           `json:"snapshot_id,omitempty"`
}

// Health is the coarse per-worker health signal surfaced by the status API.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
)

// TombstoneRetention is the minimum time a tombstone is preserved before the
// local adapter may purge it. It must exceed the longest active sync interval
// so deletions propagate before garbage collection; the largest table interval
// is one hour, so a week leaves room for peers that were offline.
const TombstoneRetention = 7 * 24 * time.Hour
