package syncengine

import (
	"sort"
	"sync"

	"github.com/flowslide/tiersync/internal/types"
)

// WorkerStatus is one row of the status board: the live state of a single
// (type, direction) worker.
type WorkerStatus struct {
	Type      types.DataType  `json:"type"`
	Direction types.Direction `json:"direction"`
	Strategy  types.Strategy  `json:"strategy"`
	Peer      types.Origin    `json:"peer"`
	Health    types.Health    `json:"health"`

	LastRun    int64  `json:"last_run"` // milliseconds since epoch, 0 = never
	LastError  string `json:"last_error,omitempty"`
	Failures   int    `json:"consecutive_failures"`
	Cursor     int64  `json:"cursor"`
	Applied    int64  `json:"applied"`
	Skipped    int64  `json:"skipped"`
	Conflicts  int64  `json:"conflicts"`
	Errors     int64  `json:"errors"`
	Tombstones int64  `json:"tombstones"`
}

// Report is the aggregated sync status surfaced by the control API.
type Report struct {
	Mode        types.DeploymentMode `json:"mode"`
	Health      types.Health         `json:"health"`
	Workers     []WorkerStatus       `json:"workers"`
	HotSetSize  int                  `json:"hot_set_size"`
	GeneratedAt int64                `json:"generated_at"`
}

// board collects per-worker status rows. Workers update their own row; the
// control API snapshots the whole board.
type board struct {
	mu   sync.Mutex
	rows map[workerKey]*WorkerStatus
}

func newBoard() *board {
	return &board{rows: make(map[workerKey]*WorkerStatus)}
}

func (b *board) register(key workerKey, p types.Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[key]; ok {
		// A rebuild re-registers the same worker; keep the counters.
		row.Strategy = p.Strategy
		row.Peer = p.Peer
		return
	}
	b.rows[key] = &WorkerStatus{
		Type:      key.Type,
		Direction: key.Dir,
		Strategy:  p.Strategy,
		Peer:      p.Peer,
		Health:    types.Healthy,
	}
}

func (b *board) drop(key workerKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, key)
}

func (b *board) update(key workerKey, fn func(*WorkerStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[key]; ok {
		fn(row)
	}
}

// snapshot returns a sorted copy of all rows plus the worst health across
// them.
func (b *board) snapshot() ([]WorkerStatus, types.Health) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]WorkerStatus, 0, len(b.rows))
	health := types.Healthy
	for _, row := range b.rows {
		out = append(out, *row)
		if row.Health == types.Degraded {
			health = types.Degraded
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Direction < out[j].Direction
	})
	return out, health
}
