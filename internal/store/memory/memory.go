// Package memory implements the store interfaces entirely in memory. It backs
// engine-level tests and doubles as a scratch adapter for dry runs; semantics
// match the sqlite backend (superseded writes, tombstones, ordered feed).
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

type recordKey struct {
	typ types.DataType
	id  string
}

// Store is an in-memory Adapter plus CursorStore and TransitionLog.
type Store struct {
	mu          sync.Mutex
	origin      types.Origin
	records     map[recordKey]*types.Record
	cursors     map[string]*types.SyncCursor
	transitions []*types.TransitionRecord
	closed      bool

	// PingErr, when set, is returned by Ping. Tests use it to simulate an
	// unreachable peer.
	PingErr error
	// FailPuts, when set, makes Put/Delete return a retryable error.
	FailPuts bool
}

// New creates an empty in-memory store fronting the given tier.
func New(origin types.Origin) *Store {
	return &Store{
		origin:  origin,
		records: make(map[recordKey]*types.Record),
		cursors: make(map[string]*types.SyncCursor),
	}
}

// Origin identifies the tier this store stands in for.
func (s *Store) Origin() types.Origin { return s.origin }

// Get returns the record (including tombstones) or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, typ types.DataType, id string) (*types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	rec, ok := s.records[recordKey{typ, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Put upserts the record unless the stored copy is newer.
func (s *Store) Put(ctx context.Context, rec *types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(rec)
}

func (s *Store) putLocked(rec *types.Record) error {
	if s.closed {
		return store.ErrClosed
	}
	if s.FailPuts {
		return store.Retryable(errSimulated)
	}
	key := recordKey{rec.Type, rec.ID}
	if cur, ok := s.records[key]; ok && cur.UpdatedAt > rec.UpdatedAt {
		return store.ErrSuperseded
	}
	s.records[key] = rec.Clone()
	return nil
}

// Delete writes a tombstone at the given timestamp.
func (s *Store) Delete(ctx context.Context, typ types.DataType, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(typ, id, at)
}

func (s *Store) deleteLocked(typ types.DataType, id string, at int64) error {
	if s.closed {
		return store.ErrClosed
	}
	if s.FailPuts {
		return store.Retryable(errSimulated)
	}
	key := recordKey{typ, id}
	cur, ok := s.records[key]
	if ok && cur.UpdatedAt > at {
		return store.ErrSuperseded
	}
	tomb := &types.Record{
		Type:      typ,
		ID:        id,
		UpdatedAt: at,
		Deleted:   true,
		Origin:    s.origin,
		Version:   1,
	}
	if ok {
		tomb.Version = cur.Version + 1
		tomb.Origin = cur.Origin
	}
	s.records[key] = tomb
	return nil
}

// ListSince returns records with updated_at > cursor ordered by
// (updated_at, id).
func (s *Store) ListSince(ctx context.Context, typ types.DataType, cursor int64, limit int) ([]*types.Record, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, store.ErrClosed
	}

	var out []*types.Record
	for key, rec := range s.records {
		if key.typ == typ && rec.UpdatedAt > cursor {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	next := cursor
	for _, rec := range out {
		if rec.UpdatedAt > next {
			next = rec.UpdatedAt
		}
	}
	return out, next, nil
}

// Ping reports the configured reachability.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if s.PingErr != nil {
		return store.Retryable(s.PingErr)
	}
	return nil
}

// SetPingErr toggles the simulated reachability failure.
func (s *Store) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingErr = err
}

// Begin starts a buffered batch applied atomically on Commit.
func (s *Store) Begin(ctx context.Context) (store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return &batch{store: s}, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored records of a type, tombstones included.
func (s *Store) Len(typ types.DataType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.records {
		if key.typ == typ {
			n++
		}
	}
	return n
}

// LiveIDs returns the sorted ids of live (non-tombstone) records of a type.
func (s *Store) LiveIDs(typ types.DataType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for key, rec := range s.records {
		if key.typ == typ && !rec.Deleted {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)
	return ids
}

type batchOp struct {
	rec   *types.Record
	del   bool
	typ   types.DataType
	id    string
	delAt int64
}

type batch struct {
	store *Store
	ops   []batchOp
	done  bool
}

func (b *batch) Put(ctx context.Context, rec *types.Record) error {
	b.ops = append(b.ops, batchOp{rec: rec.Clone()})
	return nil
}

func (b *batch) Delete(ctx context.Context, typ types.DataType, id string, at int64) error {
	b.ops = append(b.ops, batchOp{del: true, typ: typ, id: id, delAt: at})
	return nil
}

func (b *batch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		var err error
		if op.del {
			err = b.store.deleteLocked(op.typ, op.id, op.delAt)
		} else {
			err = b.store.putLocked(op.rec)
		}
		if err != nil && err != store.ErrSuperseded {
			return err
		}
	}
	return nil
}

func (b *batch) Rollback() error {
	b.done = true
	b.ops = nil
	return nil
}

var errSimulated = &simulatedError{}

type simulatedError struct{}

func (*simulatedError) Error() string { return "simulated store failure" }

// Objects is an in-memory ObjectStore for snapshot and record-log tests.
type Objects struct {
	mu      sync.Mutex
	data    map[string][]byte
	PingErr error
}

// NewObjects creates an empty in-memory object store.
func NewObjects() *Objects {
	return &Objects{data: make(map[string][]byte)}
}

func (o *Objects) PutObject(ctx context.Context, key string, body []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PingErr != nil {
		return store.Retryable(o.PingErr)
	}
	o.data[key] = append([]byte(nil), body...)
	return nil
}

func (o *Objects) GetObject(ctx context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	body, ok := o.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (o *Objects) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys []string
	for k := range o.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (o *Objects) DeleteObject(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.data, key)
	return nil
}

func (o *Objects) Ping(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PingErr != nil {
		return store.Retryable(o.PingErr)
	}
	return nil
}

// SetPingErr toggles the simulated reachability failure.
func (o *Objects) SetPingErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PingErr = err
}

// Len returns the number of stored objects.
func (o *Objects) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.data)
}
