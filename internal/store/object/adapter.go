package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/secretbox"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// Layout under the bucket:
//
//	state/<type>/<id>.json                      latest version of each record
//	sync/<type>/<yyyymmdd>/<id>/<version>.blob  append-only version log
//
// The state object makes Get and ListSince tractable; the log preserves every
// version for backup_only consumers. Log keys embed (id, version), so a retry
// overwrites the same key with the same bytes and the log stays append-only.
const (
	statePrefix = "state/"
	logPrefix   = "sync/"
)

// Adapter implements store.Adapter over an ObjectStore, letting the object
// tier act as the sync peer in LOCAL_R2 mode.
type Adapter struct {
	objects   store.ObjectStore
	box       *secretbox.Box
	sensitive map[types.DataType]bool
}

// NewAdapter wraps an object store as a record adapter. Box seals sensitive
// payloads; nil forbids writing sensitive types through this adapter.
func NewAdapter(objects store.ObjectStore, box *secretbox.Box, sensitiveTypes []types.DataType) *Adapter {
	sens := make(map[types.DataType]bool, len(sensitiveTypes))
	for _, t := range sensitiveTypes {
		sens[t] = true
	}
	return &Adapter{objects: objects, box: box, sensitive: sens}
}

// envelope is the stored form of a record. Sensitive payloads are sealed and
// flagged.
type envelope struct {
	types.Record
	Encrypted bool `json:"encrypted,omitempty"`
}

func stateKey(typ types.DataType, id string) string {
	return statePrefix + string(typ) + "/" + id + ".json"
}

func logKey(rec *types.Record) string {
	return fmt.Sprintf("%s%s/%s/%s/%d.blob",
		logPrefix, rec.Type, clock.DateKey(rec.UpdatedAt), rec.ID, rec.Version)
}

// Origin identifies this adapter as the object tier.
func (a *Adapter) Origin() types.Origin { return types.OriginObject }

func (a *Adapter) encode(rec *types.Record) ([]byte, error) {
	env := envelope{Record: *rec.Clone()}
	if a.sensitive[rec.Type] && len(env.Payload) > 0 {
		if a.box == nil {
			return nil, errors.New("refusing to write sensitive payload without a data key")
		}
		sealed, err := a.box.Seal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("seal %s/%s: %w", rec.Type, rec.ID, err)
		}
		env.Payload = sealed
		env.Encrypted = true
	}
	return json.Marshal(&env)
}

func (a *Adapter) decode(body []byte) (*types.Record, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("corrupt state object: %w", err)
	}
	if env.Encrypted {
		if a.box == nil {
			return nil, fmt.Errorf("record %s/%s is encrypted but no data key is configured", env.Type, env.ID)
		}
		plain, err := a.box.Open(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", env.Type, env.ID, err)
		}
		env.Payload = plain
	}
	rec := env.Record
	return &rec, nil
}

// Get returns the latest version of the record or store.ErrNotFound.
func (a *Adapter) Get(ctx context.Context, typ types.DataType, id string) (*types.Record, error) {
	body, err := a.objects.GetObject(ctx, stateKey(typ, id))
	if err != nil {
		return nil, err
	}
	return a.decode(body)
}

// Put stores the record as the new state and appends it to the version log,
// unless the stored state is newer.
func (a *Adapter) Put(ctx context.Context, rec *types.Record) error {
	cur, err := a.Get(ctx, rec.Type, rec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if cur != nil && cur.UpdatedAt > rec.UpdatedAt {
		return store.ErrSuperseded
	}

	body, err := a.encode(rec)
	if err != nil {
		return err
	}
	if err := a.objects.PutObject(ctx, logKey(rec), body); err != nil {
		return err
	}
	return a.objects.PutObject(ctx, stateKey(rec.Type, rec.ID), body)
}

// Delete writes a tombstone state. The version log keeps prior versions.
func (a *Adapter) Delete(ctx context.Context, typ types.DataType, id string, at int64) error {
	cur, err := a.Get(ctx, typ, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	tomb := &types.Record{Type: typ, ID: id, UpdatedAt: at, Deleted: true, Origin: types.OriginObject, Version: 1}
	if cur != nil {
		if cur.UpdatedAt > at {
			return store.ErrSuperseded
		}
		tomb.Version = cur.Version + 1
		tomb.Origin = cur.Origin
	}
	body, err := json.Marshal(&envelope{Record: *tomb})
	if err != nil {
		return err
	}
	return a.objects.PutObject(ctx, stateKey(typ, id), body)
}

// ListSince lists the state objects of a type and filters by updated_at. The
// object tier holds the cold end of the data, so a full prefix listing per
// cycle is acceptable.
func (a *Adapter) ListSince(ctx context.Context, typ types.DataType, cursor int64, limit int) ([]*types.Record, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := a.objects.ListObjects(ctx, statePrefix+string(typ)+"/")
	if err != nil {
		return nil, 0, err
	}

	var out []*types.Record
	for _, key := range keys {
		body, err := a.objects.GetObject(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // deleted between list and get
			}
			return nil, 0, err
		}
		rec, err := a.decode(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", key, err)
		}
		if rec.UpdatedAt > cursor {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
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

// Ping delegates to the underlying object store.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.objects.Ping(ctx)
}

// Begin returns a best-effort batch; the object store has no transactions, so
// writes apply sequentially on Commit.
func (a *Adapter) Begin(ctx context.Context) (store.Batch, error) {
	return &objBatch{adapter: a}, nil
}

// Close is a no-op; the S3 client is stateless.
func (a *Adapter) Close() error { return nil }

type objOp struct {
	rec   *types.Record
	del   bool
	typ   types.DataType
	id    string
	delAt int64
}

type objBatch struct {
	adapter *Adapter
	ops     []objOp
	done    bool
}

func (b *objBatch) Put(ctx context.Context, rec *types.Record) error {
	b.ops = append(b.ops, objOp{rec: rec.Clone()})
	return nil
}

func (b *objBatch) Delete(ctx context.Context, typ types.DataType, id string, at int64) error {
	b.ops = append(b.ops, objOp{del: true, typ: typ, id: id, delAt: at})
	return nil
}

func (b *objBatch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	ctx := context.Background()
	for _, op := range b.ops {
		var err error
		if op.del {
			err = b.adapter.Delete(ctx, op.typ, op.id, op.delAt)
		} else {
			err = b.adapter.Put(ctx, op.rec)
		}
		if err != nil && !errors.Is(err, store.ErrSuperseded) {
			return err
		}
	}
	return nil
}

func (b *objBatch) Rollback() error {
	b.done = true
	b.ops = nil
	return nil
}

// RecordLog appends records to the object store without touching state. It is
// the sink for backup_only sync: append-only per version, no conflict check.
type RecordLog struct {
	objects store.ObjectStore
}

// NewRecordLog wraps an object store as an append-only record sink.
func NewRecordLog(objects store.ObjectStore) *RecordLog {
	return &RecordLog{objects: objects}
}

// Append writes the record under its (type, date, id, version) key. Appending
// the same version twice writes identical bytes to the same key.
func (l *RecordLog) Append(ctx context.Context, rec *types.Record) error {
	body, err := json.Marshal(&envelope{Record: *rec})
	if err != nil {
		return fmt.Errorf("marshal record %s/%s: %w", rec.Type, rec.ID, err)
	}
	return l.objects.PutObject(ctx, logKey(rec), body)
}

// Versions lists the logged version keys for one record id, oldest first.
func (l *RecordLog) Versions(ctx context.Context, typ types.DataType, id string) ([]string, error) {
	keys, err := l.objects.ListObjects(ctx, logPrefix+string(typ)+"/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		// sync/<type>/<date>/<id>/<version>.blob
		if path.Base(path.Dir(key)) == id && strings.HasSuffix(key, ".blob") {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}
