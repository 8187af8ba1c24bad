// Package sqlite implements the local store adapter on a single-file SQLite
// database. It owns the records table plus the sync_cursors and
// transition_log tables, and exposes the change feed the sync engine reads.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/flowslide/tiersync/internal/secretbox"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// setupWASMCache configures WASM compilation caching so SQLite startup costs
// one JIT compile per cache version instead of one per process.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "tiersync", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Store is the local adapter. It is the exclusive owner of the database file;
// writers serialize through it.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool

	// box encrypts payloads of sensitive types at rest. nil means no key is
	// configured; sensitive writes still succeed locally but the payload is
	// stored in the clear and must not be shipped off-process.
	box       *secretbox.Box
	sensitive map[types.DataType]bool
}

// Options tune the adapter.
type Options struct {
	// Box encrypts sensitive payloads. May be nil.
	Box *secretbox.Box
	// SensitiveTypes lists the data types whose payloads are sealed.
	SensitiveTypes []types.DataType
}

// Open creates or opens the database at path and runs migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared in-memory database; WAL does not work there, use DELETE mode.
		connStr = "file:tiersyncmem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(30000)"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// In-memory databases are isolated per connection by default; a pool
		// of one keeps every statement on the same database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool so write-lock
		// contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}

	s := &Store{
		db:        db,
		dbPath:    path,
		box:       opts.Box,
		sensitive: make(map[types.DataType]bool, len(opts.SensitiveTypes)),
	}
	for _, t := range opts.SensitiveTypes {
		s.sensitive[t] = true
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Path returns the database file path (":memory:" for in-memory stores).
func (s *Store) Path() string { return s.dbPath }

// Origin identifies this adapter as the local tier.
func (s *Store) Origin() types.Origin { return types.OriginLocal }

// Get returns the record (including tombstones) or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, typ types.DataType, id string) (*types.Record, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT type, id, payload, updated_at, deleted, origin, version, encrypted
		 FROM records WHERE type = ? AND id = ?`, string(typ), id)
	return s.scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (*types.Record, error) {
	var rec types.Record
	var typ, origin string
	var deleted, encrypted int
	if err := row.Scan(&typ, &rec.ID, &rec.Payload, &rec.UpdatedAt, &deleted, &origin, &rec.Version, &encrypted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapSQLiteErr(err)
	}
	rec.Type = types.DataType(typ)
	rec.Origin = types.Origin(origin)
	rec.Deleted = deleted != 0
	if encrypted != 0 {
		if s.box == nil {
			return nil, fmt.Errorf("record %s/%s is encrypted but no data key is configured", typ, rec.ID)
		}
		plain, err := s.box.Open(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", typ, rec.ID, err)
		}
		rec.Payload = plain
	}
	return &rec, nil
}

// Put upserts the record unless the stored copy carries a newer updated_at.
func (s *Store) Put(ctx context.Context, rec *types.Record) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.putTx(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) putTx(ctx context.Context, db execer, rec *types.Record) error {
	payload := rec.Payload
	encrypted := 0
	if s.sensitive[rec.Type] && s.box != nil {
		sealed, err := s.box.Seal(payload)
		if err != nil {
			return fmt.Errorf("seal %s/%s: %w", rec.Type, rec.ID, err)
		}
		payload = sealed
		encrypted = 1
	}

	// The WHERE clause on the upsert enforces the superseded contract
	// atomically: an older incoming updated_at leaves the row untouched.
	res, err := db.ExecContext(ctx,
		`INSERT INTO records (type, id, payload, updated_at, deleted, origin, version, encrypted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(type, id) DO UPDATE SET
		   payload = excluded.payload,
		   updated_at = excluded.updated_at,
		   deleted = excluded.deleted,
		   origin = excluded.origin,
		   version = excluded.version,
		   encrypted = excluded.encrypted
		 WHERE excluded.updated_at >= records.updated_at`,
		string(rec.Type), rec.ID, payload, rec.UpdatedAt, boolInt(rec.Deleted),
		string(rec.Origin), rec.Version, encrypted)
	if err != nil {
		return wrapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapSQLiteErr(err)
	}
	if n == 0 {
		return store.ErrSuperseded
	}
	return nil
}

// Delete writes a tombstone at the given timestamp. Deleting an absent record
// creates the tombstone so the deletion still propagates.
func (s *Store) Delete(ctx context.Context, typ types.DataType, id string, at int64) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.deleteTx(ctx, s.db, typ, id, at)
}

func (s *Store) deleteTx(ctx context.Context, db execer, typ types.DataType, id string, at int64) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO records (type, id, payload, updated_at, deleted, origin, version, encrypted)
		 VALUES (?, ?, X'', ?, 1, 'local', 1, 0)
		 ON CONFLICT(type, id) DO UPDATE SET
		   payload = X'',
		   updated_at = excluded.updated_at,
		   deleted = 1,
		   version = records.version + 1,
		   encrypted = 0
		 WHERE excluded.updated_at >= records.updated_at`,
		string(typ), id, at)
	if err != nil {
		return wrapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapSQLiteErr(err)
	}
	if n == 0 {
		return store.ErrSuperseded
	}
	return nil
}

// ListSince returns up to limit records with updated_at > cursor ordered by
// (updated_at, id). This is the change feed the sync workers page through.
func (s *Store) ListSince(ctx context.Context, typ types.DataType, cursor int64, limit int) ([]*types.Record, int64, error) {
	if s.closed.Load() {
		return nil, 0, store.ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, id, payload, updated_at, deleted, origin, version, encrypted
		 FROM records WHERE type = ? AND updated_at > ?
		 ORDER BY updated_at, id LIMIT ?`, string(typ), cursor, limit)
	if err != nil {
		return nil, 0, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var out []*types.Record
	next := cursor
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
		if rec.UpdatedAt > next {
			next = rec.UpdatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapSQLiteErr(err)
	}
	return out, next, nil
}

// Ping verifies the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Begin starts a write transaction.
func (s *Store) Begin(ctx context.Context) (store.Batch, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	return &batch{store: s, tx: tx}, nil
}

// Close closes the underlying pool. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// PurgeTombstones physically removes tombstones older than the retention
// window. Tombstones newer than the longest active sync interval must be kept
// so deletions propagate first.
func (s *Store) PurgeTombstones(ctx context.Context, olderThan int64) (int64, error) {
	if s.closed.Load() {
		return 0, store.ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE deleted = 1 AND updated_at < ?`, olderThan)
	if err != nil {
		return 0, wrapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SnapshotTo writes a consistent point-in-time copy of the database to
// destPath using VACUUM INTO, which takes a read snapshot without blocking
// writers beyond the WAL read barrier.
func (s *Store) SnapshotTo(ctx context.Context, destPath string) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if s.dbPath == ":memory:" {
		return fmt.Errorf("cannot snapshot an in-memory database")
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear snapshot target: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", quoteSQLString(destPath))); err != nil {
		return fmt.Errorf("vacuum into: %w", wrapSQLiteErr(err))
	}
	return nil
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// wrapSQLiteErr classifies busy/locked failures as retryable so workers back
// off instead of failing the cycle.
func wrapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return store.Retryable(err)
	}
	return err
}

type batch struct {
	store *Store
	tx    *sql.Tx
	done  bool
}

func (b *batch) Put(ctx context.Context, rec *types.Record) error {
	return b.store.putTx(ctx, b.tx, rec)
}

func (b *batch) Delete(ctx context.Context, typ types.DataType, id string, at int64) error {
	return b.store.deleteTx(ctx, b.tx, typ, id, at)
}

func (b *batch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return wrapSQLiteErr(err)
	}
	return nil
}

func (b *batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.tx.Rollback()
}
