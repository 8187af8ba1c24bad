// Package snapshot creates, lists, restores, and prunes full backups of the
// local store in the object store. A backup is a tar.gz of a consistent
// SQLite snapshot plus a manifest describing it; the manifest upload marks the
// backup complete.
package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

const (
	backupPrefix = "backups/"
	archiveName  = "archive.tar.gz"
	manifestName = "manifest.json"

	// dbEntryName is the archive member holding the database snapshot.
	dbEntryName = "tiersync.db"
)

// ErrCorruptSnapshot is returned when a downloaded archive does not match the
// content hash in its manifest. Restore refuses to proceed.
var ErrCorruptSnapshot = errors.New("snapshot archive does not match manifest hash")

// ErrBackupBusy is returned when a backup is already in flight.
var ErrBackupBusy = errors.New("backup already in progress")

// LocalSnapshotter is the slice of the local store the backup engine needs.
type LocalSnapshotter interface {
	SnapshotTo(ctx context.Context, destPath string) error
	Path() string
}

// Engine drives backups against one object store bucket.
type Engine struct {
	local   LocalSnapshotter
	records store.Adapter // for manifest record counts; may equal local
	objects store.ObjectStore
	bucket  string
	clk     clock.Clock
	modeFn  func() types.DeploymentMode

	retentionDays int

	mu   sync.Mutex
	busy bool
}

// Options configures a backup engine.
type Options struct {
	Local   LocalSnapshotter
	Records store.Adapter
	Objects store.ObjectStore
	Bucket  string
	Clock   clock.Clock
	// ModeFn reports the active mode for the manifest.
	ModeFn func() types.DeploymentMode
	// RetentionDays prunes backups older than this (default 30, <0 disables).
	RetentionDays int
}

// New builds a backup engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.RetentionDays == 0 {
		opts.RetentionDays = 30
	}
	return &Engine{
		local:         opts.Local,
		records:       opts.Records,
		objects:       opts.Objects,
		bucket:        opts.Bucket,
		clk:           opts.Clock,
		modeFn:        opts.ModeFn,
		retentionDays: opts.RetentionDays,
	}
}

// Create takes a consistent snapshot of the local store, archives it, uploads
// archive and manifest, and returns the manifest. Only one backup runs at a
// time.
func (e *Engine) Create(ctx context.Context) (*types.Manifest, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrBackupBusy
	}
	e.busy = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()

	now := e.clk.NowMillis()
	id := clock.TimestampKey(now)
	prefix := backupPrefix + id + "/"

	tmp, err := os.MkdirTemp("", "tiersync-backup-*")
	if err != nil {
		return nil, fmt.Errorf("backup temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	dbCopy := filepath.Join(tmp, dbEntryName)
	if err := e.local.SnapshotTo(ctx, dbCopy); err != nil {
		return nil, fmt.Errorf("snapshot local store: %w", err)
	}

	archivePath := filepath.Join(tmp, archiveName)
	hash, size, err := buildArchive(archivePath, dbCopy)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if err := e.objects.PutObject(ctx, prefix+archiveName, body); err != nil {
		return nil, fmt.Errorf("upload archive: %w", err)
	}

	manifest := &types.Manifest{
		BackupDate:      id,
		BackupTimestamp: clock.FormatMillis(now),
		Mode:            e.modeFn(),
		Components: types.ManifestComponents{
			Database:    true,
			ProjectData: true,
			Templates:   true,
			Configs:     true,
		},
		Bucket:      e.bucket,
		Prefix:      prefix,
		ContentHash: hash,
		SizeBytes:   size,
	}
	if e.records != nil {
		manifest.RecordCount = e.countRecords(ctx)
	}

	mbody, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := e.objects.PutObject(ctx, prefix+manifestName, mbody); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	log.Printf("backup: created %s (%d bytes, hash %s)", id, size, hash[:12])
	return manifest, nil
}

func (e *Engine) countRecords(ctx context.Context) int64 {
	var total int64
	for _, typ := range types.AllDataTypes() {
		n, err := store.CountLive(ctx, e.records, typ)
		if err != nil {
			log.Printf("backup: counting %s: %v", typ, err)
			return 0
		}
		total += n
	}
	return total
}

// buildArchive writes a tar.gz containing the database copy and returns the
// archive's hex SHA-256 and size.
func buildArchive(archivePath, dbCopy string) (string, int64, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(out, hasher))
	tw := tar.NewWriter(gz)

	in, err := os.Open(dbCopy)
	if err != nil {
		return "", 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat snapshot: %w", err)
	}
	hdr := &tar.Header{
		Name:    dbEntryName,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", 0, fmt.Errorf("write archive header: %w", err)
	}
	if _, err := io.Copy(tw, in); err != nil {
		return "", 0, fmt.Errorf("write archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", 0, fmt.Errorf("finish gzip: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync archive: %w", err)
	}
	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// List returns the manifests of all complete backups, newest first. Backups
// whose manifest is missing (interrupted uploads) are skipped.
func (e *Engine) List(ctx context.Context) ([]*types.Manifest, error) {
	keys, err := e.objects.ListObjects(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var out []*types.Manifest
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+manifestName) {
			continue
		}
		body, err := e.objects.GetObject(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var m types.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			log.Printf("backup: skipping corrupt manifest %s: %v", key, err)
			continue
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupDate > out[j].BackupDate })
	return out, nil
}

// Get returns one backup's manifest by id (its BackupDate key).
func (e *Engine) Get(ctx context.Context, id string) (*types.Manifest, error) {
	body, err := e.objects.GetObject(ctx, backupPrefix+id+"/"+manifestName)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	var m types.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("backup %s: corrupt manifest: %w", id, err)
	}
	return &m, nil
}

// Restore downloads the backup, verifies its hash, and atomically replaces
// the database file at dbPath. The caller must have closed the local store
// and fenced the sync engine first, and must restart the process afterwards.
//
// The swap holds a file lock next to the database so two restores (or a
// restore racing a starting daemon honoring the same lock) cannot interleave.
func (e *Engine) Restore(ctx context.Context, id, dbPath string) (*types.Manifest, error) {
	manifest, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := e.objects.GetObject(ctx, manifest.Prefix+archiveName)
	if err != nil {
		return nil, fmt.Errorf("download backup %s: %w", id, err)
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != manifest.ContentHash {
		return nil, fmt.Errorf("backup %s: %w", id, ErrCorruptSnapshot)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dbPath), ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	extracted := filepath.Join(tmp, dbEntryName)
	if err := extractArchive(body, extracted); err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock database for restore: %w", err)
	}
	if !locked {
		return nil, errors.New("database is locked by another process")
	}
	defer lock.Unlock()

	// Drop WAL sidecars so the restored file opens clean.
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	if err := os.Rename(extracted, dbPath); err != nil {
		return nil, fmt.Errorf("swap database: %w", err)
	}

	log.Printf("backup: restored %s into %s", id, dbPath)
	return manifest, nil
}

// extractArchive writes the database member of the archive to destPath.
func extractArchive(archive []byte, destPath string) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("archive has no %s entry", dbEntryName)
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if filepath.Clean(hdr.Name) != dbEntryName {
			continue
		}
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("create restored file: %w", err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extract database: %w", err)
		}
		return out.Close()
	}
}

// Prune deletes backups older than the retention window. Incomplete backups
// (no manifest) older than a day are swept too.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	if e.retentionDays < 0 {
		return 0, nil
	}
	cutoff := clock.TimestampKey(e.clk.NowMillis() - int64(e.retentionDays)*24*time.Hour.Milliseconds())

	keys, err := e.objects.ListObjects(ctx, backupPrefix)
	if err != nil {
		return 0, fmt.Errorf("list backups: %w", err)
	}
	pruned := map[string]bool{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, backupPrefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id >= cutoff {
			continue
		}
		if err := e.objects.DeleteObject(ctx, key); err != nil {
			return len(pruned), fmt.Errorf("prune %s: %w", key, err)
		}
		pruned[id] = true
	}
	if len(pruned) > 0 {
		log.Printf("backup: pruned %d backups older than %d days", len(pruned), e.retentionDays)
	}
	return len(pruned), nil
}

// RunScheduled creates backups on the cron schedule and prunes after each,
// until ctx is cancelled.
func (e *Engine) RunScheduled(ctx context.Context, sched *Schedule) {
	for {
		next := sched.Next(time.Now())
		if next.IsZero() {
			log.Printf("backup: schedule %q never fires, scheduler idle", sched)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		if _, err := e.Create(ctx); err != nil && !errors.Is(err, ErrBackupBusy) {
			log.Printf("backup: scheduled backup failed: %v", err)
			continue
		}
		if _, err := e.Prune(ctx); err != nil {
			log.Printf("backup: prune failed: %v", err)
		}
	}
}
