package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/store/memory"
	"github.com/flowslide/tiersync/internal/types"
)

// fakeLocal snapshots by copying a seed file, standing in for VACUUM INTO.
type fakeLocal struct {
	path    string
	content []byte
}

func (f *fakeLocal) SnapshotTo(ctx context.Context, destPath string) error {
	return os.WriteFile(destPath, f.content, 0o600)
}

func (f *fakeLocal) Path() string { return f.path }

func newTestEngine(t *testing.T, content []byte) (*Engine, *memory.Objects, *clock.Fake) {
	t.Helper()
	objects := memory.NewObjects()
	clk := clock.NewFake(1_756_100_000_000) // 2025-08-25ish, arbitrary fixed point
	eng := New(Options{
		Local:         &fakeLocal{path: filepath.Join(t.TempDir(), "live.db"), content: content},
		Objects:       objects,
		Bucket:        "tiersync-test",
		Clock:         clk,
		ModeFn:        func() types.DeploymentMode { return types.ModeLocalR2 },
		RetentionDays: 30,
	})
	return eng, objects, clk
}

func TestCreateListRoundTrip(t *testing.T) {
	eng, objects, _ := newTestEngine(t, []byte("pretend sqlite bytes"))
	ctx := context.Background()

	m, err := eng.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, m.BackupDate)
	assert.Equal(t, "tiersync-test", m.Bucket)
	assert.Equal(t, types.ModeLocalR2, m.Mode)
	assert.NotZero(t, m.SizeBytes)
	assert.Len(t, m.ContentHash, 64)

	// Archive and manifest both land under the backup prefix.
	keys, err := objects.ListObjects(ctx, "backups/"+m.BackupDate+"/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	list, err := eng.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, m.BackupDate, list[0].BackupDate)
}

func TestManifestWireFormat(t *testing.T) {
	eng, objects, _ := newTestEngine(t, []byte("db"))
	ctx := context.Background()

	m, err := eng.Create(ctx)
	require.NoError(t, err)

	body, err := objects.GetObject(ctx, "backups/"+m.BackupDate+"/manifest.json")
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &raw))
	for _, key := range []string{
		"backup_date", "backup_timestamp", "mode", "components",
		"bucket", "prefix", "content_hash", "size_bytes",
	} {
		assert.Contains(t, raw, key)
	}

	var comps map[string]bool
	require.NoError(t, json.Unmarshal(raw["components"], &comps))
	assert.Equal(t, map[string]bool{
		"database": true, "project_data": true, "templates": true, "configs": true,
	}, comps)
}

func TestRestoreRoundTrip(t *testing.T) {
	content := []byte("the one true database")
	eng, _, _ := newTestEngine(t, content)
	ctx := context.Background()

	m, err := eng.Create(ctx)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "restored.db")
	got, err := eng.Restore(ctx, m.BackupDate, target)
	require.NoError(t, err)
	assert.Equal(t, m.ContentHash, got.ContentHash)

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	eng, objects, _ := newTestEngine(t, []byte("db"))
	ctx := context.Background()

	m, err := eng.Create(ctx)
	require.NoError(t, err)

	// Flip the archive bytes underneath the manifest.
	key := "backups/" + m.BackupDate + "/archive.tar.gz"
	require.NoError(t, objects.PutObject(ctx, key, []byte("tampered")))

	target := filepath.Join(t.TempDir(), "restored.db")
	_, err = eng.Restore(ctx, m.BackupDate, target)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "corrupt restore must not write the target")
}

func TestRestoreUnknownBackup(t *testing.T) {
	eng, _, _ := newTestEngine(t, []byte("db"))
	_, err := eng.Restore(context.Background(), "20200101_000000", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestPruneRemovesOldBackups(t *testing.T) {
	eng, _, clk := newTestEngine(t, []byte("db"))
	ctx := context.Background()

	_, err := eng.Create(ctx)
	require.NoError(t, err)

	// 40 days later a fresh backup exists and the first is past retention.
	clk.Advance(40 * 24 * time.Hour)
	fresh, err := eng.Create(ctx)
	require.NoError(t, err)

	n, err := eng.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := eng.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.BackupDate, list[0].BackupDate)
}
