package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memhive/memoryd/memerr"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func read(t *testing.T, dir, name string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(raw)
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	write(t, dataDir, "memoryd.db", "records")
	write(t, dataDir, "vectors/chromem.gob", "embeddings")
	write(t, dataDir, "memoryd.db-wal", "transient")
	return NewManager(dataDir, t.TempDir(), zerolog.Nop()), dataDir
}

func TestCreateSkipsTransientJournalFiles(t *testing.T) {
	m, _ := newTestManager(t)

	manifest, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.Len(t, manifest.Files, 2)
	assert.Contains(t, manifest.Files, "memoryd.db")
	assert.Contains(t, manifest.Files, filepath.Join("vectors", "chromem.gob"))
	assert.NotContains(t, manifest.Files, "memoryd.db-wal")
	assert.Equal(t, int64(len("records")+len("embeddings")), manifest.TotalSize)
}

func TestListNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	backups, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, backups)

	first, err := m.Create(ctx)
	require.NoError(t, err)

	backups, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, first.ID, backups[0].ID)
}

func TestVerifyDetectsCorruptionAndLoss(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	manifest, err := m.Create(ctx)
	require.NoError(t, err)

	res, err := m.Verify(ctx, manifest.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Verified)

	snapshot := filepath.Join(m.backupDir, manifest.ID)
	require.NoError(t, os.WriteFile(filepath.Join(snapshot, "memoryd.db"), []byte("tampered"), 0o600))
	require.NoError(t, os.Remove(filepath.Join(snapshot, "vectors", "chromem.gob")))

	res, err = m.Verify(ctx, manifest.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, []string{"memoryd.db"}, res.Corrupt)
	assert.Equal(t, []string{filepath.Join("vectors", "chromem.gob")}, res.Missing)

	_, err = m.Verify(ctx, "20200101T000000Z")
	assert.Equal(t, memerr.CodeNotFound, memerr.CodeOf(err))
}

func TestRestoreAndRollback(t *testing.T) {
	m, dataDir := newTestManager(t)
	ctx := context.Background()

	manifest, err := m.Create(ctx)
	require.NoError(t, err)

	// Live state diverges after the snapshot.
	write(t, dataDir, "memoryd.db", "newer records")

	require.NoError(t, m.Restore(ctx, manifest.ID))
	assert.Equal(t, "records", read(t, dataDir, "memoryd.db"))

	require.NoError(t, m.RollbackRestore(ctx))
	assert.Equal(t, "newer records", read(t, dataDir, "memoryd.db"))

	// The stash is consumed by the rollback.
	err = m.RollbackRestore(ctx)
	assert.Equal(t, memerr.CodeNotFound, memerr.CodeOf(err))
}

func TestRestoreRefusesCorruptBackup(t *testing.T) {
	m, dataDir := newTestManager(t)
	ctx := context.Background()

	manifest, err := m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.backupDir, manifest.ID, "memoryd.db"), []byte("tampered"), 0o600))

	err = m.Restore(ctx, manifest.ID)
	assert.Equal(t, memerr.CodeConflict, memerr.CodeOf(err))
	assert.Equal(t, "records", read(t, dataDir, "memoryd.db"))

	err = m.Restore(ctx, "20200101T000000Z")
	assert.Equal(t, memerr.CodeNotFound, memerr.CodeOf(err))
}
