package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/config"
)

func newTestService(t *testing.T, cfg config.BackupConfig) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(root, "arena.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("seed"), 0o644))

	svc, err := NewService(dbPath, filepath.Join(root, "backups"), cfg, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return svc, dbPath
}

// createAt makes one backup stamped and mtimed at the given instant so
// rotation order is deterministic.
func createAt(t *testing.T, svc *Service, at time.Time) string {
	t.Helper()
	svc.now = func() time.Time { return at }
	name, err := svc.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(svc.dir, name), at, at))
	return name
}

func TestCreateCopiesDatabase(t *testing.T) {
	svc, _ := newTestService(t, config.BackupConfig{MaxBackups: 5})
	name := createAt(t, svc, time.Date(2025, 1, 6, 3, 0, 0, 0, time.UTC))

	assert.Equal(t, "arena_20250106_030000.db", name)
	data, err := os.ReadFile(filepath.Join(svc.dir, name))
	require.NoError(t, err)
	assert.Equal(t, "seed", string(data))
}

func TestRotationKeepsNewest(t *testing.T) {
	svc, _ := newTestService(t, config.BackupConfig{MaxBackups: 3})
	base := time.Date(2025, 1, 6, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		createAt(t, svc, base.Add(time.Duration(i)*24*time.Hour))
	}

	infos, err := svc.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "arena_20250110_030000.db", infos[0].Filename)
	assert.Equal(t, "arena_20250109_030000.db", infos[1].Filename)
	assert.Equal(t, "arena_20250108_030000.db", infos[2].Filename)
}

func TestRestoreReplacesDatabase(t *testing.T) {
	svc, dbPath := newTestService(t, config.BackupConfig{MaxBackups: 5})
	name := createAt(t, svc, time.Date(2025, 1, 6, 3, 0, 0, 0, time.UTC))

	require.NoError(t, os.WriteFile(dbPath, []byte("mutated"), 0o644))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("wal"), 0o644))

	require.NoError(t, svc.Restore(name))

	data, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "seed", string(data))
	_, err = os.Stat(dbPath + "-wal")
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreRejectsBadFilenames(t *testing.T) {
	svc, _ := newTestService(t, config.BackupConfig{})

	assert.Error(t, svc.Restore(""))
	assert.Error(t, svc.Restore("../arena.db"))
	assert.Error(t, svc.Restore("notes.txt"))
	assert.Error(t, svc.Restore("arena_20990101_000000.db"))
}

func TestListEmptyDirectory(t *testing.T) {
	svc, _ := newTestService(t, config.BackupConfig{})
	infos, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}
