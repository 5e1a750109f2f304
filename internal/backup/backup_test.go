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

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage/sqlite"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

func createTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.db")
	store, err := sqlite.NewMemoryStore(path, storage.DefaultLimits())
	require.NoError(t, err)
	_, err = store.UpsertFact(context.Background(), storage.FactInput{
		UserID: "u1", Text: "User lives in Phnom Penh", Importance: types.ImportanceHigh, Category: types.CategoryLocation,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	return path
}

// tickingClock advances one second per call so snapshot names differ.
func tickingClock() func() time.Time {
	cur := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", Config{Dir: "x"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(":memory:", Config{Dir: "x"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New("vault.db", Config{}, zerolog.Nop())
	assert.Error(t, err)

	s, err := New("vault.db", Config{Dir: "x"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 24, s.cfg.Keep)
}

func TestSnapshot_RestoresReadableCopy(t *testing.T) {
	dbPath := createTestDB(t)
	s, err := New(dbPath, Config{Dir: filepath.Join(t.TempDir(), "snaps")}, zerolog.Nop())
	require.NoError(t, err)

	info, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Verified)
	assert.Positive(t, info.Size)

	restored, err := sqlite.NewMemoryStore(info.Path, storage.DefaultLimits())
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	facts, err := restored.GetFacts(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "User lives in Phnom Penh", facts[0].FactText)
}

func TestSnapshot_PrunesOldest(t *testing.T) {
	dbPath := createTestDB(t)
	s, err := New(dbPath, Config{Dir: filepath.Join(t.TempDir(), "snaps"), Keep: 2}, zerolog.Nop())
	require.NoError(t, err)
	s.now = tickingClock()

	var paths []string
	for i := 0; i < 4; i++ {
		info, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		paths = append(paths, info.Path)
	}

	snaps, err := s.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, paths[3], snaps[0].Path, "newest first")
	assert.Equal(t, paths[2], snaps[1].Path)

	_, err = os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshot_MissingDatabase(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "absent.db"), Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vault-garbage.db"), []byte("x"), 0o600))

	s, err := New("vault.db", Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	snaps, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestList_MissingDir(t *testing.T) {
	s, err := New("vault.db", Config{Dir: filepath.Join(t.TempDir(), "none")}, zerolog.Nop())
	require.NoError(t, err)
	snaps, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
