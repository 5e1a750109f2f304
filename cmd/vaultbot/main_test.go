package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/config"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage/sqlite"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// run executes the CLI with args against a temporary database.
func run(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("VAULT_STORAGE_DSN", dsn)
	t.Setenv("VAULT_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func tempDSN(t *testing.T) string {
	return filepath.Join(t.TempDir(), "data", "vault.db")
}

func TestClassifyCommand(t *testing.T) {
	out, err := run(t, tempDSN(t), "classify", "hi")
	require.NoError(t, err)

	var cls types.QueryClassification
	require.NoError(t, json.Unmarshal([]byte(out), &cls))
	assert.Equal(t, types.QueryCasual, cls.Type)
	assert.Equal(t, types.BackendFast, cls.PreferredBackend)
}

func TestClassifyCommand_Attachment(t *testing.T) {
	out, err := run(t, tempDSN(t), "classify", "--attachment", "what", "is", "this")
	require.NoError(t, err)

	var cls types.QueryClassification
	require.NoError(t, json.Unmarshal([]byte(out), &cls))
	assert.Equal(t, types.QueryMultimodal, cls.Type)
}

func TestClassifyCommand_RequiresText(t *testing.T) {
	_, err := run(t, tempDSN(t), "classify")
	assert.Error(t, err)
}

func TestClearUserCommand(t *testing.T) {
	dsn := tempDSN(t)
	store, err := openStore(config.StorageConfig{Driver: "sqlite", DSN: dsn, MaxFactsPerUser: 10, MaxTurnsPerUser: 10})
	require.NoError(t, err)
	_, err = store.UpsertFact(context.Background(), storage.FactInput{
		UserID: "u1", Text: "User's name is Dara", Importance: types.ImportanceHigh, Category: types.CategoryIdentity,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := run(t, dsn, "clear-user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared u1: 1 facts, 0 turns, 0 usage records")

	store, err = sqlite.NewMemoryStore(dsn, storage.DefaultLimits())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	facts, err := store.GetFacts(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestRulesCommands(t *testing.T) {
	dsn := tempDSN(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")

	out, err := run(t, dsn, "rules", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	out, err = run(t, dsn, "rules", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok:")

	_, err = run(t, dsn, "rules", "check")
	assert.Error(t, err, "no path and nothing configured")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("VAULT_STORAGE_DRIVER", "mysql")
	_, err := run(t, tempDSN(t), "classify", "hi")
	assert.Error(t, err)
}

func TestBuildApp(t *testing.T) {
	cfg := config.Default()
	store, err := sqlite.NewMemoryStore(":memory:", cfg.Storage.Limits())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	a, err := buildApp(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, a.pipeline)
	assert.Len(t, a.breakers, 2)
}

func TestBuildBackends_DisabledReasoning(t *testing.T) {
	cfg := config.Default().Backends
	cfg.Reasoning.Provider = ""

	b, breakers, err := buildBackends(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, b.Fast)
	assert.Nil(t, b.Reasoning)
	assert.Empty(t, b.Specialized, "every specialization rides on the reasoning backend")
	assert.Len(t, breakers, 1)
}

func TestBuildBackends_AllConfigured(t *testing.T) {
	b, _, err := buildBackends(config.Default().Backends, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, b.Specialized, 4)
	assert.Contains(t, b.Specialized, types.FunctionRegimeAnalysis)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DSN = tempDSN(t)
	cfg.Server.Port = 0
	cfg.Telegram.Token = ""

	c := &cli{cfg: cfg, logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.serve(ctx))
}

func TestBackupCommand(t *testing.T) {
	dsn := tempDSN(t)
	store, err := openStore(config.StorageConfig{Driver: "sqlite", DSN: dsn, MaxFactsPerUser: 10, MaxTurnsPerUser: 10})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	dir := filepath.Join(t.TempDir(), "snaps")
	out, err := run(t, dsn, "backup", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "verified")

	out, err = run(t, dsn, "backup", "list", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, dir)
}
