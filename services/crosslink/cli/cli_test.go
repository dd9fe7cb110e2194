package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/crosslink/internal/queue"
	"github.com/ramiqadoumi/crosslink/internal/sqlite"
	"github.com/ramiqadoumi/crosslink/services/crosslink/config"
)

func TestWriteDefaultConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "crosslink.yaml")

	require.NoError(t, writeDefaultConfig(dest, defaultCrosslinkYAML, false))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, defaultCrosslinkYAML, string(data))

	err = writeDefaultConfig(dest, "x", false)
	assert.ErrorContains(t, err, "already exists")

	require.NoError(t, writeDefaultConfig(dest, "x", true))
	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestDefaultConfig_LoadsIntoConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crosslink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(defaultCrosslinkYAML), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg := config.Load(v)

	assert.Equal(t, "8888", cfg.HTTPPort)
	assert.Equal(t, config.BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "@every 2s", cfg.BroadcastSchedule)
	assert.Equal(t, "Windows PC", cfg.RemoteHostname)
	assert.Zero(t, cfg.SubmitRateLimit)
	assert.Empty(t, cfg.Brokers())

	local, remotes, err := cfg.Identities()
	require.NoError(t, err)
	assert.EqualValues(t, "linux", local.Role)
	require.Len(t, remotes, 1)
	assert.EqualValues(t, "windows", remotes[0].Role)
}

func TestOpenStore_Memory(t *testing.T) {
	store, err := openStore(context.Background(), config.Config{StoreBackend: config.BackendMemory}, buildLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.IsType(t, &queue.MemoryStore{}, store)
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.Config{
		StoreBackend: config.BackendSQLite,
		SQLitePath:   filepath.Join(t.TempDir(), "crosslink.db"),
	}
	store, err := openStore(context.Background(), cfg, buildLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.IsType(t, &sqlite.Store{}, store)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestOpenStore_UnknownBackendIsNotRetried(t *testing.T) {
	old := connectRetry
	connectRetry.BaseDelay = time.Hour
	t.Cleanup(func() { connectRetry = old })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := openStore(ctx, config.Config{StoreBackend: "mongo"}, buildLogger("error", "test"))

	assert.ErrorIs(t, err, errUnknownBackend)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}
