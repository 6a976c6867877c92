package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/config"
	"github.com/alvmarrod/profile-refresh/internal/memory"
	"github.com/alvmarrod/profile-refresh/internal/queue"
	"github.com/alvmarrod/profile-refresh/internal/storage"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.DBDriver = "memory"
	cfg.QueueDriver = "memory"
	return cfg
}

func TestNew_Memory(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.Store{}, a.Store)
	assert.IsType(t, &queue.Memory{}, a.Queue)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Driver)
	assert.NotNil(t, a.Limiter)
	assert.NotNil(t, a.Runner)
}

func TestNew_SQLiteWithLeaseLock(t *testing.T) {
	dir := t.TempDir()
	cfg := memoryConfig(t)
	cfg.DBDriver = "sqlite"
	cfg.DBPath = filepath.Join(dir, "profiles.db")
	cfg.QueueDriver = "sqlite"
	cfg.QueuePath = filepath.Join(dir, "queue.db")
	cfg.LockBackend = "sqlite"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.Storage{}, a.Store)
	assert.IsType(t, &queue.SQLite{}, a.Queue)
}

func TestNew_APIExecutorNeedsBaseURL(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.ExecutorDriver = "api"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSeedThenCycle(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer a.Close()

	n, err := Seed(ctx, a.Store, 30, 7)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	n, err = Seed(ctx, a.Store, 30, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "seeding is idempotent per seed")

	_, total, err := a.Store.ListProfiles(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 30, total)

	due, err := a.Selector.SelectDue(ctx, 100)
	require.NoError(t, err)

	report, err := a.Driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(due), report.Queued)
	assert.Equal(t, report.Queued, report.HighPriority+report.Regular)
}

func TestNew_QueueSharesProfileDatabase(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.DBDriver = "sqlite"
	cfg.DBPath = filepath.Join(t.TempDir(), "refresh.db")
	cfg.QueueDriver = "sqlite"
	cfg.QueuePath = cfg.DBPath

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Dispatcher.TriggerManual(ctx, "shared_db")
	require.NoError(t, err)

	n, err := a.Queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
