package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/dispatch"
	"github.com/alvmarrod/profile-refresh/internal/executor"
	"github.com/alvmarrod/profile-refresh/internal/memory"
	"github.com/alvmarrod/profile-refresh/internal/queue"
	"github.com/alvmarrod/profile-refresh/internal/selector"
	"github.com/alvmarrod/profile-refresh/internal/storage"
)

type fixture struct {
	store *memory.Store
	queue *queue.Memory
	now   time.Time
}

func newFixture() *fixture {
	return &fixture{
		store: memory.NewStore(),
		queue: queue.NewMemory(time.Minute),
		now:   time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) driver(store storage.Store, locker Locker, opts Options) *Driver {
	exec := executor.NewFake(executor.FakeOptions{Availability: 1})
	d := dispatch.New(store, f.queue, exec, dispatch.DefaultOptions(), nil).
		WithClock(f.clock).
		WithDelay(func() time.Duration { return time.Minute })
	return NewDriver(selector.New(store).WithClock(f.clock), d, locker, opts)
}

func (f *fixture) insert(t *testing.T, username string, likes int64, last *time.Time) *storage.Profile {
	t.Helper()
	p := &storage.Profile{Username: username, LikesCount: likes, LastScrapedAt: last}
	require.NoError(t, f.store.InsertProfile(context.Background(), p))
	return p
}

func TestDriver_RunOnceReapsSelectsAndDispatches(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	stale := f.now.Add(-30 * time.Hour)
	fresh := f.now.Add(-time.Hour)
	f.insert(t, "high_stale", 250000, &stale)
	f.insert(t, "never", 10, nil)
	f.insert(t, "fresh", 10, &fresh)
	stuck := f.insert(t, "stuck", 10, nil)

	abandoned, err := f.store.CreatePendingAttempt(ctx, stuck.ID, f.now.Add(-3*time.Hour))
	require.NoError(t, err)

	report, err := f.driver(f.store, nil, Options{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Queued)
	assert.Equal(t, 1, report.HighPriority)
	assert.Equal(t, 2, report.Regular)
	assert.Equal(t, 0, report.Skipped)

	a, err := f.store.GetAttempt(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, a.Status)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDriver_RunOnceRespectsLimit(t *testing.T) {
	f := newFixture()
	for _, name := range []string{"aa1", "aa2", "aa3"} {
		f.insert(t, name, 0, nil)
	}

	report, err := f.driver(f.store, nil, Options{Limit: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Queued)
}

func TestDriver_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture()
	f.insert(t, "never", 0, nil)
	ctx := context.Background()

	locker := NewLocalLocker()
	ok, err := locker.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	d := f.driver(f.store, locker, Options{})
	_, err = d.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	require.NoError(t, locker.Unlock(ctx, lockName))
	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)

	// the lease is released after a cycle
	ok, err = locker.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingLocker struct{}

func (failingLocker) TryLock(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("lock backend down")
}

func (failingLocker) Unlock(context.Context, string) error { return nil }

func TestDriver_LockErrorAbortsCycle(t *testing.T) {
	f := newFixture()
	_, err := f.driver(f.store, failingLocker{}, Options{}).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock backend down")
}

type brokenSelectStore struct {
	*memory.Store
}

func (brokenSelectStore) SelectDue(context.Context, time.Time, int) ([]*storage.Profile, error) {
	return nil, errors.New("disk on fire")
}

func TestDriver_SelectorFailureIsSurfaced(t *testing.T) {
	f := newFixture()
	_, err := f.driver(brokenSelectStore{f.store}, nil, Options{}).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestDriver_RunStopsOnCancel(t *testing.T) {
	f := newFixture()
	f.insert(t, "never", 0, nil)
	d := f.driver(f.store, nil, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n, err := f.queue.Len(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
}

func TestLocalLocker_Expiry(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.TryLock(ctx, "x", time.Minute)
	assert.True(t, ok)
	ok, _ = l.TryLock(ctx, "x", time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = l.TryLock(ctx, "x", time.Minute)
	assert.True(t, ok)
}

func TestLeaseLocker_SQLite(t *testing.T) {
	q, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), queue.Options{Name: "scrapes"})
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	a := NewLeaseLocker(q)
	b := NewLeaseLocker(q)

	ok, err := a.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own lease")

	require.NoError(t, b.Unlock(ctx, lockName))
	ok, err = b.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "unlock by a non-holder is ignored")

	require.NoError(t, a.Unlock(ctx, lockName))
	ok, err = b.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	name := "test-" + time.Now().Format(time.RFC3339Nano)
	a := NewRedisLocker(client)
	b := NewRedisLocker(client)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, l := range []*RedisLocker{a, b} {
		wg.Add(1)
		go func(i int, l *RedisLocker) {
			defer wg.Done()
			ok, err := l.TryLock(ctx, name, time.Minute)
			assert.NoError(t, err)
			results[i] = ok
		}(i, l)
	}
	wg.Wait()
	assert.NotEqual(t, results[0], results[1], "exactly one holder wins")

	winner, loser := a, b
	if results[1] {
		winner, loser = b, a
	}
	require.NoError(t, loser.Unlock(ctx, name))
	ok, err := loser.TryLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, winner.Unlock(ctx, name))
	ok, err = loser.TryLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, loser.Unlock(ctx, name))
}
