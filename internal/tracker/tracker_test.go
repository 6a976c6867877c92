package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/memory"
	"github.com/alvmarrod/profile-refresh/internal/storage"
)

func newTracker(t *testing.T) (*Tracker, *memory.Store, *storage.Profile, *time.Time) {
	t.Helper()
	store := memory.NewStore()
	p, _, err := store.FindOrCreateProfile(context.Background(), "tracked")
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(store).WithClock(func() time.Time { return now })
	return tr, store, p, &now
}

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr, _, p, now := newTracker(t)

	a, err := tr.Open(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, a.Status)

	_, err = tr.Open(ctx, p.ID)
	assert.ErrorIs(t, err, storage.ErrAttemptInFlight)

	*now = now.Add(time.Minute)
	require.NoError(t, tr.MarkStarted(ctx, a.ID))
	*now = now.Add(time.Minute)
	require.NoError(t, tr.MarkCompleted(ctx, a.ID, []byte(`{"name":"x"}`)))

	got, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.After(*got.StartedAt))

	assert.ErrorIs(t, tr.MarkFailed(ctx, a.ID, "late"), storage.ErrInvalidTransition)
	assert.ErrorIs(t, tr.MarkStarted(ctx, a.ID), storage.ErrInvalidTransition)
}

func TestTracker_CompleteMergesOnlyWhileRunning(t *testing.T) {
	ctx := context.Background()
	tr, store, p, _ := newTracker(t)
	name := "Merged"
	fields := storage.ProfileFields{Name: &name}

	a, err := tr.Open(ctx, p.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Complete(ctx, a.ID, p.ID, fields, []byte(`{}`)), storage.ErrInvalidTransition)

	require.NoError(t, tr.MarkStarted(ctx, a.ID))
	require.NoError(t, tr.Complete(ctx, a.ID, p.ID, fields, []byte(`{}`)))

	got, err := store.GetProfileByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Merged", *got.Name)
	require.NotNil(t, got.LastScrapedAt)
}

func TestTracker_FailedThenAnnotated(t *testing.T) {
	ctx := context.Background()
	tr, _, p, _ := newTracker(t)

	a, err := tr.Open(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, tr.MarkFailed(ctx, a.ID, "service unavailable"))
	require.NoError(t, tr.Annotate(ctx, a.ID, "failed permanently after 3 attempts: service unavailable"))

	latest, err := tr.Latest(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, latest.ID)
	assert.Contains(t, latest.ErrorMessage, "service unavailable; failed permanently")

	history, err := tr.History(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTracker_ReapStale(t *testing.T) {
	ctx := context.Background()
	tr, _, p, now := newTracker(t)

	a, err := tr.Open(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, tr.MarkStarted(ctx, a.ID))

	n, err := tr.ReapStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*now = now.Add(3 * time.Hour)
	n, err = tr.ReapStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, AbandonedMessage, got.ErrorMessage)

	// the profile can be scheduled again
	_, err = tr.Open(ctx, p.ID)
	assert.NoError(t, err)
}
