package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/memory"
	"github.com/alvmarrod/profile-refresh/internal/storage"
)

func at(now time.Time, d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestSelectDue_TierScenario(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()

	// A is High and 30h old, B is Standard and 30h old
	require.NoError(t, store.InsertProfile(ctx, &storage.Profile{Username: "a", LikesCount: 150000, LastScrapedAt: at(now, 30*time.Hour)}))
	require.NoError(t, store.InsertProfile(ctx, &storage.Profile{Username: "b", LikesCount: 5000, LastScrapedAt: at(now, 30*time.Hour)}))

	sel := New(store).WithClock(func() time.Time { return now })

	due, err := sel.SelectDue(ctx, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].Username)
}

func TestSelectDue_NeverScrapedFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()

	require.NoError(t, store.InsertProfile(ctx, &storage.Profile{Username: "old", LastScrapedAt: at(now, 100*time.Hour)}))
	require.NoError(t, store.InsertProfile(ctx, &storage.Profile{Username: "zeta"}))
	require.NoError(t, store.InsertProfile(ctx, &storage.Profile{Username: "eta"}))

	due, err := New(store).WithClock(func() time.Time { return now }).SelectDue(ctx, 10)
	require.NoError(t, err)

	var names []string
	for _, p := range due {
		names = append(names, p.Username)
	}
	assert.Equal(t, []string{"eta", "zeta", "old"}, names)
}

func TestSelectDue_InvalidLimit(t *testing.T) {
	sel := New(memory.NewStore())

	for _, limit := range []int{0, -1} {
		_, err := sel.SelectDue(context.Background(), limit)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	}
}

type failingStore struct {
	storage.Store
}

var errBoom = errors.New("boom")

func (failingStore) SelectDue(context.Context, time.Time, int) ([]*storage.Profile, error) {
	return nil, errBoom
}

func TestSelectDue_PropagatesStoreError(t *testing.T) {
	_, err := New(failingStore{}).SelectDue(context.Background(), 5)
	assert.ErrorIs(t, err, errBoom)
}
