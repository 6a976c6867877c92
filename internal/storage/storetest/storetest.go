// Package storetest holds behaviour tests shared by every storage.Store implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/profile-refresh/internal/storage"
)

// Run exercises newStore against the Store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"FindOrCreateNormalizes", testFindOrCreateNormalizes},
		{"SelectDueOrderAndWindows", testSelectDueOrderAndWindows},
		{"SelectDueLimit", testSelectDueLimit},
		{"ApplyScrapeMergesNonNil", testApplyScrapeMergesNonNil},
		{"CompleteScrapeRequiresRunning", testCompleteScrapeRequiresRunning},
		{"SingleActiveAttempt", testSingleActiveAttempt},
		{"ConcurrentCreatePendingAttempt", testConcurrentCreatePendingAttempt},
		{"AttemptTransitions", testAttemptTransitions},
		{"AppendAttemptError", testAppendAttemptError},
		{"LatestAndHistory", testLatestAndHistory},
		{"FailStaleAttempts", testFailStaleAttempts},
		{"Search", testSearch},
		{"ListProfiles", testListProfiles},
		{"ListProfilesPageOverflow", testListProfilesPageOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }
func boolPtr(b bool) *bool    { return &b }

func insert(t *testing.T, s storage.Store, username string, likes int64, last *time.Time) *storage.Profile {
	t.Helper()
	p := &storage.Profile{Username: username, LikesCount: likes, LastScrapedAt: last}
	require.NoError(t, s.InsertProfile(context.Background(), p))
	require.NotZero(t, p.ID)
	return p
}

func ago(now time.Time, d time.Duration) *time.Time {
	t := now.Add(-d).Truncate(time.Millisecond)
	return &t
}

func usernames(profiles []*storage.Profile) []string {
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Username)
	}
	return names
}

func testFindOrCreateNormalizes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	p, created, err := s.FindOrCreateProfile(ctx, "  Ghost_User ")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ghost_user", p.Username)
	assert.Nil(t, p.LastScrapedAt)

	again, created, err := s.FindOrCreateProfile(ctx, "GHOST_USER")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, again.ID)

	got, err := s.GetProfile(ctx, "ghost_user")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)

	missing, err := s.GetProfile(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testSelectDueOrderAndWindows(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	insert(t, s, "high_stale", 150000, ago(now, 30*time.Hour))
	insert(t, s, "high_fresh", 150000, ago(now, 10*time.Hour))
	insert(t, s, "std_stale", 5000, ago(now, 80*time.Hour))
	insert(t, s, "std_fresh", 5000, ago(now, 30*time.Hour))
	insert(t, s, "boundary", 100000, ago(now, 30*time.Hour)) // exactly 100000 is standard
	insert(t, s, "new_b", 0, nil)
	insert(t, s, "new_a", 0, nil)

	due, err := s.SelectDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"new_a", "new_b", "std_stale", "high_stale"}, usernames(due))
}

func testSelectDueLimit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	for _, name := range []string{"c", "a", "b"} {
		insert(t, s, "user_"+name, 0, nil)
	}

	due, err := s.SelectDue(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_a", "user_b"}, usernames(due))
}

func testApplyScrapeMergesNonNil(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := &storage.Profile{Username: "merge_me", Name: strPtr("Old Name"), Location: strPtr("Lisbon"), LikesCount: 10}
	require.NoError(t, s.InsertProfile(ctx, p))

	scrapedAt := time.Now().Truncate(time.Millisecond)
	err := s.ApplyScrape(ctx, p.ID, storage.ProfileFields{
		Name:       strPtr("New Name"),
		LikesCount: int64Ptr(42),
		IsVerified: boolPtr(true),
	}, scrapedAt)
	require.NoError(t, err)

	got, err := s.GetProfileByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "New Name", *got.Name)
	require.NotNil(t, got.Location)
	assert.Equal(t, "Lisbon", *got.Location)
	assert.Equal(t, int64(42), got.LikesCount)
	assert.True(t, got.IsVerified)
	require.NotNil(t, got.LastScrapedAt)
	assert.True(t, scrapedAt.Equal(*got.LastScrapedAt))

	err = s.ApplyScrape(ctx, 999999, storage.ProfileFields{}, scrapedAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCompleteScrapeRequiresRunning(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := &storage.Profile{Username: "owned", Name: strPtr("Before")}
	require.NoError(t, s.InsertProfile(ctx, p))
	now := time.Now().Truncate(time.Millisecond)
	fields := storage.ProfileFields{Name: strPtr("After"), LikesCount: int64Ptr(9)}
	payload := []byte(`{"name":"After"}`)

	a, err := s.CreatePendingAttempt(ctx, p.ID, now)
	require.NoError(t, err)

	// pending is not owned by any execution yet
	err = s.CompleteScrape(ctx, a.ID, p.ID, fields, payload, now)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, s.MarkAttemptRunning(ctx, a.ID, now))
	require.NoError(t, s.MarkAttemptFailed(ctx, a.ID, "abandoned", now))

	err = s.CompleteScrape(ctx, a.ID, p.ID, fields, payload, now)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := s.GetProfileByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Before", *got.Name)
	assert.Nil(t, got.LastScrapedAt)

	b, err := s.CreatePendingAttempt(ctx, p.ID, now)
	require.NoError(t, err)
	require.NoError(t, s.MarkAttemptRunning(ctx, b.ID, now))
	require.NoError(t, s.CompleteScrape(ctx, b.ID, p.ID, fields, payload, now))

	got, err = s.GetProfileByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "After", *got.Name)
	assert.Equal(t, int64(9), got.LikesCount)
	require.NotNil(t, got.LastScrapedAt)
	assert.True(t, now.Equal(*got.LastScrapedAt))

	done, err := s.GetAttempt(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, done.Status)
	assert.JSONEq(t, string(payload), string(done.ScrapedData))

	// a second completion of the same attempt is rejected
	err = s.CompleteScrape(ctx, b.ID, p.ID, storage.ProfileFields{Name: strPtr("Again")}, payload, now)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	err = s.CompleteScrape(ctx, 999999, p.ID, fields, payload, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentCreatePendingAttempt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := insert(t, s, "contended", 0, nil)
	now := time.Now()

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		inFlight int
		other    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.CreatePendingAttempt(ctx, p.ID, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, storage.ErrAttemptInFlight):
				inFlight++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, inFlight)

	history, err := s.ListAttempts(ctx, p.ID, workers)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testSingleActiveAttempt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := insert(t, s, "single", 0, nil)
	now := time.Now()

	first, err := s.CreatePendingAttempt(ctx, p.ID, now)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, first.Status)

	_, err = s.CreatePendingAttempt(ctx, p.ID, now)
	assert.ErrorIs(t, err, storage.ErrAttemptInFlight)

	require.NoError(t, s.MarkAttemptRunning(ctx, first.ID, now))
	_, err = s.CreatePendingAttempt(ctx, p.ID, now)
	assert.ErrorIs(t, err, storage.ErrAttemptInFlight)

	require.NoError(t, s.MarkAttemptFailed(ctx, first.ID, "boom", now))
	second, err := s.CreatePendingAttempt(ctx, p.ID, now)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = s.CreatePendingAttempt(ctx, 999999, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAttemptTransitions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := insert(t, s, "transitions", 0, nil)
	now := time.Now().Truncate(time.Millisecond)

	a, err := s.CreatePendingAttempt(ctx, p.ID, now)
	require.NoError(t, err)

	// pending cannot complete
	err = s.MarkAttemptCompleted(ctx, a.ID, []byte(`{}`), now)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, s.MarkAttemptRunning(ctx, a.ID, now))
	assert.ErrorIs(t, s.MarkAttemptRunning(ctx, a.ID, now), storage.ErrInvalidTransition)

	payload := json.RawMessage(`{"likes_count":5}`)
	require.NoError(t, s.MarkAttemptCompleted(ctx, a.ID, payload, now))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.JSONEq(t, string(payload), string(got.ScrapedData))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.MarkAttemptFailed(ctx, a.ID, "late", now), storage.ErrInvalidTransition)

	_, err = s.GetAttempt(ctx, 999999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.MarkAttemptRunning(ctx, 999999, now), storage.ErrNotFound)
}

func testAppendAttemptError(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := insert(t, s, "annotate", 0, nil)
	now := time.Now()

	a, err := s.CreatePendingAttempt(ctx, p.ID, now)
	require.NoError(t, err)

	assert.ErrorIs(t, s.AppendAttemptError(ctx, a.ID, "note"), storage.ErrInvalidTransition)

	require.NoError(t, s.MarkAttemptFailed(ctx, a.ID, "timeout", now))
	require.NoError(t, s.AppendAttemptError(ctx, a.ID, "failed permanently after 3 attempts: timeout"))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "timeout; failed permanently after 3 attempts: timeout", got.ErrorMessage)
}

func testLatestAndHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := insert(t, s, "history", 0, nil)
	now := time.Now()

	latest, err := s.LatestAttempt(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	var ids []int64
	for i := 0; i < 3; i++ {
		a, err := s.CreatePendingAttempt(ctx, p.ID, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, s.MarkAttemptFailed(ctx, a.ID, "boom", now))
		ids = append(ids, a.ID)
	}

	latest, err = s.LatestAttempt(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ids[2], latest.ID)

	history, err := s.ListAttempts(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)
}

func testFailStaleAttempts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	old := insert(t, s, "stale", 0, nil)
	fresh := insert(t, s, "fresh", 0, nil)

	stale, err := s.CreatePendingAttempt(ctx, old.ID, now.Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = s.CreatePendingAttempt(ctx, fresh.ID, now)
	require.NoError(t, err)

	n, err := s.FailStaleAttempts(ctx, now.Add(-2*time.Hour), "abandoned", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetAttempt(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "abandoned", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func testSearch(t *testing.T, s storage.Store) {
	ctx := context.Background()

	alice := &storage.Profile{Username: "alice", Name: strPtr("Alice Smith"), Bio: strPtr("Fitness coach"), LikesCount: 10}
	bob := &storage.Profile{Username: "bob_fit", Name: strPtr("Bob"), Bio: strPtr("fitness and food"), LikesCount: 500}
	carol := &storage.Profile{Username: "carol", Name: strPtr("Carol 100%"), LikesCount: 1}
	for _, p := range []*storage.Profile{alice, bob, carol} {
		require.NoError(t, s.InsertProfile(ctx, p))
		require.NoError(t, s.RefreshSearchIndex(ctx, p.ID))
	}

	found, err := s.SearchProfiles(ctx, "FITNESS", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob_fit", "alice"}, usernames(found))

	found, err = s.SearchProfiles(ctx, "fitness coach", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, usernames(found))

	found, err = s.SearchProfiles(ctx, "100%", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, usernames(found))

	found, err = s.SearchProfiles(ctx, "fitness", 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	// the index only reflects the last refresh
	require.NoError(t, s.ApplyScrape(ctx, alice.ID, storage.ProfileFields{Bio: strPtr("chef")}, time.Now()))
	found, err = s.SearchProfiles(ctx, "chef", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
	require.NoError(t, s.RefreshSearchIndex(ctx, alice.ID))
	found, err = s.SearchProfiles(ctx, "chef", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, usernames(found))

	assert.ErrorIs(t, s.RefreshSearchIndex(ctx, 999999), storage.ErrNotFound)
}

func testListProfiles(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, name := range []string{"delta", "alpha", "charlie", "bravo"} {
		insert(t, s, name, int64(i*10), nil)
	}

	page, total, err := s.ListProfiles(ctx, storage.ListOptions{Page: 1, Limit: 3, Sort: "username", Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, usernames(page))

	page, _, err = s.ListProfiles(ctx, storage.ListOptions{Page: 2, Limit: 3, Sort: "username", Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"delta"}, usernames(page))

	page, _, err = s.ListProfiles(ctx, storage.ListOptions{Sort: "likes_count", Order: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bravo", "charlie", "alpha", "delta"}, usernames(page))

	page, _, err = s.ListProfiles(ctx, storage.ListOptions{Page: 9, Limit: 3})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testListProfilesPageOverflow(t *testing.T, s storage.Store) {
	ctx := context.Background()
	insert(t, s, "only", 0, nil)

	maxInt := int(^uint(0) >> 1)
	for _, page := range []int{maxInt/2 + 1, maxInt, storage.MaxPage} {
		profiles, total, err := s.ListProfiles(ctx, storage.ListOptions{Page: page, Limit: 100})
		require.NoError(t, err, page)
		assert.Empty(t, profiles, page)
		assert.Equal(t, 1, total, page)
	}
}
