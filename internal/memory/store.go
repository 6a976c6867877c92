package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/tier"
)

// Store holds profiles and scrape attempts in memory for fast access.
// It implements storage.Store and backs db_driver "memory" and tests.
type Store struct {
	profiles       map[string]*storage.Profile // username -> profile
	profilesByID   map[int64]*storage.Profile  // id -> profile
	attempts       map[int64]*storage.ScrapeAttempt
	attemptsByProf map[int64][]int64 // profile id -> attempt ids, oldest first
	search         map[int64]string  // profile id -> document
	profileCounter int64
	attemptCounter int64
	mu             sync.RWMutex
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		profiles:       make(map[string]*storage.Profile),
		profilesByID:   make(map[int64]*storage.Profile),
		attempts:       make(map[int64]*storage.ScrapeAttempt),
		attemptsByProf: make(map[int64][]int64),
		search:         make(map[int64]string),
	}
}

// GetStats returns the current profile and attempt counts
func (s *Store) GetStats() (profileCount, attemptCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.profiles), len(s.attempts)
}

func copyProfile(p *storage.Profile) *storage.Profile {
	c := *p
	return &c
}

func copyAttempt(a *storage.ScrapeAttempt) *storage.ScrapeAttempt {
	c := *a
	return &c
}

func (s *Store) GetProfile(_ context.Context, username string) (*storage.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, exists := s.profiles[storage.NormalizeUsername(username)]; exists {
		return copyProfile(p), nil
	}
	return nil, nil // Not found (matches storage behavior)
}

func (s *Store) GetProfileByID(_ context.Context, id int64) (*storage.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, exists := s.profilesByID[id]; exists {
		return copyProfile(p), nil
	}
	return nil, nil
}

func (s *Store) FindOrCreateProfile(_ context.Context, username string) (*storage.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = storage.NormalizeUsername(username)
	if p, exists := s.profiles[username]; exists {
		return copyProfile(p), false, nil
	}

	now := time.Now()
	p := &storage.Profile{Username: username, CreatedAt: now, UpdatedAt: now}
	s.insertLocked(p)
	return copyProfile(p), true, nil
}

func (s *Store) InsertProfile(_ context.Context, p *storage.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Username = storage.NormalizeUsername(p.Username)
	if _, exists := s.profiles[p.Username]; exists {
		return fmt.Errorf("profile %s already exists", p.Username)
	}
	if p.LikesCount < 0 || p.PostsCount < 0 || p.FollowersCount < 0 || p.FollowingCount < 0 {
		return fmt.Errorf("profile %s has negative counters", p.Username)
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	stored := copyProfile(p)
	s.insertLocked(stored)
	p.ID = stored.ID
	return nil
}

func (s *Store) insertLocked(p *storage.Profile) {
	s.profileCounter++
	p.ID = s.profileCounter
	s.profiles[p.Username] = p
	s.profilesByID[p.ID] = p
}

func (s *Store) SelectDue(_ context.Context, now time.Time, limit int) ([]*storage.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*storage.Profile
	for _, p := range s.profiles {
		if tier.IsDue(p.LastScrapedAt, p.LikesCount, now) {
			due = append(due, copyProfile(p))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].LastScrapedAt, due[j].LastScrapedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return due[i].Username < due[j].Username
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ApplyScrape(_ context.Context, profileID int64, f storage.ProfileFields, scrapedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.profilesByID[profileID]
	if !exists {
		return fmt.Errorf("profile %d: %w", profileID, storage.ErrNotFound)
	}

	f.ApplyTo(p)
	t := scrapedAt
	p.LastScrapedAt = &t
	p.UpdatedAt = time.Now()
	return nil
}

func (s *Store) RefreshSearchIndex(_ context.Context, profileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.profilesByID[profileID]
	if !exists {
		return fmt.Errorf("profile %d: %w", profileID, storage.ErrNotFound)
	}
	s.search[profileID] = storage.SearchDocument(p)
	return nil
}

func (s *Store) SearchProfiles(_ context.Context, query string, limit int) ([]*storage.Profile, error) {
	terms := storage.SearchTerms(query)
	results := []*storage.Profile{}
	if len(terms) == 0 {
		return results, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, doc := range s.search {
		matched := true
		for _, term := range terms {
			if !strings.Contains(doc, term) {
				matched = false
				break
			}
		}
		if matched {
			results = append(results, copyProfile(s.profilesByID[id]))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].LikesCount != results[j].LikesCount {
			return results[i].LikesCount > results[j].LikesCount
		}
		return results[i].Username < results[j].Username
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) ListProfiles(_ context.Context, opts storage.ListOptions) ([]*storage.Profile, int, error) {
	opts = opts.Normalize()

	s.mu.RLock()
	all := make([]*storage.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		all = append(all, copyProfile(p))
	}
	s.mu.RUnlock()

	less := profileLess(opts.Sort)
	sort.Slice(all, func(i, j int) bool {
		c := less(all[i], all[j])
		if c == 0 {
			return all[i].ID < all[j].ID
		}
		if opts.Order == "asc" {
			return c < 0
		}
		return c > 0
	})

	total := len(all)
	start := opts.Offset()
	if start < 0 || start >= total {
		return []*storage.Profile{}, total, nil
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// profileLess returns a three-way comparison on a sortable column; nulls sort lowest
func profileLess(column string) func(a, b *storage.Profile) int {
	cmpInt := func(x, y int64) int {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	cmpStr := func(x, y *string) int {
		switch {
		case x == nil && y == nil:
			return 0
		case x == nil:
			return -1
		case y == nil:
			return 1
		}
		return strings.Compare(*x, *y)
	}
	cmpTime := func(x, y *time.Time) int {
		switch {
		case x == nil && y == nil:
			return 0
		case x == nil:
			return -1
		case y == nil:
			return 1
		}
		return x.Compare(*y)
	}

	switch column {
	case "username":
		return func(a, b *storage.Profile) int { return strings.Compare(a.Username, b.Username) }
	case "name":
		return func(a, b *storage.Profile) int { return cmpStr(a.Name, b.Name) }
	case "likes_count":
		return func(a, b *storage.Profile) int { return cmpInt(a.LikesCount, b.LikesCount) }
	case "followers_count":
		return func(a, b *storage.Profile) int { return cmpInt(a.FollowersCount, b.FollowersCount) }
	case "last_scraped_at":
		return func(a, b *storage.Profile) int { return cmpTime(a.LastScrapedAt, b.LastScrapedAt) }
	default:
		return func(a, b *storage.Profile) int { return a.CreatedAt.Compare(b.CreatedAt) }
	}
}

func (s *Store) CreatePendingAttempt(_ context.Context, profileID int64, at time.Time) (*storage.ScrapeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profilesByID[profileID]; !exists {
		return nil, fmt.Errorf("profile %d: %w", profileID, storage.ErrNotFound)
	}
	for _, id := range s.attemptsByProf[profileID] {
		if !s.attempts[id].Status.Terminal() {
			return nil, fmt.Errorf("profile %d: %w", profileID, storage.ErrAttemptInFlight)
		}
	}

	s.attemptCounter++
	a := &storage.ScrapeAttempt{
		ID:        s.attemptCounter,
		ProfileID: profileID,
		Status:    storage.StatusPending,
		CreatedAt: at,
	}
	s.attempts[a.ID] = a
	s.attemptsByProf[profileID] = append(s.attemptsByProf[profileID], a.ID)
	return copyAttempt(a), nil
}

func (s *Store) GetAttempt(_ context.Context, id int64) (*storage.ScrapeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.attempts[id]
	if !exists {
		return nil, fmt.Errorf("attempt %d: %w", id, storage.ErrNotFound)
	}
	return copyAttempt(a), nil
}

// transition applies fn to the attempt if its status is one of from
func (s *Store) transition(id int64, to storage.AttemptStatus, from []storage.AttemptStatus, fn func(a *storage.ScrapeAttempt)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[id]
	if !exists {
		return fmt.Errorf("attempt %d: %w", id, storage.ErrNotFound)
	}
	for _, st := range from {
		if a.Status == st {
			fn(a)
			return nil
		}
	}
	return fmt.Errorf("attempt %d %s -> %s: %w", id, a.Status, to, storage.ErrInvalidTransition)
}

func (s *Store) MarkAttemptRunning(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, storage.StatusRunning, []storage.AttemptStatus{storage.StatusPending},
		func(a *storage.ScrapeAttempt) {
			a.Status = storage.StatusRunning
			a.StartedAt = &at
		})
}

func (s *Store) MarkAttemptCompleted(_ context.Context, id int64, payload []byte, at time.Time) error {
	return s.transition(id, storage.StatusCompleted, []storage.AttemptStatus{storage.StatusRunning},
		func(a *storage.ScrapeAttempt) {
			a.Status = storage.StatusCompleted
			a.ScrapedData = append([]byte(nil), payload...)
			a.CompletedAt = &at
		})
}

// CompleteScrape completes the running attempt and merges f under one lock
func (s *Store) CompleteScrape(_ context.Context, attemptID, profileID int64, f storage.ProfileFields, payload []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[attemptID]
	if !exists {
		return fmt.Errorf("attempt %d: %w", attemptID, storage.ErrNotFound)
	}
	if a.Status != storage.StatusRunning || a.ProfileID != profileID {
		return fmt.Errorf("attempt %d %s -> %s: %w", attemptID, a.Status, storage.StatusCompleted, storage.ErrInvalidTransition)
	}
	p, exists := s.profilesByID[profileID]
	if !exists {
		return fmt.Errorf("profile %d: %w", profileID, storage.ErrNotFound)
	}

	a.Status = storage.StatusCompleted
	a.ScrapedData = append([]byte(nil), payload...)
	a.CompletedAt = &at

	f.ApplyTo(p)
	t := at
	p.LastScrapedAt = &t
	p.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkAttemptFailed(_ context.Context, id int64, message string, at time.Time) error {
	return s.transition(id, storage.StatusFailed, []storage.AttemptStatus{storage.StatusPending, storage.StatusRunning},
		func(a *storage.ScrapeAttempt) {
			a.Status = storage.StatusFailed
			a.ErrorMessage = message
			a.CompletedAt = &at
		})
}

func (s *Store) AppendAttemptError(_ context.Context, id int64, note string) error {
	return s.transition(id, storage.StatusFailed, []storage.AttemptStatus{storage.StatusFailed},
		func(a *storage.ScrapeAttempt) {
			if a.ErrorMessage == "" {
				a.ErrorMessage = note
				return
			}
			a.ErrorMessage += "; " + note
		})
}

func (s *Store) LatestAttempt(_ context.Context, profileID int64) (*storage.ScrapeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.attemptsByProf[profileID]
	if len(ids) == 0 {
		return nil, nil
	}
	return copyAttempt(s.attempts[ids[len(ids)-1]]), nil
}

func (s *Store) ListAttempts(_ context.Context, profileID int64, limit int) ([]*storage.ScrapeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.attemptsByProf[profileID]
	var attempts []*storage.ScrapeAttempt
	for i := len(ids) - 1; i >= 0 && len(attempts) < limit; i-- {
		attempts = append(attempts, copyAttempt(s.attempts[ids[i]]))
	}
	return attempts, nil
}

func (s *Store) FailStaleAttempts(_ context.Context, olderThan time.Time, message string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for _, a := range s.attempts {
		if a.Status.Terminal() {
			continue
		}
		touched := a.CreatedAt
		if a.StartedAt != nil {
			touched = *a.StartedAt
		}
		if touched.Before(olderThan) {
			a.Status = storage.StatusFailed
			a.ErrorMessage = message
			completed := at
			a.CompletedAt = &completed
			reaped++
		}
	}
	return reaped, nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
