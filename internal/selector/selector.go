// Package selector picks the profiles that are due for a refresh.
package selector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/tier"
)

// ErrInvalidLimit is returned when SelectDue is called with a non-positive limit
var ErrInvalidLimit = errors.New("limit must be positive")

// Selector reads due profiles from a store. It never writes.
type Selector struct {
	store storage.Store
	now   func() time.Time
}

// New creates a Selector over store
func New(store storage.Store) *Selector {
	return &Selector{store: store, now: time.Now}
}

// WithClock replaces the time source
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// SelectDue returns at most limit due profiles: never-scraped first, then by
// oldest last scrape, ties broken by username.
func (s *Selector) SelectDue(ctx context.Context, limit int) ([]*storage.Profile, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("select due (limit=%d): %w", limit, ErrInvalidLimit)
	}

	profiles, err := s.store.SelectDue(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due profiles: %w", err)
	}

	high := 0
	for _, p := range profiles {
		if tier.Of(p.LikesCount) == tier.High {
			high++
		}
	}
	logrus.WithFields(logrus.Fields{
		"limit": limit,
		"due":   len(profiles),
		"high":  high,
	}).Debug("Selected due profiles")

	return profiles, nil
}
