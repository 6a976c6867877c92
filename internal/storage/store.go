package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a profile or attempt does not exist
	ErrNotFound = errors.New("not found")
	// ErrAttemptInFlight is returned when a profile already has a pending or running attempt
	ErrAttemptInFlight = errors.New("scrape attempt already in flight")
	// ErrInvalidTransition is returned when an attempt cannot move to the requested status
	ErrInvalidTransition = errors.New("invalid attempt status transition")
)

// Store is the persistence boundary of the refresh engine. Implementations:
// Storage (SQLite), Postgres, and memory.Store.
type Store interface {
	// GetProfile returns the profile or nil if it does not exist
	GetProfile(ctx context.Context, username string) (*Profile, error)
	// GetProfileByID returns the profile or nil if it does not exist
	GetProfileByID(ctx context.Context, id int64) (*Profile, error)
	// FindOrCreateProfile returns the profile, creating an empty one if needed
	FindOrCreateProfile(ctx context.Context, username string) (*Profile, bool, error)
	// InsertProfile inserts a fully populated profile and sets its ID
	InsertProfile(ctx context.Context, p *Profile) error
	// SelectDue returns profiles due for refresh at now, never-scraped first,
	// then oldest last_scraped_at, ties by username
	SelectDue(ctx context.Context, now time.Time, limit int) ([]*Profile, error)
	// ApplyScrape merges non-nil fields and stamps last_scraped_at
	ApplyScrape(ctx context.Context, profileID int64, fields ProfileFields, scrapedAt time.Time) error
	// RefreshSearchIndex rebuilds the search document of a profile
	RefreshSearchIndex(ctx context.Context, profileID int64) error
	// SearchProfiles returns profiles whose search document matches every term
	SearchProfiles(ctx context.Context, query string, limit int) ([]*Profile, error)
	// ListProfiles returns a page of profiles and the total count
	ListProfiles(ctx context.Context, opts ListOptions) ([]*Profile, int, error)

	// CreatePendingAttempt atomically creates a pending attempt, failing with
	// ErrAttemptInFlight if one is already pending or running
	CreatePendingAttempt(ctx context.Context, profileID int64, at time.Time) (*ScrapeAttempt, error)
	GetAttempt(ctx context.Context, id int64) (*ScrapeAttempt, error)
	MarkAttemptRunning(ctx context.Context, id int64, at time.Time) error
	MarkAttemptCompleted(ctx context.Context, id int64, payload []byte, at time.Time) error
	MarkAttemptFailed(ctx context.Context, id int64, message string, at time.Time) error
	// CompleteScrape atomically completes a running attempt and merges its
	// fields into the profile. If the attempt is no longer running it returns
	// ErrInvalidTransition and the profile is left untouched.
	CompleteScrape(ctx context.Context, attemptID, profileID int64, fields ProfileFields, payload []byte, at time.Time) error
	// AppendAttemptError appends a note to the message of a failed attempt
	AppendAttemptError(ctx context.Context, id int64, note string) error
	// LatestAttempt returns the most recently created attempt or nil
	LatestAttempt(ctx context.Context, profileID int64) (*ScrapeAttempt, error)
	// ListAttempts returns attempts newest first
	ListAttempts(ctx context.Context, profileID int64, limit int) ([]*ScrapeAttempt, error)
	// FailStaleAttempts fails pending/running attempts last touched before olderThan
	FailStaleAttempts(ctx context.Context, olderThan time.Time, message string, at time.Time) (int, error)

	Close() error
}
