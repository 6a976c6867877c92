// Package tracker records the lifecycle of scrape attempts:
// pending -> running -> completed | failed. Transitions only move forward.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/storage"
)

// AbandonedMessage is written on attempts reaped after a crash or lost task
const AbandonedMessage = "abandoned: attempt did not finish"

// Tracker owns scrape attempt state on top of a store
type Tracker struct {
	store storage.Store
	now   func() time.Time
}

// New creates a Tracker
func New(store storage.Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// WithClock replaces the time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Open creates a pending attempt. Fails with storage.ErrAttemptInFlight if the
// profile already has one pending or running.
func (t *Tracker) Open(ctx context.Context, profileID int64) (*storage.ScrapeAttempt, error) {
	a, err := t.store.CreatePendingAttempt(ctx, profileID, t.now())
	if err != nil {
		return nil, fmt.Errorf("open attempt: %w", err)
	}
	return a, nil
}

// MarkStarted moves a pending attempt to running
func (t *Tracker) MarkStarted(ctx context.Context, id int64) error {
	if err := t.store.MarkAttemptRunning(ctx, id, t.now()); err != nil {
		return fmt.Errorf("mark attempt started: %w", err)
	}
	return nil
}

// MarkCompleted stores the raw payload and closes the attempt
func (t *Tracker) MarkCompleted(ctx context.Context, id int64, payload []byte) error {
	if err := t.store.MarkAttemptCompleted(ctx, id, payload, t.now()); err != nil {
		return fmt.Errorf("mark attempt completed: %w", err)
	}
	return nil
}

// Complete closes a running attempt and merges fields into its profile.
// It fails with storage.ErrInvalidTransition once the attempt is no longer running.
func (t *Tracker) Complete(ctx context.Context, id, profileID int64, fields storage.ProfileFields, payload []byte) error {
	if err := t.store.CompleteScrape(ctx, id, profileID, fields, payload, t.now()); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	return nil
}

// MarkFailed closes a pending or running attempt with reason
func (t *Tracker) MarkFailed(ctx context.Context, id int64, reason string) error {
	if err := t.store.MarkAttemptFailed(ctx, id, reason, t.now()); err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	return nil
}

// Annotate appends a note to an already failed attempt
func (t *Tracker) Annotate(ctx context.Context, id int64, note string) error {
	if err := t.store.AppendAttemptError(ctx, id, note); err != nil {
		return fmt.Errorf("annotate attempt: %w", err)
	}
	return nil
}

// Get returns an attempt by id
func (t *Tracker) Get(ctx context.Context, id int64) (*storage.ScrapeAttempt, error) {
	a, err := t.store.GetAttempt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// Latest returns the most recently created attempt of a profile, or nil
func (t *Tracker) Latest(ctx context.Context, profileID int64) (*storage.ScrapeAttempt, error) {
	a, err := t.store.LatestAttempt(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("latest attempt: %w", err)
	}
	return a, nil
}

// History returns up to limit attempts, newest first
func (t *Tracker) History(ctx context.Context, profileID int64, limit int) ([]*storage.ScrapeAttempt, error) {
	attempts, err := t.store.ListAttempts(ctx, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("attempt history: %w", err)
	}
	return attempts, nil
}

// ReapStale fails pending or running attempts not touched within olderThan
func (t *Tracker) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := t.now()
	n, err := t.store.FailStaleAttempts(ctx, now.Add(-olderThan), AbandonedMessage, now)
	if err != nil {
		return 0, fmt.Errorf("reap stale attempts: %w", err)
	}
	if n > 0 {
		logrus.Warnf("Reaped %d stale scrape attempts older than %v", n, olderThan)
	}
	return n, nil
}
