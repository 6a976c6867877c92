// Package dispatch submits due profiles to the task queue and executes
// scrape tasks with retry, backoff and terminal-failure handling.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/executor"
	"github.com/alvmarrod/profile-refresh/internal/metrics"
	"github.com/alvmarrod/profile-refresh/internal/queue"
	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/tier"
	"github.com/alvmarrod/profile-refresh/internal/tracker"
)

// Options tunes submission and execution
type Options struct {
	MaxAttempts  int           // executions per task, default 3
	RetryBackoff time.Duration // wait before the 2nd execution, doubled after, default 10s
	TaskTimeout  time.Duration // fetch budget, default 120s
	MinDelay     time.Duration // standard-tier submission delay bounds, whole minutes
	MaxDelay     time.Duration
}

// DefaultOptions returns the production settings
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Second,
		TaskTimeout:  120 * time.Second,
		MinDelay:     time.Minute,
		MaxDelay:     30 * time.Minute,
	}
}

// CycleReport summarizes one RunCycle
type CycleReport struct {
	Queued       int `json:"queued"`
	HighPriority int `json:"high_priority"`
	Regular      int `json:"regular"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// ManualResult is returned by TriggerManual
type ManualResult struct {
	Username      string    `json:"username"`
	ProfileExists bool      `json:"profile_exists"`
	AttemptID     int64     `json:"attempt_id"`
	QueuedAt      time.Time `json:"queued_at"`
}

// Dispatcher owns task submission and execution
type Dispatcher struct {
	store   storage.Store
	tracker *tracker.Tracker
	queue   queue.Queue
	exec    executor.Executor
	metrics *metrics.Tracker
	opts    Options

	now   func() time.Time
	delay func() time.Duration
	newID func() string
}

// New creates a Dispatcher. m may be nil.
func New(store storage.Store, q queue.Queue, exec executor.Executor, opts Options, m *metrics.Tracker) *Dispatcher {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = def.TaskTimeout
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = def.MinDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}

	d := &Dispatcher{
		store:   store,
		tracker: tracker.New(store),
		queue:   q,
		exec:    exec,
		metrics: m,
		opts:    opts,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	d.delay = d.randomDelay
	return d
}

// WithClock replaces the time source of the dispatcher and its tracker
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	d.tracker.WithClock(now)
	return d
}

// WithDelay replaces the standard-tier delay source
func (d *Dispatcher) WithDelay(delay func() time.Duration) *Dispatcher {
	d.delay = delay
	return d
}

// Tracker exposes the attempt tracker used by the dispatcher
func (d *Dispatcher) Tracker() *tracker.Tracker {
	return d.tracker
}

// randomDelay picks a uniform whole number of minutes in [MinDelay, MaxDelay]
func (d *Dispatcher) randomDelay() time.Duration {
	lo := int(d.opts.MinDelay / time.Minute)
	hi := int(d.opts.MaxDelay / time.Minute)
	if hi <= lo {
		return time.Duration(lo) * time.Minute
	}
	return time.Duration(lo+rand.IntN(hi-lo+1)) * time.Minute
}

// backoff returns the wait after the n-th failed execution
func (d *Dispatcher) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return d.opts.RetryBackoff * time.Duration(1<<uint(n-1))
}

// RunCycle submits candidates in order: High tier immediately, Standard tier
// after a random delay. A task failure never aborts the cycle.
func (d *Dispatcher) RunCycle(ctx context.Context, candidates []*storage.Profile) (CycleReport, error) {
	var report CycleReport

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			d.metrics.RecordCycle(report.HighPriority, report.Regular, report.Skipped)
			return report, err
		}

		t := tier.Of(p.LikesCount)
		runAt := d.now()
		if t == tier.Standard {
			runAt = runAt.Add(d.delay())
		}

		_, err := d.Submit(ctx, p, runAt)
		switch {
		case errors.Is(err, storage.ErrAttemptInFlight):
			report.Skipped++
			logrus.WithField("username", p.Username).Info("Scrape already in flight, skipping")
			continue
		case err != nil:
			report.Errors++
			logrus.WithField("username", p.Username).Errorf("Failed to submit scrape: %v", err)
			continue
		}

		report.Queued++
		if t == tier.High {
			report.HighPriority++
		} else {
			report.Regular++
		}
	}

	d.metrics.RecordCycle(report.HighPriority, report.Regular, report.Skipped)
	logrus.WithFields(logrus.Fields{
		"queued":  report.Queued,
		"high":    report.HighPriority,
		"regular": report.Regular,
		"skipped": report.Skipped,
		"errors":  report.Errors,
	}).Info("Refresh cycle dispatched")

	return report, nil
}

// Submit opens a pending attempt and publishes its task to run at runAt.
// Returns storage.ErrAttemptInFlight if the profile already has an active attempt.
func (d *Dispatcher) Submit(ctx context.Context, p *storage.Profile, runAt time.Time) (*Task, error) {
	return d.submit(ctx, p, runAt, false)
}

func (d *Dispatcher) submit(ctx context.Context, p *storage.Profile, runAt time.Time, manual bool) (*Task, error) {
	attempt, err := d.tracker.Open(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:        d.newID(),
		ProfileID: p.ID,
		Username:  p.Username,
		AttemptID: attempt.ID,
		Attempt:   1,
		Manual:    manual,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	if err := d.queue.Publish(ctx, queue.Job{ID: task.ID, Payload: payload, RunAt: runAt}); err != nil {
		// release the slot so the profile is not blocked until the reaper runs
		if ferr := d.tracker.MarkFailed(ctx, attempt.ID, "enqueue failed: "+err.Error()); ferr != nil {
			logrus.Warnf("Failed to close attempt %d after enqueue error: %v", attempt.ID, ferr)
		}
		return nil, fmt.Errorf("enqueue scrape for %s: %w", p.Username, err)
	}

	logrus.WithFields(logrus.Fields{
		"username":   p.Username,
		"task_id":    task.ID,
		"attempt_id": attempt.ID,
		"run_at":     runAt.Format(time.RFC3339),
	}).Debug("Scrape submitted")
	return task, nil
}

// TriggerManual submits an immediate scrape, creating the profile if needed
func (d *Dispatcher) TriggerManual(ctx context.Context, username string) (*ManualResult, error) {
	p, created, err := d.store.FindOrCreateProfile(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("find or create profile: %w", err)
	}

	queuedAt := d.now()
	task, err := d.submit(ctx, p, queuedAt, true)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"username":       p.Username,
		"profile_exists": !created,
	}).Info("Manual scrape queued")

	return &ManualResult{
		Username:      p.Username,
		ProfileExists: !created,
		AttemptID:     task.AttemptID,
		QueuedAt:      queuedAt,
	}, nil
}

// Execute runs one execution of a task against its pending attempt
func (d *Dispatcher) Execute(ctx context.Context, task Task) Outcome {
	log := logrus.WithFields(logrus.Fields{
		"username":   task.Username,
		"attempt_id": task.AttemptID,
		"attempt":    task.Attempt,
	})

	attempt, err := d.tracker.Get(ctx, task.AttemptID)
	if err != nil {
		return retryable(err)
	}
	switch attempt.Status {
	case storage.StatusPending:
	case storage.StatusCompleted:
		return succeeded(attempt.ScrapedData)
	case storage.StatusRunning:
		// redelivered after the previous holder vanished mid-run
		if err := d.tracker.MarkFailed(ctx, attempt.ID, tracker.AbandonedMessage); err != nil {
			return lost(err)
		}
		return retryable(errors.New(tracker.AbandonedMessage))
	default:
		return retryable(fmt.Errorf("attempt %d already %s: %s", attempt.ID, attempt.Status, attempt.ErrorMessage))
	}

	if err := d.tracker.MarkStarted(ctx, attempt.ID); err != nil {
		return lost(err)
	}

	fail := func(err error) Outcome {
		if ferr := d.tracker.MarkFailed(ctx, attempt.ID, err.Error()); ferr != nil {
			if errors.Is(ferr, storage.ErrInvalidTransition) {
				log.Warn("Attempt taken over by a newer execution, discarding failure")
				return superseded(ferr)
			}
			log.Errorf("Failed to record attempt failure: %v", ferr)
		}
		if executor.IsPermanent(err) {
			return permanent(err)
		}
		return retryable(err)
	}

	stop := d.keepClaimed(ctx, task.ID)
	res, err := d.fetch(ctx, task.Username, log)
	stop()
	if err != nil {
		return fail(err)
	}

	// only the execution still holding the running attempt may touch the profile
	err = d.tracker.Complete(ctx, attempt.ID, task.ProfileID, res.Fields, res.Raw)
	if errors.Is(err, storage.ErrInvalidTransition) {
		log.Warn("Attempt taken over by a newer execution, discarding scrape")
		return superseded(err)
	}
	if err != nil {
		return fail(fmt.Errorf("apply scrape: %w", err))
	}
	if err := d.store.RefreshSearchIndex(ctx, task.ProfileID); err != nil {
		log.Warnf("Failed to refresh search index: %v", err)
	}

	log.Info("Profile scraped")
	return succeeded(res.Raw)
}

func (d *Dispatcher) fetch(ctx context.Context, username string, log *logrus.Entry) (*executor.Result, error) {
	if !d.exec.IsAvailable(ctx) {
		log.Warn("Scraper service unavailable")
		return nil, executor.ErrUnavailable
	}

	started := time.Now()
	res, err := executor.FetchWithTimeout(ctx, d.exec, username, d.opts.TaskTimeout)
	d.metrics.RecordFetchTime(time.Since(started))
	if err != nil {
		log.Warnf("Scrape failed: %v", err)
		return nil, err
	}
	return res, nil
}

// keepClaimed extends the job's visibility every half timeout until stop is called
func (d *Dispatcher) keepClaimed(ctx context.Context, jobID string) (stop func()) {
	interval := d.queue.Visibility() / 2
	if interval <= 0 || jobID == "" {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.queue.Extend(ctx, jobID); err != nil {
					logrus.WithField("task_id", jobID).Debugf("Failed to extend visibility: %v", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// lost classifies a failed attempt transition at the start of an execution
func lost(err error) Outcome {
	if errors.Is(err, storage.ErrInvalidTransition) {
		return superseded(err)
	}
	return retryable(err)
}

// Handle is the queue handler: it executes the task and then acks it,
// schedules the next execution, or records the permanent failure.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var task Task
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		logrus.Errorf("Dropping undecodable task %s: %v", job.ID, err)
		return d.queue.Ack(ctx, job.ID)
	}

	out := d.Execute(ctx, task)
	switch {
	case out.Kind == OutcomeSuperseded:
		// the redelivered copy of this job decides whether to ack or retry
		logrus.WithField("username", task.Username).Infof("Execution superseded: %v", out.Err)
		return nil
	case out.Kind == OutcomeOK:
		d.metrics.IncrementCompleted()
		return d.queue.Ack(ctx, job.ID)
	case out.Kind == OutcomeRetryable && task.Attempt < d.opts.MaxAttempts:
		return d.retry(ctx, job, task, out.Err)
	default:
		return d.giveUp(ctx, job, task, out.Err)
	}
}

func (d *Dispatcher) retry(ctx context.Context, job *queue.Job, task Task, cause error) error {
	next, err := d.tracker.Open(ctx, task.ProfileID)
	if errors.Is(err, storage.ErrAttemptInFlight) {
		// another submission owns the profile now
		logrus.WithField("username", task.Username).Info("Newer scrape in flight, dropping retry")
		return d.queue.Ack(ctx, job.ID)
	}
	if err != nil {
		return err
	}

	wait := d.backoff(task.Attempt)
	task.Attempt++
	task.AttemptID = next.ID

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := d.queue.Retry(ctx, job.ID, payload, d.now().Add(wait)); err != nil {
		return err
	}

	d.metrics.IncrementRetried()
	logrus.WithFields(logrus.Fields{
		"username": task.Username,
		"attempt":  task.Attempt,
		"backoff":  wait,
	}).Warnf("Scrape failed, retrying: %v", cause)
	return nil
}

// giveUp annotates the profile's latest attempt. The profile stays due.
func (d *Dispatcher) giveUp(ctx context.Context, job *queue.Job, task Task, cause error) error {
	msg := fmt.Sprintf("failed permanently after %d attempts: %v", task.Attempt, cause)

	latest, err := d.tracker.Latest(ctx, task.ProfileID)
	if err != nil {
		return err
	}
	if latest != nil {
		switch latest.Status {
		case storage.StatusPending, storage.StatusRunning:
			err = d.tracker.MarkFailed(ctx, latest.ID, msg)
		case storage.StatusFailed:
			err = d.tracker.Annotate(ctx, latest.ID, msg)
		}
		if err != nil {
			return err
		}
	}

	d.metrics.IncrementPermanentFailures()
	logrus.WithField("username", task.Username).Errorf("Scrape %s", msg)
	return d.queue.Ack(ctx, job.ID)
}
