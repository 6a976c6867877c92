// Package queue provides deferred task queues. A published job stays
// invisible until its RunAt; a claimed job stays invisible for the
// visibility timeout and reappears if it is neither acked nor retried.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Publish after the queue has been stopped
var ErrStopped = errors.New("queue stopped")

// Job is a unit of deferred work
type Job struct {
	ID         string
	Payload    []byte
	RunAt      time.Time
	CreatedAt  time.Time
	Deliveries int
}

// Queue is implemented by SQLite and Memory
type Queue interface {
	// Publish enqueues a job that becomes visible at job.RunAt
	Publish(ctx context.Context, job Job) error
	// Claim returns the oldest visible job, or nil if none is visible
	Claim(ctx context.Context) (*Job, error)
	// Ack removes a processed job
	Ack(ctx context.Context, id string) error
	// Retry replaces the payload of a claimed job and reschedules it at runAt
	Retry(ctx context.Context, id string, payload []byte, runAt time.Time) error
	// Extend hides a claimed job for another visibility period
	Extend(ctx context.Context, id string) error
	// Visibility returns how long a claimed job stays hidden
	Visibility() time.Duration
	// Len returns the number of jobs, visible or not
	Len(ctx context.Context) (int, error)
	Close() error
}

// DefaultVisibility is how long a claimed job stays hidden
const DefaultVisibility = 5 * time.Minute
