package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory implements a thread-safe in-process queue with deferred visibility
type Memory struct {
	mu         sync.Mutex
	items      []*Job
	visible    map[string]time.Time // id -> visible at
	visibility time.Duration
	stopped    bool
	now        func() time.Time
}

// NewMemory creates a new in-memory queue
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Memory{
		items:      make([]*Job, 0),
		visible:    make(map[string]time.Time),
		visibility: visibility,
		now:        time.Now,
	}
}

// WithClock replaces the time source
func (q *Memory) WithClock(now func() time.Time) *Memory {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
	return q
}

// Publish adds a job unless one with the same id is queued
func (q *Memory) Publish(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Don't accept new jobs if stopped
	if q.stopped {
		return ErrStopped
	}
	if _, exists := q.visible[job.ID]; exists {
		return fmt.Errorf("job %s already queued", job.ID)
	}

	now := q.now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.Deliveries = 0
	job.Payload = append([]byte(nil), job.Payload...)

	q.items = append(q.items, &job)
	q.visible[job.ID] = job.RunAt
	return nil
}

// Claim returns the job with the earliest visibility that is due, or nil
func (q *Memory) Claim(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *Job
	for _, j := range q.items {
		at := q.visible[j.ID]
		if at.After(now) {
			continue
		}
		if next == nil || at.Before(q.visible[next.ID]) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Deliveries++
	q.visible[next.ID] = now.Add(q.visibility)

	claimed := *next
	claimed.Payload = append([]byte(nil), next.Payload...)
	return &claimed, nil
}

// Ack removes the job
func (q *Memory) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.items {
		if j.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.visible, id)
	return nil
}

// Retry replaces the payload and hides the job until runAt
func (q *Memory) Retry(_ context.Context, id string, payload []byte, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range q.items {
		if j.ID == id {
			j.Payload = append([]byte(nil), payload...)
			j.RunAt = runAt
			q.visible[id] = runAt
			return nil
		}
	}
	return fmt.Errorf("job %s not found", id)
}

// Extend pushes the visibility of a queued job to now plus the visibility timeout
func (q *Memory) Extend(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.visible[id]; !exists {
		return fmt.Errorf("job %s not found", id)
	}
	q.visible[id] = q.now().Add(q.visibility)
	return nil
}

// Visibility returns the claim visibility timeout
func (q *Memory) Visibility() time.Duration { return q.visibility }

// Len returns the current number of jobs in the queue
func (q *Memory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Stop makes the queue reject new jobs; queued jobs can still be claimed
func (q *Memory) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
}

// Close stops the queue
func (q *Memory) Close() error {
	q.Stop()
	return nil
}

var _ Queue = (*Memory)(nil)
