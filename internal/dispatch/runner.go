package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/queue"
)

// HandlerFunc processes a claimed job. A returned error leaves the job to
// reappear after the queue's visibility timeout.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Runner is a fixed pool of workers polling a queue
type Runner struct {
	queue    queue.Queue
	handler  HandlerFunc
	workers  int
	poll     time.Duration
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a worker pool; it does not start it
func NewRunner(q queue.Queue, handler HandlerFunc, workers int, poll time.Duration) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Runner{
		queue:    q,
		handler:  handler,
		workers:  workers,
		poll:     poll,
		stopChan: make(chan struct{}),
	}
}

// Start begins the workers. In-flight tasks are not cancelled when ctx is;
// they finish unless Stop times out.
func (r *Runner) Start(ctx context.Context) {
	logrus.Infof("Starting %d scrape workers", r.workers)

	taskCtx := context.WithoutCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(taskCtx, i+1)
	}
}

// Run starts the workers and blocks until ctx is done, then stops them
func (r *Runner) Run(ctx context.Context, stopTimeout time.Duration) error {
	r.Start(ctx)
	<-ctx.Done()
	r.Stop(stopTimeout)
	return nil
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	logrus.Debugf("Worker %d started", id)

	for {
		select {
		case <-r.stopChan:
			logrus.Debugf("Worker %d received stop signal", id)
			return
		default:
		}

		job, err := r.queue.Claim(ctx)
		if err != nil {
			logrus.Warnf("Worker %d: claim failed: %v", id, err)
		}
		if job == nil {
			select {
			case <-r.stopChan:
				logrus.Debugf("Worker %d received stop signal", id)
				return
			case <-time.After(r.poll):
			}
			continue
		}

		start := time.Now()
		if err := r.safeExecute(ctx, job); err != nil {
			logrus.WithFields(logrus.Fields{
				"worker":     id,
				"job_id":     job.ID,
				"deliveries": job.Deliveries,
				"duration":   time.Since(start),
			}).Errorf("Task failed: %v", err)
		}
	}
}

// safeExecute runs the handler with panic recovery
func (r *Runner) safeExecute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return r.handler(ctx, job)
}

// Stop signals workers and waits up to timeout (safe to call multiple times)
func (r *Runner) Stop(timeout time.Duration) {
	r.stopOnce.Do(func() {
		logrus.Info("Stopping scrape workers...")
		close(r.stopChan)

		workersDone := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(workersDone)
		}()

		select {
		case <-workersDone:
			logrus.Info("All scrape workers stopped")
		case <-time.After(timeout):
			logrus.Warnf("Workers timeout (%v) - abandoning in-flight scrapes", timeout)
		}
	})
}
