// Package schedule runs refresh cycles periodically, at most one at a time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/dispatch"
	"github.com/alvmarrod/profile-refresh/internal/selector"
)

// ErrCycleInProgress is returned by RunOnce when another cycle holds the lock
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

const lockName = "refresh-cycle"

// Options tunes the driver
type Options struct {
	Interval   time.Duration // between cycles, default 1h
	Limit      int           // candidates per cycle, default 100
	StaleAfter time.Duration // attempts idle longer are abandoned, default 2h
	LockTTL    time.Duration // lease duration, default Interval
}

// Driver runs reap, select and dispatch once per interval
type Driver struct {
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	locker     Locker
	opts       Options

	running sync.Mutex
}

// NewDriver creates a Driver. A nil locker means a LocalLocker.
func NewDriver(sel *selector.Selector, d *dispatch.Dispatcher, locker Locker, opts Options) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Interval
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Driver{selector: sel, dispatcher: d, locker: locker, opts: opts}
}

// RunOnce runs one cycle. Selector failures abort the cycle; task
// failures only show up in the report.
func (d *Driver) RunOnce(ctx context.Context) (dispatch.CycleReport, error) {
	if !d.running.TryLock() {
		return dispatch.CycleReport{}, ErrCycleInProgress
	}
	defer d.running.Unlock()

	ok, err := d.locker.TryLock(ctx, lockName, d.opts.LockTTL)
	if err != nil {
		return dispatch.CycleReport{}, fmt.Errorf("cycle lock: %w", err)
	}
	if !ok {
		return dispatch.CycleReport{}, ErrCycleInProgress
	}
	defer func() {
		if err := d.locker.Unlock(context.WithoutCancel(ctx), lockName); err != nil {
			logrus.Warnf("Failed to release cycle lock: %v", err)
		}
	}()

	if _, err := d.dispatcher.Tracker().ReapStale(ctx, d.opts.StaleAfter); err != nil {
		logrus.Warnf("Stale attempt reaper failed: %v", err)
	}

	candidates, err := d.selector.SelectDue(ctx, d.opts.Limit)
	if err != nil {
		return dispatch.CycleReport{}, err
	}

	return d.dispatcher.RunCycle(ctx, candidates)
}

// Run runs a cycle immediately and then every interval until ctx is done
func (d *Driver) Run(ctx context.Context) error {
	logrus.Infof("Refresh driver started, interval %v, limit %d", d.opts.Interval, d.opts.Limit)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		d.tick(ctx)

		select {
		case <-ctx.Done():
			logrus.Info("Refresh driver stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	report, err := d.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		logrus.Info("Refresh cycle skipped, another cycle is running")
	case errors.Is(err, context.Canceled):
	case err != nil:
		logrus.Errorf("Refresh cycle failed: %v", err)
	default:
		logrus.Infof("Refresh cycle queued %d (%d high, %d regular)", report.Queued, report.HighPriority, report.Regular)
	}
}
