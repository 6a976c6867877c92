// Package executor fetches a profile from the upstream source and normalizes
// it. Implementations are chosen once at process wiring.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alvmarrod/profile-refresh/internal/storage"
)

var (
	// ErrUnavailable is returned when the upstream source cannot serve requests
	ErrUnavailable = errors.New("service unavailable")
	// ErrProfileNotFound is returned when the upstream has no such profile.
	// Retrying cannot help.
	ErrProfileNotFound = errors.New("profile not found upstream")
	// ErrTimeout is returned when a fetch exceeds its time budget
	ErrTimeout = errors.New("scrape timed out")
)

// Result is a normalized fetch: Fields for merging, Raw for the attempt record
type Result struct {
	Fields storage.ProfileFields
	Raw    json.RawMessage
}

// Executor is the scrape capability
type Executor interface {
	// IsAvailable reports whether Fetch can currently be served
	IsAvailable(ctx context.Context) bool
	// Fetch retrieves and normalizes one profile
	Fetch(ctx context.Context, username string) (*Result, error)
}

// IsPermanent reports whether err cannot be fixed by retrying
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}

// FetchWithTimeout bounds a fetch by timeout. On expiry the call is abandoned:
// its context is cancelled and its eventual result discarded.
func FetchWithTimeout(ctx context.Context, e Executor, username string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		return e.Fetch(ctx, username)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fetched struct {
		res *Result
		err error
	}
	done := make(chan fetched, 1)
	go func() {
		res, err := e.Fetch(ctx, username)
		done <- fetched{res, err}
	}()

	select {
	case f := <-done:
		return f.res, f.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}
