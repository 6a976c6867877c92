package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func queues(t *testing.T) map[string]func(c *clock) Queue {
	return map[string]func(c *clock) Queue{
		"memory": func(c *clock) Queue {
			return NewMemory(time.Minute).WithClock(c.now)
		},
		"sqlite": func(c *clock) Queue {
			q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), Options{Visibility: time.Minute})
			require.NoError(t, err)
			q.now = c.now
			t.Cleanup(func() { q.Close() })
			return q
		},
	}
}

func TestQueue_DeferredVisibility(t *testing.T) {
	for name, newQueue := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(c)

			require.NoError(t, q.Publish(ctx, Job{ID: "later", Payload: []byte("b"), RunAt: c.t.Add(10 * time.Minute)}))
			require.NoError(t, q.Publish(ctx, Job{ID: "now", Payload: []byte("a")}))

			job, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, "now", job.ID)
			assert.Equal(t, []byte("a"), job.Payload)
			assert.Equal(t, 1, job.Deliveries)

			job, err = q.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, job, "delayed job must stay hidden")

			c.advance(10 * time.Minute)
			job, err = q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, "later", job.ID)

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestQueue_AckAndRedelivery(t *testing.T) {
	for name, newQueue := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(c)

			require.NoError(t, q.Publish(ctx, Job{ID: "j1", Payload: []byte("x")}))
			job, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)

			// not acked: reappears after the visibility timeout
			c.advance(2 * time.Minute)
			again, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, 2, again.Deliveries)

			require.NoError(t, q.Ack(ctx, "j1"))
			c.advance(2 * time.Minute)
			gone, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, gone)

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestQueue_Retry(t *testing.T) {
	for name, newQueue := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(c)

			require.NoError(t, q.Publish(ctx, Job{ID: "r", Payload: []byte("v1")}))
			_, err := q.Claim(ctx)
			require.NoError(t, err)

			require.NoError(t, q.Retry(ctx, "r", []byte("v2"), c.t.Add(20*time.Second)))

			job, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, job)

			c.advance(20 * time.Second)
			job, err = q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, []byte("v2"), job.Payload)
		})
	}
}

func TestSQLite_Leases(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), Options{})
	require.NoError(t, err)
	defer q.Close()
	q.now = c.now

	ok, err := q.TryAcquireLease(ctx, "cycle", "node-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.TryAcquireLease(ctx, "cycle", "node-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// the holder can renew
	ok, err = q.TryAcquireLease(ctx, "cycle", "node-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	c.advance(2 * time.Hour)
	ok, err = q.TryAcquireLease(ctx, "cycle", "node-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale holder cannot release someone else's lease
	require.NoError(t, q.ReleaseLease(ctx, "cycle", "node-a"))
	ok, err = q.TryAcquireLease(ctx, "cycle", "node-a", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.ReleaseLease(ctx, "cycle", "node-b"))
	ok, err = q.TryAcquireLease(ctx, "cycle", "node-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_StopRejectsPublish(t *testing.T) {
	q := NewMemory(0)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, Job{ID: "a"}))
	assert.Error(t, q.Publish(ctx, Job{ID: "a"}), "duplicate id")

	q.Stop()
	assert.ErrorIs(t, q.Publish(ctx, Job{ID: "b"}), ErrStopped)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.ID)
}

func TestQueue_Extend(t *testing.T) {
	for name, newQueue := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(c)
			assert.Equal(t, time.Minute, q.Visibility())

			require.NoError(t, q.Publish(ctx, Job{ID: "long", Payload: []byte("x")}))
			job, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)

			c.advance(50 * time.Second)
			require.NoError(t, q.Extend(ctx, "long"))

			// would have reappeared at 60s without the extension
			c.advance(50 * time.Second)
			hidden, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, hidden)

			c.advance(10 * time.Second)
			again, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, 2, again.Deliveries)

			assert.Error(t, q.Extend(ctx, "missing"))
		})
	}
}
