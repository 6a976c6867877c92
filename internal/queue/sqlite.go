package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a visibility-timeout queue stored in a SQLite table. It also
// carries named leases used to keep a single active scheduler.
type SQLite struct {
	db         *sql.DB
	name       string
	visibility time.Duration
	ownsDB     bool
	now        func() time.Time
}

// Options configures a SQLite queue
type Options struct {
	// Name is the logical queue; several queues can share the table
	Name string
	// Visibility is how long a claimed job stays hidden. Default DefaultVisibility.
	Visibility time.Duration
}

// OpenSQLite opens (or creates) a queue database at path
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	q, err := NewSQLite(context.Background(), db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// NewSQLite creates a queue on an existing handle and ensures its tables
func NewSQLite(ctx context.Context, db *sql.DB, opts Options) (*SQLite, error) {
	if opts.Visibility <= 0 {
		opts.Visibility = DefaultVisibility
	}
	q := &SQLite{db: db, name: opts.Name, visibility: opts.Visibility, now: time.Now}
	if err := q.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return q, nil
}

func (q *SQLite) ensureTables(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			deliveries  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_jobs (queue, visible_at);

		CREATE TABLE IF NOT EXISTS queue_leases (
			name        TEXT PRIMARY KEY,
			holder      TEXT NOT NULL,
			expires_at  INTEGER NOT NULL
		);
	`)
	return err
}

// Publish inserts a job hidden until job.RunAt
func (q *SQLite) Publish(ctx context.Context, job Job) error {
	now := q.now()
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, visible_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, q.name, job.Payload, runAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	return nil
}

// Claim atomically picks the oldest visible job and hides it for the visibility timeout
func (q *SQLite) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	hideUntil := now.Add(q.visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, payload, visible_at, created_at, deliveries`,
		hideUntil, q.name, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Payload, &visAt, &creAt, &j.Deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	j.RunAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a processed job
func (q *SQLite) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ? AND queue = ?`, id, q.name)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, err)
	}
	return nil
}

// Retry stores the new payload and hides the job until runAt
func (q *SQLite) Retry(ctx context.Context, id string, payload []byte, runAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET payload = ?, visible_at = ? WHERE id = ? AND queue = ?`,
		payload, runAt.UnixMilli(), id, q.name,
	)
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	return nil
}

// Extend pushes the visibility timeout forward for a job still being processed
func (q *SQLite) Extend(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.now().Add(q.visibility).UnixMilli(), id, q.name,
	)
	if err != nil {
		return fmt.Errorf("failed to extend job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// Visibility returns the claim visibility timeout
func (q *SQLite) Visibility() time.Duration { return q.visibility }

// Len returns the total number of jobs in the queue
func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// TryAcquireLease takes or renews the named lease for holder. It returns
// false while another holder's lease is unexpired.
func (q *SQLite) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE queue_leases.expires_at <= ? OR queue_leases.holder = excluded.holder
	`, name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if holder still owns it
func (q *SQLite) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Close closes the database if the queue opened it
func (q *SQLite) Close() error {
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

var _ Queue = (*SQLite)(nil)
