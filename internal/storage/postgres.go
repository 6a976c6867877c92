package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alvmarrod/profile-refresh/internal/tier"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the schema if needed
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (s *Postgres) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS profiles (
		id BIGSERIAL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		name TEXT,
		bio TEXT,
		avatar_url TEXT,
		cover_url TEXT,
		likes_count BIGINT NOT NULL DEFAULT 0 CHECK (likes_count >= 0),
		posts_count BIGINT NOT NULL DEFAULT 0 CHECK (posts_count >= 0),
		followers_count BIGINT NOT NULL DEFAULT 0 CHECK (followers_count >= 0),
		following_count BIGINT NOT NULL DEFAULT 0 CHECK (following_count >= 0),
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		location TEXT,
		joined_date TEXT,
		last_scraped_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS profile_scrapes (
		id BIGSERIAL PRIMARY KEY,
		profile_id BIGINT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		scraped_data JSONB,
		error_message TEXT,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS profiles_search (
		profile_id BIGINT PRIMARY KEY REFERENCES profiles(id) ON DELETE CASCADE,
		document TEXT NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_likes ON profiles(likes_count);
	CREATE INDEX IF NOT EXISTS idx_profiles_last_scraped ON profiles(last_scraped_at);
	CREATE INDEX IF NOT EXISTS idx_scrapes_profile_status ON profile_scrapes(profile_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scrapes_one_active
		ON profile_scrapes(profile_id) WHERE status IN ('pending', 'running');
	`)
	return err
}

func pgScanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Username, &p.Name, &p.Bio, &p.AvatarURL, &p.CoverURL,
		&p.LikesCount, &p.PostsCount, &p.FollowersCount, &p.FollowingCount,
		&p.IsVerified, &p.IsOnline, &p.Location, &p.JoinedDate,
		&p.LastScrapedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func pgCollectProfiles(rows pgx.Rows) ([]*Profile, error) {
	defer rows.Close()

	profiles := []*Profile{}
	for rows.Next() {
		p, err := pgScanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return profiles, nil
}

func (s *Postgres) GetProfile(ctx context.Context, username string) (*Profile, error) {
	p, err := pgScanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE username = $1`, NormalizeUsername(username)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetProfileByID(ctx context.Context, id int64) (*Profile, error) {
	p, err := pgScanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (s *Postgres) FindOrCreateProfile(ctx context.Context, username string) (*Profile, bool, error) {
	username = NormalizeUsername(username)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (username) VALUES ($1)
		ON CONFLICT (username) DO NOTHING
	`, username)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create profile: %w", err)
	}

	p, err := s.GetProfile(ctx, username)
	if err != nil {
		return nil, false, err
	}
	if p == nil {
		return nil, false, fmt.Errorf("profile %s vanished after insert: %w", username, ErrNotFound)
	}
	return p, tag.RowsAffected() == 1, nil
}

func (s *Postgres) InsertProfile(ctx context.Context, p *Profile) error {
	p.Username = NormalizeUsername(p.Username)
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (username, name, bio, avatar_url, cover_url, likes_count, posts_count,
			followers_count, following_count, is_verified, is_online, location, joined_date,
			last_scraped_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, p.Username, p.Name, p.Bio, p.AvatarURL, p.CoverURL, p.LikesCount, p.PostsCount,
		p.FollowersCount, p.FollowingCount, p.IsVerified, p.IsOnline, p.Location, p.JoinedDate,
		p.LastScrapedAt, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

func (s *Postgres) SelectDue(ctx context.Context, now time.Time, limit int) ([]*Profile, error) {
	highCutoff, standardCutoff := tier.Cutoffs(now)

	rows, err := s.pool.Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE last_scraped_at IS NULL
			OR (likes_count > $1 AND last_scraped_at < $2)
			OR (likes_count <= $1 AND last_scraped_at < $3)
		ORDER BY last_scraped_at ASC NULLS FIRST, username ASC
		LIMIT $4
	`, tier.HighLikesThreshold, highCutoff, standardCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due profiles: %w", err)
	}
	return pgCollectProfiles(rows)
}

const pgApplyScrapeSQL = `
	UPDATE profiles SET
		name = COALESCE($1, name),
		bio = COALESCE($2, bio),
		avatar_url = COALESCE($3, avatar_url),
		cover_url = COALESCE($4, cover_url),
		likes_count = COALESCE($5, likes_count),
		posts_count = COALESCE($6, posts_count),
		followers_count = COALESCE($7, followers_count),
		following_count = COALESCE($8, following_count),
		is_verified = COALESCE($9, is_verified),
		is_online = COALESCE($10, is_online),
		location = COALESCE($11, location),
		joined_date = COALESCE($12, joined_date),
		last_scraped_at = $13,
		updated_at = NOW()
	WHERE id = $14
`

func pgApplyScrapeArgs(profileID int64, f ProfileFields, scrapedAt time.Time) []any {
	return []any{
		f.Name, f.Bio, f.AvatarURL, f.CoverURL, f.LikesCount, f.PostsCount,
		f.FollowersCount, f.FollowingCount, f.IsVerified, f.IsOnline, f.Location, f.JoinedDate,
		scrapedAt, profileID,
	}
}

func (s *Postgres) ApplyScrape(ctx context.Context, profileID int64, f ProfileFields, scrapedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, pgApplyScrapeSQL, pgApplyScrapeArgs(profileID, f, scrapedAt)...)
	if err != nil {
		return fmt.Errorf("failed to apply scrape: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %d: %w", profileID, ErrNotFound)
	}
	return nil
}

func (s *Postgres) CompleteScrape(ctx context.Context, attemptID, profileID int64, f ProfileFields, payload []byte, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE profile_scrapes SET status = 'completed', scraped_data = $1, completed_at = $2
		WHERE id = $3 AND profile_id = $4 AND status = 'running'
	`, jsonbArg(payload), at, attemptID, profileID)
	if err != nil {
		return fmt.Errorf("failed to mark attempt completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		return s.transitionError(ctx, attemptID, StatusCompleted)
	}

	tag, err = tx.Exec(ctx, pgApplyScrapeSQL, pgApplyScrapeArgs(profileID, f, at)...)
	if err != nil {
		return fmt.Errorf("failed to apply scrape: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %d: %w", profileID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit scrape: %w", err)
	}
	return nil
}

func (s *Postgres) RefreshSearchIndex(ctx context.Context, profileID int64) error {
	p, err := s.GetProfileByID(ctx, profileID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("profile %d: %w", profileID, ErrNotFound)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles_search (profile_id, document, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (profile_id) DO UPDATE SET
			document = EXCLUDED.document,
			indexed_at = EXCLUDED.indexed_at
	`, profileID, SearchDocument(p))
	if err != nil {
		return fmt.Errorf("failed to refresh search index: %w", err)
	}
	return nil
}

func (s *Postgres) SearchProfiles(ctx context.Context, query string, limit int) ([]*Profile, error) {
	terms := SearchTerms(query)
	if len(terms) == 0 {
		return []*Profile{}, nil
	}

	var where []string
	var args []any
	for i, term := range terms {
		where = append(where, fmt.Sprintf(`ps.document LIKE $%d ESCAPE '\'`, i+1))
		args = append(args, "%"+escapeLike(term)+"%")
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+prefixColumns("p.")+`
		FROM profiles p
		JOIN profiles_search ps ON ps.profile_id = p.id
		WHERE %s
		ORDER BY p.likes_count DESC, p.username ASC
		LIMIT $%d
	`, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	return pgCollectProfiles(rows)
}

func (s *Postgres) ListProfiles(ctx context.Context, opts ListOptions) ([]*Profile, int, error) {
	opts = opts.Normalize()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count profiles: %w", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+profileColumns+`
		FROM profiles
		ORDER BY %s %s, id ASC
		LIMIT $1 OFFSET $2
	`, opts.Sort, opts.Order), opts.Limit, opts.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list profiles: %w", err)
	}

	profiles, err := pgCollectProfiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return profiles, total, nil
}

func pgScanAttempt(row pgx.Row) (*ScrapeAttempt, error) {
	var a ScrapeAttempt
	var data []byte
	var message *string
	var status string

	if err := row.Scan(&a.ID, &a.ProfileID, &status, &data, &message,
		&a.StartedAt, &a.CompletedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.ScrapedData = data
	if message != nil {
		a.ErrorMessage = *message
	}
	return &a, nil
}

func (s *Postgres) CreatePendingAttempt(ctx context.Context, profileID int64, at time.Time) (*ScrapeAttempt, error) {
	a := &ScrapeAttempt{ProfileID: profileID, Status: StatusPending, CreatedAt: at}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO profile_scrapes (profile_id, status, created_at)
		VALUES ($1, 'pending', $2)
		RETURNING id
	`, profileID, at).Scan(&a.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return nil, fmt.Errorf("profile %d: %w", profileID, ErrAttemptInFlight)
			case pgForeignKeyViolation:
				return nil, fmt.Errorf("profile %d: %w", profileID, ErrNotFound)
			}
		}
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}
	return a, nil
}

func (s *Postgres) GetAttempt(ctx context.Context, id int64) (*ScrapeAttempt, error) {
	a, err := pgScanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM profile_scrapes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attempt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

func (s *Postgres) MarkAttemptRunning(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profile_scrapes SET status = 'running', started_at = $1
		WHERE id = $2 AND status = 'pending'
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt running: %w", err)
	}
	return s.transitionResult(ctx, tag, id, StatusRunning)
}

func (s *Postgres) MarkAttemptCompleted(ctx context.Context, id int64, payload []byte, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profile_scrapes SET status = 'completed', scraped_data = $1, completed_at = $2
		WHERE id = $3 AND status = 'running'
	`, jsonbArg(payload), at, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt completed: %w", err)
	}
	return s.transitionResult(ctx, tag, id, StatusCompleted)
}

func (s *Postgres) MarkAttemptFailed(ctx context.Context, id int64, message string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profile_scrapes SET status = 'failed', error_message = $1, completed_at = $2
		WHERE id = $3 AND status IN ('pending', 'running')
	`, message, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}
	return s.transitionResult(ctx, tag, id, StatusFailed)
}

func (s *Postgres) AppendAttemptError(ctx context.Context, id int64, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profile_scrapes
		SET error_message = CASE
			WHEN error_message IS NULL OR error_message = '' THEN $1
			ELSE error_message || '; ' || $1
		END
		WHERE id = $2 AND status = 'failed'
	`, note, id)
	if err != nil {
		return fmt.Errorf("failed to annotate attempt: %w", err)
	}
	return s.transitionResult(ctx, tag, id, StatusFailed)
}

func (s *Postgres) transitionResult(ctx context.Context, tag pgconn.CommandTag, id int64, to AttemptStatus) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionError(ctx, id, to)
}

func (s *Postgres) transitionError(ctx context.Context, id int64, to AttemptStatus) error {
	current, err := s.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("attempt %d %s -> %s: %w", id, current.Status, to, ErrInvalidTransition)
}

func (s *Postgres) LatestAttempt(ctx context.Context, profileID int64) (*ScrapeAttempt, error) {
	a, err := pgScanAttempt(s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM profile_scrapes
		WHERE profile_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, profileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return a, nil
}

func (s *Postgres) ListAttempts(ctx context.Context, profileID int64, limit int) ([]*ScrapeAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM profile_scrapes
		WHERE profile_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*ScrapeAttempt
	for rows.Next() {
		a, err := pgScanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

func (s *Postgres) FailStaleAttempts(ctx context.Context, olderThan time.Time, message string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profile_scrapes SET status = 'failed', error_message = $1, completed_at = $2
		WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $3
	`, message, at, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Truncate empties every table; used by integration tests
func (s *Postgres) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE profiles_search, profile_scrapes, profiles RESTART IDENTITY CASCADE`)
	return err
}

func jsonbArg(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
