package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/alvmarrod/profile-refresh/internal/tier"
)

// Storage is the SQLite implementation of Store
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		name TEXT,
		bio TEXT,
		avatar_url TEXT,
		cover_url TEXT,
		likes_count INTEGER NOT NULL DEFAULT 0 CHECK (likes_count >= 0),
		posts_count INTEGER NOT NULL DEFAULT 0 CHECK (posts_count >= 0),
		followers_count INTEGER NOT NULL DEFAULT 0 CHECK (followers_count >= 0),
		following_count INTEGER NOT NULL DEFAULT 0 CHECK (following_count >= 0),
		is_verified INTEGER NOT NULL DEFAULT 0,
		is_online INTEGER NOT NULL DEFAULT 0,
		location TEXT,
		joined_date TEXT,
		last_scraped_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profile_scrapes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		scraped_data TEXT,
		error_message TEXT,
		started_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles_search (
		profile_id INTEGER PRIMARY KEY REFERENCES profiles(id) ON DELETE CASCADE,
		document TEXT NOT NULL,
		indexed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_likes ON profiles(likes_count);
	CREATE INDEX IF NOT EXISTS idx_profiles_last_scraped ON profiles(last_scraped_at);
	CREATE INDEX IF NOT EXISTS idx_scrapes_profile_status ON profile_scrapes(profile_id, status);
	CREATE INDEX IF NOT EXISTS idx_scrapes_created ON profile_scrapes(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scrapes_one_active
		ON profile_scrapes(profile_id) WHERE status IN ('pending', 'running');
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for components sharing the database file
func (s *Storage) DB() *sql.DB {
	return s.db
}

const profileColumns = `id, username, name, bio, avatar_url, cover_url, likes_count, posts_count,
	followers_count, following_count, is_verified, is_online, location, joined_date,
	last_scraped_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var name, bio, avatar, cover, location, joined sql.NullString
	var lastScraped sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.Username, &name, &bio, &avatar, &cover,
		&p.LikesCount, &p.PostsCount, &p.FollowersCount, &p.FollowingCount,
		&p.IsVerified, &p.IsOnline, &location, &joined,
		&lastScraped, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Name = stringPtr(name)
	p.Bio = stringPtr(bio)
	p.AvatarURL = stringPtr(avatar)
	p.CoverURL = stringPtr(cover)
	p.Location = stringPtr(location)
	p.JoinedDate = stringPtr(joined)
	p.LastScrapedAt = timePtr(lastScraped)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

func scanProfiles(rows *sql.Rows) ([]*Profile, error) {
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
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

// GetProfile retrieves a profile by username, returns nil if not found
func (s *Storage) GetProfile(ctx context.Context, username string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE username = ?`,
		NormalizeUsername(username))

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// GetProfileByID retrieves a profile by id, returns nil if not found
func (s *Storage) GetProfileByID(ctx context.Context, id int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// FindOrCreateProfile inserts an empty profile if the username is unknown
func (s *Storage) FindOrCreateProfile(ctx context.Context, username string) (*Profile, bool, error) {
	username = NormalizeUsername(username)
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (username, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO NOTHING
	`, username, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create profile: %w", err)
	}

	created, err := res.RowsAffected()
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
	return p, created == 1, nil
}

// InsertProfile inserts a fully populated profile
func (s *Storage) InsertProfile(ctx context.Context, p *Profile) error {
	p.Username = NormalizeUsername(p.Username)
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (username, name, bio, avatar_url, cover_url, likes_count, posts_count,
			followers_count, following_count, is_verified, is_online, location, joined_date,
			last_scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Username, p.Name, p.Bio, p.AvatarURL, p.CoverURL, p.LikesCount, p.PostsCount,
		p.FollowersCount, p.FollowingCount, p.IsVerified, p.IsOnline, p.Location, p.JoinedDate,
		millisPtr(p.LastScrapedAt), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to retrieve profile id: %w", err)
	}
	p.ID = id
	return nil
}

// SelectDue returns the profiles due for refresh at now
func (s *Storage) SelectDue(ctx context.Context, now time.Time, limit int) ([]*Profile, error) {
	highCutoff, standardCutoff := tier.Cutoffs(now)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE last_scraped_at IS NULL
			OR (likes_count > ? AND last_scraped_at < ?)
			OR (likes_count <= ? AND last_scraped_at < ?)
		ORDER BY last_scraped_at IS NOT NULL, last_scraped_at ASC, username ASC
		LIMIT ?
	`, tier.HighLikesThreshold, highCutoff.UnixMilli(),
		tier.HighLikesThreshold, standardCutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due profiles: %w", err)
	}

	return scanProfiles(rows)
}

const applyScrapeSQL = `
	UPDATE profiles SET
		name = COALESCE(?, name),
		bio = COALESCE(?, bio),
		avatar_url = COALESCE(?, avatar_url),
		cover_url = COALESCE(?, cover_url),
		likes_count = COALESCE(?, likes_count),
		posts_count = COALESCE(?, posts_count),
		followers_count = COALESCE(?, followers_count),
		following_count = COALESCE(?, following_count),
		is_verified = COALESCE(?, is_verified),
		is_online = COALESCE(?, is_online),
		location = COALESCE(?, location),
		joined_date = COALESCE(?, joined_date),
		last_scraped_at = ?,
		updated_at = ?
	WHERE id = ?
`

func applyScrapeArgs(profileID int64, f ProfileFields, scrapedAt time.Time) []any {
	return []any{
		f.Name, f.Bio, f.AvatarURL, f.CoverURL, f.LikesCount, f.PostsCount,
		f.FollowersCount, f.FollowingCount, f.IsVerified, f.IsOnline, f.Location, f.JoinedDate,
		scrapedAt.UnixMilli(), time.Now().UnixMilli(), profileID,
	}
}

// ApplyScrape merges returned fields into the profile; NULL parameters keep the old value
func (s *Storage) ApplyScrape(ctx context.Context, profileID int64, f ProfileFields, scrapedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, applyScrapeSQL, applyScrapeArgs(profileID, f, scrapedAt)...)
	if err != nil {
		return fmt.Errorf("failed to apply scrape: %w", err)
	}
	return requireRow(res, fmt.Errorf("profile %d: %w", profileID, ErrNotFound))
}

// CompleteScrape completes a running attempt and merges its fields in one
// transaction. Nothing is merged if the attempt is no longer running.
func (s *Storage) CompleteScrape(ctx context.Context, attemptID, profileID int64, f ProfileFields, payload []byte, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE profile_scrapes SET status = 'completed', scraped_data = ?, completed_at = ?
		WHERE id = ? AND profile_id = ? AND status = 'running'
	`, string(payload), at.UnixMilli(), attemptID, profileID)
	if err != nil {
		return fmt.Errorf("failed to mark attempt completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		return s.transitionError(ctx, attemptID, StatusCompleted)
	}

	res, err = tx.ExecContext(ctx, applyScrapeSQL, applyScrapeArgs(profileID, f, at)...)
	if err != nil {
		return fmt.Errorf("failed to apply scrape: %w", err)
	}
	if err := requireRow(res, fmt.Errorf("profile %d: %w", profileID, ErrNotFound)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scrape: %w", err)
	}
	return nil
}

// RefreshSearchIndex rewrites the search document of a profile
func (s *Storage) RefreshSearchIndex(ctx context.Context, profileID int64) error {
	p, err := s.GetProfileByID(ctx, profileID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("profile %d: %w", profileID, ErrNotFound)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles_search (profile_id, document, indexed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			document = excluded.document,
			indexed_at = excluded.indexed_at
	`, profileID, SearchDocument(p), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to refresh search index: %w", err)
	}
	return nil
}

// SearchProfiles matches every query term against the search index
func (s *Storage) SearchProfiles(ctx context.Context, query string, limit int) ([]*Profile, error) {
	terms := SearchTerms(query)
	if len(terms) == 0 {
		return []*Profile{}, nil
	}

	var where []string
	var args []any
	for _, term := range terms {
		where = append(where, `ps.document LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("p.")+`
		FROM profiles p
		JOIN profiles_search ps ON ps.profile_id = p.id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY p.likes_count DESC, p.username ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}

	return scanProfiles(rows)
}

// ListProfiles returns a page of profiles
func (s *Storage) ListProfiles(ctx context.Context, opts ListOptions) ([]*Profile, int, error) {
	opts = opts.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count profiles: %w", err)
	}

	// Sort and order are whitelisted by Normalize
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+profileColumns+`
		FROM profiles
		ORDER BY %s %s, id ASC
		LIMIT ? OFFSET ?
	`, opts.Sort, opts.Order), opts.Limit, opts.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list profiles: %w", err)
	}

	profiles, err := scanProfiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return profiles, total, nil
}

const attemptColumns = `id, profile_id, status, scraped_data, error_message, started_at, completed_at, created_at`

func scanAttempt(row rowScanner) (*ScrapeAttempt, error) {
	var a ScrapeAttempt
	var data, message sql.NullString
	var started, completed sql.NullInt64
	var createdAt int64

	if err := row.Scan(&a.ID, &a.ProfileID, &a.Status, &data, &message, &started, &completed, &createdAt); err != nil {
		return nil, err
	}

	if data.Valid {
		a.ScrapedData = []byte(data.String)
	}
	a.ErrorMessage = message.String
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

// CreatePendingAttempt inserts a pending attempt; the partial unique index rejects a second active one
func (s *Storage) CreatePendingAttempt(ctx context.Context, profileID int64, at time.Time) (*ScrapeAttempt, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_scrapes (profile_id, status, created_at)
		VALUES (?, 'pending', ?)
	`, profileID, at.UnixMilli())
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) {
			switch se.ExtendedCode {
			case sqlite3.ErrConstraintUnique:
				return nil, fmt.Errorf("profile %d: %w", profileID, ErrAttemptInFlight)
			case sqlite3.ErrConstraintForeignKey:
				return nil, fmt.Errorf("profile %d: %w", profileID, ErrNotFound)
			}
		}
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve attempt id: %w", err)
	}

	return &ScrapeAttempt{
		ID:        id,
		ProfileID: profileID,
		Status:    StatusPending,
		CreatedAt: time.UnixMilli(at.UnixMilli()),
	}, nil
}

// GetAttempt retrieves an attempt by id
func (s *Storage) GetAttempt(ctx context.Context, id int64) (*ScrapeAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM profile_scrapes WHERE id = ?`, id)

	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

// MarkAttemptRunning moves a pending attempt to running
func (s *Storage) MarkAttemptRunning(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profile_scrapes SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt running: %w", err)
	}
	return s.transitionResult(ctx, res, id, StatusRunning)
}

// MarkAttemptCompleted moves a running attempt to completed with its payload
func (s *Storage) MarkAttemptCompleted(ctx context.Context, id int64, payload []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profile_scrapes SET status = 'completed', scraped_data = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, string(payload), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt completed: %w", err)
	}
	return s.transitionResult(ctx, res, id, StatusCompleted)
}

// MarkAttemptFailed moves a pending or running attempt to failed
func (s *Storage) MarkAttemptFailed(ctx context.Context, id int64, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profile_scrapes SET status = 'failed', error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, message, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}
	return s.transitionResult(ctx, res, id, StatusFailed)
}

// AppendAttemptError appends a note to a failed attempt's message
func (s *Storage) AppendAttemptError(ctx context.Context, id int64, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profile_scrapes
		SET error_message = CASE
			WHEN error_message IS NULL OR error_message = '' THEN ?
			ELSE error_message || '; ' || ?
		END
		WHERE id = ? AND status = 'failed'
	`, note, note, id)
	if err != nil {
		return fmt.Errorf("failed to annotate attempt: %w", err)
	}
	return s.transitionResult(ctx, res, id, StatusFailed)
}

// transitionResult distinguishes a missing attempt from one in the wrong state
func (s *Storage) transitionResult(ctx context.Context, res sql.Result, id int64, to AttemptStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	return s.transitionError(ctx, id, to)
}

func (s *Storage) transitionError(ctx context.Context, id int64, to AttemptStatus) error {
	current, err := s.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("attempt %d %s -> %s: %w", id, current.Status, to, ErrInvalidTransition)
}

// LatestAttempt returns the most recently created attempt of a profile
func (s *Storage) LatestAttempt(ctx context.Context, profileID int64) (*ScrapeAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM profile_scrapes
		WHERE profile_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, profileID)

	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns attempt history, newest first
func (s *Storage) ListAttempts(ctx context.Context, profileID int64, limit int) ([]*ScrapeAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM profile_scrapes
		WHERE profile_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*ScrapeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
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

// FailStaleAttempts fails active attempts that have not progressed since olderThan
func (s *Storage) FailStaleAttempts(ctx context.Context, olderThan time.Time, message string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profile_scrapes SET status = 'failed', error_message = ?, completed_at = ?
		WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < ?
	`, message, at.UnixMilli(), olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale attempts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(profileColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64)
	return &t
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

var _ Store = (*Storage)(nil)
