package storage

import (
	"encoding/json"
	"strings"
	"time"
)

// AttemptStatus is the lifecycle state of a scrape attempt
type AttemptStatus string

const (
	StatusPending   AttemptStatus = "pending"
	StatusRunning   AttemptStatus = "running"
	StatusCompleted AttemptStatus = "completed"
	StatusFailed    AttemptStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s
func (s AttemptStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Profile is an externally sourced profile kept fresh by scraping
type Profile struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Name           *string    `json:"name"`
	Bio            *string    `json:"bio"`
	AvatarURL      *string    `json:"avatar_url"`
	CoverURL       *string    `json:"cover_url"`
	LikesCount     int64      `json:"likes_count"`
	PostsCount     int64      `json:"posts_count"`
	FollowersCount int64      `json:"followers_count"`
	FollowingCount int64      `json:"following_count"`
	IsVerified     bool       `json:"is_verified"`
	IsOnline       bool       `json:"is_online"`
	Location       *string    `json:"location"`
	JoinedDate     *string    `json:"joined_date"` // YYYY-MM-DD
	LastScrapedAt  *time.Time `json:"last_scraped_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ProfileFields is a normalized scrape result. A nil field was not returned
// by the source and must not overwrite the stored value.
type ProfileFields struct {
	Name           *string `json:"name,omitempty"`
	Bio            *string `json:"bio,omitempty"`
	AvatarURL      *string `json:"avatar_url,omitempty"`
	CoverURL       *string `json:"cover_url,omitempty"`
	LikesCount     *int64  `json:"likes_count,omitempty"`
	PostsCount     *int64  `json:"posts_count,omitempty"`
	FollowersCount *int64  `json:"followers_count,omitempty"`
	FollowingCount *int64  `json:"following_count,omitempty"`
	IsVerified     *bool   `json:"is_verified,omitempty"`
	IsOnline       *bool   `json:"is_online,omitempty"`
	Location       *string `json:"location,omitempty"`
	JoinedDate     *string `json:"joined_date,omitempty"`
}

// ApplyTo merges the non-nil fields into p
func (f ProfileFields) ApplyTo(p *Profile) {
	if f.Name != nil {
		p.Name = f.Name
	}
	if f.Bio != nil {
		p.Bio = f.Bio
	}
	if f.AvatarURL != nil {
		p.AvatarURL = f.AvatarURL
	}
	if f.CoverURL != nil {
		p.CoverURL = f.CoverURL
	}
	if f.LikesCount != nil {
		p.LikesCount = *f.LikesCount
	}
	if f.PostsCount != nil {
		p.PostsCount = *f.PostsCount
	}
	if f.FollowersCount != nil {
		p.FollowersCount = *f.FollowersCount
	}
	if f.FollowingCount != nil {
		p.FollowingCount = *f.FollowingCount
	}
	if f.IsVerified != nil {
		p.IsVerified = *f.IsVerified
	}
	if f.IsOnline != nil {
		p.IsOnline = *f.IsOnline
	}
	if f.Location != nil {
		p.Location = f.Location
	}
	if f.JoinedDate != nil {
		p.JoinedDate = f.JoinedDate
	}
}

// ScrapeAttempt is one execution of a scrape for a profile
type ScrapeAttempt struct {
	ID           int64           `json:"id"`
	ProfileID    int64           `json:"profile_id"`
	Status       AttemptStatus   `json:"status"`
	ScrapedData  json.RawMessage `json:"scraped_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListOptions controls profile listing
type ListOptions struct {
	Page  int
	Limit int
	Sort  string
	Order string
}

// SortColumns whitelists the columns profiles can be listed by
var SortColumns = map[string]bool{
	"username":        true,
	"name":            true,
	"likes_count":     true,
	"followers_count": true,
	"last_scraped_at": true,
	"created_at":      true,
}

// MaxPage bounds ListOptions.Page so the row offset cannot overflow
const MaxPage = 1_000_000

// Normalize fills defaults and clamps values to what the stores accept
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Page > MaxPage {
		o.Page = MaxPage
	}
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if !SortColumns[o.Sort] {
		o.Sort = "created_at"
	}
	if o.Order != "asc" {
		o.Order = "desc"
	}
	return o
}

// Offset returns the row offset of the page, never negative
func (o ListOptions) Offset() int {
	o = o.Normalize()
	return (o.Page - 1) * o.Limit
}

// NormalizeUsername lowercases and trims an identifier
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// SearchDocument builds the text indexed for full-text matching
func SearchDocument(p *Profile) string {
	parts := []string{p.Username}
	for _, s := range []*string{p.Name, p.Bio, p.Location} {
		if s != nil && *s != "" {
			parts = append(parts, *s)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// SearchTerms splits a query into lowercase terms; every term must match
func SearchTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}
