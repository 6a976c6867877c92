// Package ratelimit implements fixed-window request counting per
// (category, client) with in-memory and Redis counter stores.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"time"
)

// Categories of rate-limited operations
const (
	CategoryScrape  = "scrape"
	CategorySearch  = "search"
	CategoryGeneral = "general"
)

// Rule is the request budget of a category
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the production budgets
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		CategoryScrape:  {Limit: 10, Window: 60 * time.Second},
		CategorySearch:  {Limit: 100, Window: 60 * time.Second},
		CategoryGeneral: {Limit: 200, Window: 60 * time.Second},
	}
}

// Decision is the result of one Allow call
type Decision struct {
	Allowed       bool
	Remaining     int
	Limit         int
	WindowSeconds int
	RetryAfter    time.Duration
	ResetAt       time.Time
}

// Store keeps window counters. Hit must check and increment atomically:
// when count has reached limit it returns allowed=false without incrementing.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (count int, expiresAt time.Time, allowed bool, err error)
}

// Limiter applies category rules on top of a Store
type Limiter struct {
	store Store
	rules map[string]Rule
}

// New creates a Limiter; nil rules means DefaultRules. rules is copied.
func New(store Store, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	own := maps.Clone(rules)
	if _, ok := own[CategoryGeneral]; !ok {
		own[CategoryGeneral] = DefaultRules()[CategoryGeneral]
	}
	return &Limiter{store: store, rules: own}
}

// Rule returns the rule of a category; unknown categories use general
func (l *Limiter) Rule(category string) (string, Rule) {
	if r, ok := l.rules[category]; ok {
		return category, r
	}
	return CategoryGeneral, l.rules[CategoryGeneral]
}

// Allow counts one request of clientKey in category
func (l *Limiter) Allow(ctx context.Context, category, clientKey string) (Decision, error) {
	category, rule := l.Rule(category)
	key := "rate_limit:" + category + ":" + clientKey

	count, expiresAt, allowed, err := l.store.Hit(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", category, err)
	}

	d := Decision{
		Allowed:       allowed,
		Limit:         rule.Limit,
		WindowSeconds: int(rule.Window / time.Second),
		ResetAt:       expiresAt,
	}
	if remaining := rule.Limit - count; remaining > 0 {
		d.Remaining = remaining
	}
	if !allowed {
		d.RetryAfter = rule.Window
	}
	return d, nil
}

// ClientKey identifies a client by hashing its address and user agent
func ClientKey(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}
