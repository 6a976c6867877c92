package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/alvmarrod/profile-refresh/internal/storage"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	queryPattern    = regexp.MustCompile(`^[a-zA-Z0-9\s\-_@.]+$`)

	reservedUsernames = map[string]bool{
		"admin": true, "api": true, "www": true, "test": true, "null": true, "undefined": true,
	}
)

// validationErrors maps a field to its failed rules
type validationErrors map[string][]string

func (v validationErrors) add(field, message string) {
	v[field] = append(v[field], message)
}

func (v validationErrors) empty() bool { return len(v) == 0 }

// validateUsername normalizes a scrape target and checks it
func validateUsername(raw string) (string, validationErrors) {
	errs := validationErrors{}
	username := storage.NormalizeUsername(raw)

	if username == "" {
		errs.add("username", "Username is required for profile scraping.")
		return username, errs
	}
	if len(username) < 3 {
		errs.add("username", "Username must be at least 3 characters long.")
	}
	if len(username) > 50 {
		errs.add("username", "Username cannot exceed 50 characters.")
	}
	if !usernamePattern.MatchString(username) {
		errs.add("username", "Username can only contain letters, numbers, underscores, and hyphens.")
	}
	if reservedUsernames[username] {
		errs.add("username", "This username is reserved and cannot be scraped.")
	}
	return username, errs
}

// intParam parses an optional bounded integer query parameter
func intParam(q url.Values, name string, def, lo, hi int, errs validationErrors) int {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def
	}
	label := strings.ToUpper(name[:1]) + name[1:]
	n, err := strconv.Atoi(raw)
	if err != nil {
		errs.add(name, label+" must be a valid number.")
		return def
	}
	if n < lo {
		errs.add(name, fmt.Sprintf("%s must be at least %d.", label, lo))
		return def
	}
	if hi > 0 && n > hi {
		errs.add(name, fmt.Sprintf("%s cannot exceed %d.", label, hi))
		return def
	}
	return n
}

func parseListOptions(q url.Values) (storage.ListOptions, validationErrors) {
	errs := validationErrors{}
	opts := storage.ListOptions{
		Page:  intParam(q, "page", 1, 1, storage.MaxPage, errs),
		Limit: intParam(q, "limit", 20, 1, 100, errs),
		Sort:  strings.ToLower(strings.TrimSpace(q.Get("sort"))),
		Order: strings.ToLower(strings.TrimSpace(q.Get("order"))),
	}

	if opts.Sort == "" {
		opts.Sort = "created_at"
	} else if !storage.SortColumns[opts.Sort] {
		errs.add("sort", "Sort field must be one of: username, name, likes_count, followers_count, last_scraped_at, created_at.")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	} else if opts.Order != "asc" && opts.Order != "desc" {
		errs.add("order", "Order must be either asc or desc.")
	}
	return opts, errs
}

func parseSearch(q url.Values) (string, int, validationErrors) {
	errs := validationErrors{}
	query := strings.TrimSpace(q.Get("q"))
	limit := intParam(q, "limit", 20, 1, 100, errs)

	switch {
	case query == "":
		errs.add("q", "Search query is required.")
	case len(query) < 2:
		errs.add("q", "Search query must be at least 2 characters long.")
	case len(query) > 100:
		errs.add("q", "Search query cannot exceed 100 characters.")
	}
	if query != "" && !queryPattern.MatchString(query) {
		errs.add("q", "Search query contains invalid characters.")
	}
	return query, limit, errs
}
