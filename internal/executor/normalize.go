package executor

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/alvmarrod/profile-refresh/internal/storage"
)

// Upstream payloads use several spellings for the same attribute; the first
// key present wins.
var (
	nameKeys      = []string{"name", "display_name"}
	bioKeys       = []string{"bio", "about"}
	avatarKeys    = []string{"avatar", "avatar_url"}
	coverKeys     = []string{"cover", "header_url"}
	likesKeys     = []string{"likes_count", "total_likes"}
	postsKeys     = []string{"posts_count", "media_count"}
	followersKeys = []string{"subscribers_count", "fans_count", "followers_count"}
	followingKeys = []string{"following_count", "subscriptions_count"}
	verifiedKeys  = []string{"is_verified"}
	onlineKeys    = []string{"is_online", "online"}
	locationKeys  = []string{"location"}
	joinedKeys    = []string{"joined_date", "created_at"}
)

var textPolicy = bluemonday.StrictPolicy()

// Normalize maps an upstream payload onto ProfileFields. Missing or null keys
// stay nil so they do not overwrite stored values.
func Normalize(raw map[string]any) storage.ProfileFields {
	return storage.ProfileFields{
		Name:           text(raw, nameKeys),
		Bio:            text(raw, bioKeys),
		AvatarURL:      link(raw, avatarKeys),
		CoverURL:       link(raw, coverKeys),
		LikesCount:     count(raw, likesKeys),
		PostsCount:     count(raw, postsKeys),
		FollowersCount: count(raw, followersKeys),
		FollowingCount: count(raw, followingKeys),
		IsVerified:     flag(raw, verifiedKeys),
		IsOnline:       flag(raw, onlineKeys),
		Location:       text(raw, locationKeys),
		JoinedDate:     date(raw, joinedKeys),
	}
}

// DecodeResult parses a JSON object into a Result, keeping the original bytes
func DecodeResult(body []byte) (*Result, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode profile payload: %w", err)
	}
	// some upstreams wrap the profile in {"data": {...}}
	if inner, ok := raw["data"].(map[string]any); ok {
		raw = inner
		body, _ = json.Marshal(inner)
	}
	return &Result{Fields: Normalize(raw), Raw: json.RawMessage(body)}, nil
}

func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(raw map[string]any, keys []string) (string, bool) {
	v, ok := lookup(raw, keys)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return strings.TrimSpace(s), ok
}

// text strips markup from free-form fields
func text(raw map[string]any, keys []string) *string {
	s, ok := str(raw, keys)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
	return &s
}

func link(raw map[string]any, keys []string) *string {
	s, ok := str(raw, keys)
	if !ok || s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	return &s
}

func count(raw map[string]any, keys []string) *int64 {
	v, ok := lookup(raw, keys)
	if !ok {
		return nil
	}

	var n int64
	switch t := v.(type) {
	case float64:
		switch r := math.Round(t); {
		case math.IsNaN(r):
			return nil
		case r <= 0:
			n = 0
		case r >= float64(math.MaxInt64):
			n = math.MaxInt64
		default:
			n = int64(r)
		}
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	if n < 0 {
		n = 0
	}
	return &n
}

func flag(raw map[string]any, keys []string) *bool {
	v, ok := lookup(raw, keys)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case bool:
		return &t
	case float64:
		b := t != 0
		return &b
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return nil
		}
		return &b
	}
	return nil
}

// date accepts YYYY-MM-DD or RFC 3339 and returns YYYY-MM-DD
func date(raw map[string]any, keys []string) *string {
	s, ok := str(raw, keys)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339, time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			d := t.Format(time.DateOnly)
			return &d
		}
	}
	return nil
}
