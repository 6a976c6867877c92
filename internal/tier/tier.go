// Package tier derives a profile's refresh priority from its engagement and
// maps each priority to the staleness window that governs re-scraping.
package tier

import "time"

// Tier is the refresh priority of a profile. It is derived, never stored.
type Tier int

const (
	// Standard profiles are refreshed every StandardWindow.
	Standard Tier = iota
	// High profiles are refreshed every HighWindow and skip the submission delay.
	High
)

const (
	// HighLikesThreshold is the likes count a profile must exceed to be High tier.
	HighLikesThreshold int64 = 100000

	HighWindow     = 24 * time.Hour
	StandardWindow = 72 * time.Hour
)

// Of returns the tier for a likes count.
func Of(likesCount int64) Tier {
	if likesCount > HighLikesThreshold {
		return High
	}
	return Standard
}

// Window returns the staleness window of the tier.
func (t Tier) Window() time.Duration {
	if t == High {
		return HighWindow
	}
	return StandardWindow
}

func (t Tier) String() string {
	if t == High {
		return "high"
	}
	return "standard"
}

// Cutoffs returns the instants before which a High or Standard profile's
// last scrape is considered stale.
func Cutoffs(now time.Time) (high, standard time.Time) {
	return now.Add(-HighWindow), now.Add(-StandardWindow)
}

// IsDue reports whether a profile needs a refresh at now. Profiles that were
// never scraped are always due.
func IsDue(lastScrapedAt *time.Time, likesCount int64, now time.Time) bool {
	if lastScrapedAt == nil {
		return true
	}
	return lastScrapedAt.Before(now.Add(-Of(likesCount).Window()))
}
