package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FakeOptions tunes the simulator
type FakeOptions struct {
	Availability float64 // probability IsAvailable returns true
	FailureRate  float64 // probability a Fetch fails
	MinLatency   time.Duration
	MaxLatency   time.Duration
	Seed         uint64
}

// DefaultFakeOptions mirrors a flaky but mostly healthy upstream
func DefaultFakeOptions() FakeOptions {
	return FakeOptions{
		Availability: 0.95,
		FailureRate:  0.05,
		MinLatency:   time.Second,
		MaxLatency:   3 * time.Second,
		Seed:         uint64(time.Now().UnixNano()),
	}
}

// Fake simulates the upstream source with generated profiles
type Fake struct {
	opts FakeOptions
	mu   sync.Mutex
	rng  *rand.Rand
	now  func() time.Time
}

// NewFake creates a simulator
func NewFake(opts FakeOptions) *Fake {
	return &Fake{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		now:  time.Now,
	}
}

var (
	fakeFirstNames = []string{"Alex", "Jordan", "Taylor", "Morgan", "Casey", "Riley", "Avery", "Quinn",
		"Sage", "River", "Phoenix", "Skylar", "Cameron", "Dakota", "Blake"}
	fakeLastNames = []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez"}
	fakeBios = []string{
		"Living my best life. DM for collabs",
		"Content creator | Fitness enthusiast | Coffee lover",
		"New content daily. Subscribe for exclusive content",
		"Free spirit | Adventure seeker",
		"Spreading positivity one post at a time",
		"Tropical vibes | Beach lover",
	}
	fakeLocations = []string{"Los Angeles, CA", "Miami, FL", "New York, NY", "Las Vegas, NV", "Austin, TX",
		"Chicago, IL", "San Francisco, CA", "Atlanta, GA", "Phoenix, AZ", "Denver, CO", "Seattle, WA", "Nashville, TN"}
)

func (f *Fake) chance(p float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() < p
}

func (f *Fake) between(lo, hi int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo + f.rng.Int64N(hi-lo+1)
}

func (f *Fake) pick(items []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return items[f.rng.IntN(len(items))]
}

// IsAvailable simulates upstream uptime
func (f *Fake) IsAvailable(_ context.Context) bool {
	return f.chance(f.opts.Availability)
}

// Fetch waits a simulated latency and returns a generated profile
func (f *Fake) Fetch(ctx context.Context, username string) (*Result, error) {
	if latency := f.latency(); latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if f.chance(f.opts.FailureRate) {
		return nil, fmt.Errorf("simulated scraping failure for username: %s", username)
	}

	payload := map[string]any{
		"username":        username,
		"name":            f.pick(fakeFirstNames) + " " + f.pick(fakeLastNames),
		"bio":             f.pick(fakeBios),
		"avatar_url":      "https://example.com/avatars/" + username + ".jpg",
		"cover_url":       "https://example.com/covers/" + username + ".jpg",
		"likes_count":     f.between(1000, 5000000),
		"posts_count":     f.between(10, 10000),
		"followers_count": f.between(100, 2000000),
		"following_count": f.between(50, 5000),
		"is_verified":     f.chance(0.15),
		"is_online":       f.chance(0.30),
		"joined_date":     f.now().AddDate(0, 0, -int(f.between(30, 1825))).Format(time.DateOnly),
	}
	if !f.chance(0.30) {
		payload["location"] = f.pick(fakeLocations)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fake payload: %w", err)
	}

	res, err := DecodeResult(body)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"username":        username,
		"likes_count":     payload["likes_count"],
		"followers_count": payload["followers_count"],
	}).Debug("Fake scrape succeeded")
	return res, nil
}

func (f *Fake) latency() time.Duration {
	if f.opts.MaxLatency <= f.opts.MinLatency {
		return f.opts.MinLatency
	}
	span := int64(f.opts.MaxLatency - f.opts.MinLatency)
	return f.opts.MinLatency + time.Duration(f.between(0, span))
}

var _ Executor = (*Fake)(nil)
