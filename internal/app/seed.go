package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/executor"
	"github.com/alvmarrod/profile-refresh/internal/storage"
)

// Seed inserts n synthetic profiles for local runs. Most carry a last scrape
// within the past month so a cycle sees a mix of due and fresh profiles.
func Seed(ctx context.Context, store storage.Store, n int, seed uint64) (int, error) {
	gen := executor.NewFake(executor.FakeOptions{Availability: 1, Seed: seed})
	rng := rand.New(rand.NewPCG(seed, seed+1))
	now := time.Now()

	inserted := 0
	for i := 0; i < n; i++ {
		username := fmt.Sprintf("seed_%d_%04d", seed%10000, i)
		existing, err := store.GetProfile(ctx, username)
		if err != nil {
			return inserted, err
		}
		if existing != nil {
			continue
		}

		res, err := gen.Fetch(ctx, username)
		if err != nil {
			return inserted, fmt.Errorf("generate %s: %w", username, err)
		}

		p := &storage.Profile{Username: username}
		res.Fields.ApplyTo(p)
		if rng.Float64() < 0.8 {
			last := now.Add(-time.Duration(rng.Int64N(int64(30 * 24 * time.Hour))))
			p.LastScrapedAt = &last
		}

		if err := store.InsertProfile(ctx, p); err != nil {
			return inserted, fmt.Errorf("insert %s: %w", username, err)
		}
		if err := store.RefreshSearchIndex(ctx, p.ID); err != nil {
			return inserted, fmt.Errorf("index %s: %w", username, err)
		}
		inserted++
	}

	logrus.Infof("Seeded %d profiles", inserted)
	return inserted, nil
}
