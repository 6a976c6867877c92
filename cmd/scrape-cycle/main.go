package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/app"
	"github.com/alvmarrod/profile-refresh/internal/config"
	"github.com/alvmarrod/profile-refresh/internal/schedule"
	"github.com/alvmarrod/profile-refresh/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file (defaults when empty)")
	limit := flag.Int("limit", 100, "maximum number of profiles to queue")
	seed := flag.Int("seed", 0, "insert this many synthetic profiles before the cycle")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	app.SetupLogging(cfg)

	if *limit < 1 {
		logrus.Fatalf("limit must be >= 1, got %d", *limit)
	}
	cfg.CycleLimit = *limit

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}

	code := run(ctx, a, *seed)
	if err := a.Close(); err != nil {
		logrus.Warnf("Failed to close resources: %v", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, seed int) int {
	fmt.Printf("Profile Refresh v%s: starting scheduled profile scraping (limit: %d)...\n", version.Version, a.Config.CycleLimit)

	if seed > 0 {
		n, err := app.Seed(ctx, a.Store, seed, uint64(os.Getpid()))
		if err != nil {
			logrus.Errorf("Seeding failed: %v", err)
			return 1
		}
		fmt.Printf("Seeded %d profiles\n", n)
	}

	report, err := a.Driver.RunOnce(ctx)
	if errors.Is(err, schedule.ErrCycleInProgress) {
		logrus.Info("Refresh cycle skipped, another cycle is running")
		return 0
	}
	if err != nil {
		logrus.Errorf("Refresh cycle failed: %v", err)
		return 1
	}

	if report.Queued == 0 && report.Skipped == 0 {
		fmt.Println("No profiles need scraping at this time.")
		return 0
	}

	fmt.Printf("Successfully queued %d profiles for scraping:\n", report.Queued)
	fmt.Printf("  - High priority (>100k likes): %d\n", report.HighPriority)
	fmt.Printf("  - Regular priority: %d\n", report.Regular)
	if report.Skipped > 0 {
		fmt.Printf("  - Skipped (already in flight): %d\n", report.Skipped)
	}
	if report.Errors > 0 {
		fmt.Printf("  - Submission errors: %d\n", report.Errors)
	}
	return 0
}
