// Package app wires configured components into a runnable engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/config"
	"github.com/alvmarrod/profile-refresh/internal/dispatch"
	"github.com/alvmarrod/profile-refresh/internal/executor"
	"github.com/alvmarrod/profile-refresh/internal/memory"
	"github.com/alvmarrod/profile-refresh/internal/metrics"
	"github.com/alvmarrod/profile-refresh/internal/queue"
	"github.com/alvmarrod/profile-refresh/internal/ratelimit"
	"github.com/alvmarrod/profile-refresh/internal/schedule"
	"github.com/alvmarrod/profile-refresh/internal/selector"
	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/version"
)

// App holds the components built from a Config
type App struct {
	Config     *config.Config
	Store      storage.Store
	Queue      queue.Queue
	Executor   executor.Executor
	Metrics    *metrics.Tracker
	Selector   *selector.Selector
	Dispatcher *dispatch.Dispatcher
	Driver     *schedule.Driver
	Limiter    *ratelimit.Limiter
	Runner     *dispatch.Runner

	rateStore *ratelimit.MemoryStore
	redis     *redis.Client
}

// SetupLogging configures the global logger
func SetupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(cfg.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logrus.SetOutput(os.Stderr)
}

// New opens stores and builds every component. Close releases them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.NewTracker()}

	var err error
	if a.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if a.Queue, err = openQueue(ctx, cfg, a.Store); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RateLimitStore == "redis" || cfg.LockBackend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logrus.Infof("Redis connected: %s", cfg.RedisAddr)
	}

	if a.Executor, err = newExecutor(cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.Dispatcher = dispatch.New(a.Store, a.Queue, a.Executor, dispatch.Options{
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff(),
		TaskTimeout:  cfg.TaskTimeout(),
		MinDelay:     cfg.MinDelay(),
		MaxDelay:     cfg.MaxDelay(),
	}, a.Metrics)
	a.Selector = selector.New(a.Store)

	locker, err := a.newLocker()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Driver = schedule.NewDriver(a.Selector, a.Dispatcher, locker, schedule.Options{
		Interval:   cfg.CycleInterval(),
		Limit:      cfg.CycleLimit,
		StaleAfter: cfg.StaleAttemptAge(),
	})

	if a.redis != nil && cfg.RateLimitStore == "redis" {
		a.Limiter = ratelimit.New(ratelimit.NewRedisStore(a.redis), nil)
	} else {
		a.rateStore = ratelimit.NewMemoryStore()
		a.Limiter = ratelimit.New(a.rateStore, nil)
	}

	a.Runner = dispatch.NewRunner(a.Queue, a.Dispatcher.Handle, cfg.ConcurrentWorkers, cfg.QueuePoll())

	logrus.WithFields(logrus.Fields{
		"version":  version.Version,
		"store":    cfg.DBDriver,
		"queue":    cfg.QueueDriver,
		"executor": cfg.ExecutorDriver,
		"lock":     cfg.LockBackend,
		"workers":  cfg.ConcurrentWorkers,
	}).Info("Engine assembled")

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		store, err := storage.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		logrus.Info("Database initialized: postgres")
		return store, nil
	case "memory":
		logrus.Warn("Using in-memory storage, data is lost on exit")
		return memory.NewStore(), nil
	default:
		store, err := storage.NewStorage(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		logrus.Infof("Database initialized: %s", cfg.DBPath)
		return store, nil
	}
}

// openQueue builds the task queue. A sqlite queue pointed at the profile
// database shares its connection pool.
func openQueue(ctx context.Context, cfg *config.Config, store storage.Store) (queue.Queue, error) {
	if cfg.QueueDriver == "memory" {
		return queue.NewMemory(cfg.QueueVisibility()), nil
	}

	opts := queue.Options{Name: "scrapes", Visibility: cfg.QueueVisibility()}
	if s, ok := store.(*storage.Storage); ok && cfg.QueuePath == cfg.DBPath {
		q, err := queue.NewSQLite(ctx, s.DB(), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize task queue: %w", err)
		}
		logrus.Infof("Task queue initialized in %s", cfg.DBPath)
		return q, nil
	}

	q, err := queue.OpenSQLite(cfg.QueuePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task queue: %w", err)
	}
	logrus.Infof("Task queue initialized: %s", cfg.QueuePath)
	return q, nil
}

func newExecutor(cfg *config.Config) (executor.Executor, error) {
	if cfg.ExecutorDriver == "api" {
		client, err := executor.NewAPIClient(executor.APIConfig{
			BaseURL:        cfg.UpstreamBaseURL,
			APIKey:         cfg.UpstreamAPIKey,
			RequestsPerSec: cfg.UpstreamRPS,
			Timeout:        cfg.UpstreamTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream client: %w", err)
		}
		if cfg.UpstreamAPIKey == "" {
			logrus.Warn("No upstream API key configured, executor will report unavailable")
		}
		return client, nil
	}
	return executor.NewFake(executor.DefaultFakeOptions()), nil
}

func (a *App) newLocker() (schedule.Locker, error) {
	switch a.Config.LockBackend {
	case "redis":
		return schedule.NewRedisLocker(a.redis), nil
	case "sqlite":
		leases, ok := a.Queue.(*queue.SQLite)
		if !ok {
			return nil, errors.New("sqlite lock backend requires the sqlite queue")
		}
		return schedule.NewLeaseLocker(leases), nil
	default:
		return schedule.NewLocalLocker(), nil
	}
}

// StartBackground launches maintenance loops that stop with ctx
func (a *App) StartBackground(ctx context.Context) {
	if a.rateStore != nil {
		a.rateStore.StartGC(ctx, 5*time.Minute)
	}
}

// Close releases stores and connections
func (a *App) Close() error {
	var errs []error

	if m, ok := a.Store.(*memory.Store); ok {
		profiles, attempts := m.GetStats()
		logrus.Infof("In-memory store held %d profiles and %d attempts", profiles, attempts)
	}

	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
