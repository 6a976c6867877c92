package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alvmarrod/profile-refresh/internal/api"
	"github.com/alvmarrod/profile-refresh/internal/app"
	"github.com/alvmarrod/profile-refresh/internal/config"
	"github.com/alvmarrod/profile-refresh/internal/version"
)

func main() {
	configPath := flag.String("config", "config.json", "path to a JSON or YAML config file")
	flag.Parse()

	// Configure logging
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("Profile Refresh v%s starting...", version.Version)

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using process environment")
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	app.SetupLogging(cfg)

	logrus.Infof("Configuration loaded: store=%s, queue=%s, executor=%s, workers=%d, interval=%v",
		cfg.DBDriver, cfg.QueueDriver, cfg.ExecutorDriver, cfg.ConcurrentWorkers, cfg.CycleInterval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	// Handle force quit on second signal
	go func() {
		<-ctx.Done()
		forceQuit := make(chan os.Signal, 1)
		signal.Notify(forceQuit, os.Interrupt, syscall.SIGTERM)
		sig := <-forceQuit
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		if err := a.Metrics.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency metrics save failed: %v", err)
		}
		os.Exit(1)
	}()

	a.StartBackground(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(a.Store, a.Dispatcher, a.Limiter, a.Metrics).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.Infof("API listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.Runner.Run(gctx, 30*time.Second)
	})

	g.Go(func() error {
		return a.Driver.Run(gctx)
	})

	// Progress logger
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logrus.Info(a.Metrics.LogProgress())
			}
		}
	})

	terminationReason := "signal"
	if err := g.Wait(); err != nil {
		terminationReason = "error"
		logrus.Errorf("Shutting down after error: %v", err)
	}

	logrus.Info("Final stats: " + a.Metrics.LogProgress())

	if err := a.Metrics.WriteToFile(cfg.MetricsPath, terminationReason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	} else {
		logrus.Infof("Metrics written to %s", cfg.MetricsPath)
	}

	logrus.Info("Graceful shutdown complete. Goodbye!")
}
