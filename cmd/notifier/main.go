package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/phenolab/streamnotify/internal/broadcast"
	"github.com/phenolab/streamnotify/internal/config"
	"github.com/phenolab/streamnotify/internal/domain"
	"github.com/phenolab/streamnotify/internal/mirror"
	"github.com/phenolab/streamnotify/internal/notify"
	"github.com/phenolab/streamnotify/internal/platform/logging"
	"github.com/phenolab/streamnotify/internal/platform/version"
	"github.com/phenolab/streamnotify/internal/server"
	"github.com/phenolab/streamnotify/internal/watch"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDetector(cfg *config.Config, clock clockwork.Clock) *watch.Detector {
	detector := watch.NewDetector(afero.NewOsFs(), cfg.WatchPath, watch.Options{
		SkipRows: cfg.SkipRows,
		Clock:    clock,
	})

	// Swallow rows already present at startup so only rows appended from
	// now on are announced.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := detector.Baseline(ctx); err != nil {
		slog.Warn("Could not establish file baseline, starting empty", "path", cfg.WatchPath, "error", err)
	}

	return detector
}

func setupMirror(cfg *config.Config) (*mirror.Mirror, *goredis.Client) {
	if cfg.RedisURL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mirror.Connect(ctx, cfg.RedisURL)
	if err != nil {
		// The mirror is best-effort: run without it rather than refuse to start.
		slog.Warn("Redis unreachable, event mirror disabled", "error", err)
		return nil, nil
	}

	return mirror.New(client, cfg.EventChannel), client
}

func runGracefulShutdown(srv *server.Server, notifier *notify.Service, broadcaster *broadcast.Broadcaster, redisClient *goredis.Client) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		notifier.Stop()
		broadcaster.Stop()

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				slog.Error("Redis close error", "error", err)
			}
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Notifier starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"watch_path", cfg.WatchPath,
		"version", version.Get().Version,
	)

	detector := setupDetector(cfg, clock)

	broadcaster := broadcast.NewBroadcaster(clock, cfg.MaxConnections)

	sink := domain.MultiSink{broadcaster}
	eventMirror, redisClient := setupMirror(cfg)
	if eventMirror != nil {
		sink = append(sink, eventMirror)
		slog.Info("Redis event mirror enabled", "channel", cfg.EventChannel)
	}

	notifier := notify.NewService(detector, sink, cfg.PollInterval, notify.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Clock:             clock,
	})
	notifier.Start()

	srv := server.NewServer(cfg, broadcaster)

	done := runGracefulShutdown(srv, notifier, broadcaster, redisClient)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
