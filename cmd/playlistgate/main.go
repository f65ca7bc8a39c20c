// Package main is the entry point for playlistgate, the gateway in front of
// the playlist conversion backend.
//
// playlistgate accepts the public /api/* requests and:
//   - admits them through per-client fixed-window rate limits (in memory or Redis)
//   - validates the playlist link before anything reaches the backend
//   - forwards them to the configured backend with retries and hop-by-hop header stripping
//   - stores and serves shared playlist snapshots in Redis
//   - exposes Prometheus metrics, health probes, structured logs and OpenTelemetry traces
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/observability"
	"github.com/playlistgate/playlistgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("playlistgate %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting playlistgate", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("playlistgate shut down gracefully")
}
