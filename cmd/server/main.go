// Marketescrow - escrow lifecycle engine for marketplace listings
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/marketescrow/internal/config"
	"github.com/mbd888/marketescrow/internal/logging"
	"github.com/mbd888/marketescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting marketescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"custody_agent", cfg.CustodyAgent,
		"postgres", cfg.DatabaseURL != "",
		"sqlite", cfg.SQLitePath != "",
		"listing_webhook", cfg.ListingWebhookURL != "",
	)

	if Version != "dev" {
		server.Version = Version
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		stop()
		os.Exit(1)
	}
}
