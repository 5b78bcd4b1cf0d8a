// Trustforge - escrow for peer-to-peer skill exchanges
package main

import (
	"context"
	"os"

	"github.com/skillxchange/trustforge/internal/config"
	"github.com/skillxchange/trustforge/internal/logging"
	"github.com/skillxchange/trustforge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting trustforge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"ledger_rail", cfg.LedgerRail,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"rabbitmq", cfg.RabbitMQURL != "",
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
