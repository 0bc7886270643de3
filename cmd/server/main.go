// Command server runs the referral commission engine and its operator API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/affiliate/internal/config"
	"github.com/mbd888/affiliate/internal/logging"
	"github.com/mbd888/affiliate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config says otherwise
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting affiliate engine",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
		"env", cfg.Env,
		"amountPrecision", cfg.AmountPrecision,
		"roundingMode", cfg.RoundingMode,
		"maxReferralDepth", cfg.MaxReferralDepth,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

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
