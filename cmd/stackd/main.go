package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/stackd/stackd/cmd/stackd/commands"
	"github.com/stackd/stackd/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	logger := setupLogging()

	// A second interrupt kills the process the hard way; the first one
	// cancels the context so an attached session can tear down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		logger.WithError(err).Error("Command execution failed")
		os.Exit(1)
	}
}

// setupLogging builds the root logger from the environment and installs its
// zerolog behind the global logger. Command output goes to stdout; logs go
// to stderr so they can be redirected independently.
func setupLogging() *telemetry.Logger {
	cfg := telemetry.LoggingConfig{
		Level:      os.Getenv("LOG_LEVEL"),
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "rfc3339",
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if os.Getenv("STACKD_LOG_FORMAT") == "json" {
		cfg.Format = "json"
	}

	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		// Only a file output can fail to open, and ours is stderr.
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	log.Logger = logger.Zerolog()
	return logger
}
