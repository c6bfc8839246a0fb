// Risktier - risk scoring and on-chain tier commits for Stellar addresses
package main

import (
	"context"
	"os"

	"github.com/mbd888/risktier/internal/config"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration first so the logger honors LOG_LEVEL
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting risktier",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"contract", cfg.ContractID,
		"method", cfg.ContractMethod,
		"server_signer", cfg.SignerSecret != "",
		"kafka", cfg.KafkaEnabled(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
