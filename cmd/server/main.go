package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"lmsforum-sync/internal/app"
	"lmsforum-sync/internal/config"
	"lmsforum-sync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("failed to load configuration")
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start sync server")
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Error("sync server stopped with error")
		server.Close()
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
