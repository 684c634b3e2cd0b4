package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/video-entitlements/internal/app/sweeper"
	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	logger := sl.New(cfg.Env, os.Stdout)
	logger.Info("starting sweeper", slog.String("env", cfg.Env), slog.String("schedule", cfg.SweepSchedule), slog.String("metrics", cfg.AddressMetrics))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := sweeper.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize sweeper", sl.Err(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("sweeper stopped with error", sl.Err(err))
		os.Exit(1)
	}
	logger.Info("sweeper stopped")
}
