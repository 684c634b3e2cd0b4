// Package main процесс передачи разрешённых доставок из очереди в транспорт бота.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/video-entitlements/internal/app/dispatcher"
	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	logger := sl.New(cfg.Env, os.Stdout)
	logger.Info("starting dispatcher", slog.String("env", cfg.Env), slog.String("metrics", cfg.AddressMetrics))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := dispatcher.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dispatcher", sl.Err(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("dispatcher stopped with error", sl.Err(err))
		os.Exit(1)
	}
	logger.Info("dispatcher stopped")
}
