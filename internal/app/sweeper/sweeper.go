// Package sweeper собирает фоновый процесс очистки журнала токенов.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	sweepservice "github.com/magabrotheeeer/video-entitlements/internal/services/sweeper"
	"github.com/magabrotheeeer/video-entitlements/internal/storage"
)

type App struct {
	logger      *slog.Logger
	store       storage.Store
	service     *sweepservice.Service
	schedule    string
	registry    *prometheus.Registry
	metricsAddr string
}

// New подключается к хранилищу. Миграции применяет только HTTP-сервис.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.sweeper.New"

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	store, err := storage.Open(ctx, cfg, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &App{
		logger:      logger,
		store:       store,
		service:     sweepservice.New(store, cfg.Retention, cfg.StoreTimeout, logger, m),
		schedule:    cfg.SweepSchedule,
		registry:    reg,
		metricsAddr: cfg.AddressMetrics,
	}, nil
}

// Run выполняет один проход сразу, затем работает по расписанию до отмены ctx.
// Рядом поднимается листенер /metrics.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close storage", sl.Err(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.ListenAndServe(ctx, a.metricsAddr, a.registry, a.logger)
	})
	g.Go(func() error {
		if res, err := a.service.Sweep(ctx); err != nil {
			a.logger.Error("initial sweep failed", sl.Err(err))
		} else {
			a.logger.Info("initial sweep finished", slog.Int64("expired", res.Expired), slog.Int64("purged", res.Purged))
		}
		return a.service.Run(ctx, a.schedule)
	})
	return g.Wait()
}
