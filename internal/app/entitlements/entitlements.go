// Package entitlements собирает HTTP-сервис выдачи видео.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/http/handlers/health"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/adlink"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/token"
	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	"github.com/magabrotheeeer/video-entitlements/internal/rabbitmq"
	"github.com/magabrotheeeer/video-entitlements/internal/services/delivery"
	"github.com/magabrotheeeer/video-entitlements/internal/services/entitlement"
	"github.com/magabrotheeeer/video-entitlements/internal/storage"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	server    *http.Server
	logger    *slog.Logger
	store     storage.Store
	conn      *amqp.Connection
	publisher *rabbitmq.Publisher
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.entitlements.New"

	codec, err := token.NewCodec(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	linker, err := adlink.New(cfg.WatchURLTemplate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	store, err := storage.Open(ctx, cfg, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("storage ready", slog.String("driver", cfg.Driver))

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.DeliveryQueues())
	if err != nil {
		_ = conn.Close()
		_ = store.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	publisher := rabbitmq.NewPublisher(ch, m)
	logger.Info("rabbitmq channel ready", slog.String("exchange", rabbitmq.DeliveriesExchange))

	service := entitlement.New(store, codec, entitlement.Options{
		TokenTTL:     cfg.TokenTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, logger, m)
	gate := delivery.New(service, publisher, linker, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, cfg, Deps{
		Gate:     gate,
		Redeemer: service,
		Quotas:   service,
		Tokens:   service,
		Checkers: map[string]health.Checker{
			"storage": store,
			"rabbitmq": health.CheckerFunc(func(context.Context) error {
				if conn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			}),
		},
		Gatherer: reg,
	})

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server:    srv,
		logger:    logger,
		store:     store,
		conn:      conn,
		publisher: publisher,
	}, nil
}

// Run обслуживает запросы до отмены ctx, затем мягко останавливает сервер.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err = a.server.Shutdown(timeoutCtx)
	}
	a.close()
	return err
}

func (a *App) close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("failed to close rabbitmq channel", sl.Err(err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Warn("failed to close rabbitmq connection", sl.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close storage", sl.Err(err))
	}
}
