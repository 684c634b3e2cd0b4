// Package dispatcher собирает процесс, который забирает доставки из очереди и передаёт их боту.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	"github.com/magabrotheeeer/video-entitlements/internal/rabbitmq"
	"github.com/magabrotheeeer/video-entitlements/internal/services/dispatch"
)

// ErrBrokerClosed возвращается из Run, если брокер закрыл соединение.
var ErrBrokerClosed = errors.New("rabbitmq connection closed")

type App struct {
	logger      *slog.Logger
	conn        *amqp.Connection
	ch          *amqp.Channel
	service     *dispatch.Service
	registry    *prometheus.Registry
	metricsAddr string
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.dispatcher.New"

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.DeliveryQueues())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.BotDeliveryURL == "" {
		logger.Warn("bot delivery url is not set, deliveries will only be logged")
	}

	return &App{
		logger:      logger,
		conn:        conn,
		ch:          ch,
		service:     dispatch.New(cfg.BotDeliveryURL, cfg.DispatchTimeout, logger, m),
		registry:    reg,
		metricsAddr: cfg.AddressMetrics,
	}, nil
}

// Run читает все очереди доставок до отмены ctx или потери соединения с брокером.
func (a *App) Run(ctx context.Context) error {
	const op = "app.dispatcher.Run"
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range rabbitmq.DeliveryQueues() {
		if err := rabbitmq.ConsumeDeliveries(ctx, a.ch, q.QueueName, a.logger, a.service.Dispatch); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.logger.Info("consuming deliveries", slog.String("queue", q.QueueName))
	}

	closed := a.conn.NotifyClose(make(chan *amqp.Error, 1))
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("%w: %s", ErrBrokerClosed, amqpErr.Reason)
			}
			return ErrBrokerClosed
		}
	})
	g.Go(func() error {
		return metrics.ListenAndServe(ctx, a.metricsAddr, a.registry, a.logger)
	})
	return g.Wait()
}

func (a *App) close() {
	a.service.Close()
	if err := a.ch.Close(); err != nil {
		a.logger.Warn("failed to close rabbitmq channel", sl.Err(err))
	}
	if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		a.logger.Warn("failed to close rabbitmq connection", sl.Err(err))
	}
}
