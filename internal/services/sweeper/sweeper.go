// Package sweeper периодически переводит просроченные pending-токены в expired
// и удаляет завершённые токены старше окна хранения.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
)

type Ledger interface {
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Result число токенов, обработанных одним проходом.
type Result struct {
	Expired int64
	Purged  int64
}

type Service struct {
	ledger    Ledger
	retention time.Duration
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(ledger Ledger, retention, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		ledger:    ledger,
		retention: retention,
		timeout:   timeout,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Sweep выполняет оба задания параллельно.
func (s *Service) Sweep(ctx context.Context) (Result, error) {
	const op = "sweeper.Sweep"
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	now := s.now().UTC()
	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.ledger.ExpirePending(gctx, now)
		if err != nil {
			return err
		}
		res.Expired = n
		return nil
	})
	g.Go(func() error {
		n, err := s.ledger.PurgeExpired(gctx, now.Add(-s.retention))
		if err != nil {
			return err
		}
		res.Purged = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.Swept("expire", res.Expired)
	s.metrics.Swept("purge", res.Purged)
	return res, nil
}

// Run запускает Sweep по расписанию cron до отмены ctx.
func (s *Service) Run(ctx context.Context, schedule string) error {
	const op = "sweeper.Run"
	log := s.log.With(slog.String("op", op))

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log})))
	_, err := c.AddFunc(schedule, func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			log.Error("sweep failed", sl.Err(err))
			return
		}
		log.Info("sweep finished", slog.Int64("expired", res.Expired), slog.Int64("purged", res.Purged))
	})
	if err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", op, schedule, err)
	}

	c.Start()
	log.Info("sweeper started", slog.String("schedule", schedule))
	<-ctx.Done()

	<-c.Stop().Done()
	log.Info("sweeper stopped")
	return nil
}

// cronLogger направляет служебные сообщения cron в slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, sl.Err(err))...)
}
