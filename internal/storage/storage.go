// Package storage выбирает хранилище квот и журнала токенов по конфигу.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/migrations"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
	"github.com/magabrotheeeer/video-entitlements/internal/storage/redisstore"
	"github.com/magabrotheeeer/video-entitlements/internal/storage/repository"
)

// Store общий набор операций обоих драйверов.
type Store interface {
	GetOrInit(ctx context.Context, userID string) (models.UserQuota, error)
	TryConsumeFree(ctx context.Context, userID string) (bool, error)
	TryConsumeBonus(ctx context.Context, userID string) (bool, error)
	CreditBonus(ctx context.Context, userID string, n int) error

	RecordPending(ctx context.Context, token models.EntitlementToken) error
	TryRedeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, error)
	TryRedeemAndCredit(ctx context.Context, tokenID string, now time.Time, credits int) (models.RedeemOutcome, error)
	FindPendingForUser(ctx context.Context, userID string, now time.Time) (*models.EntitlementToken, error)
	GetToken(ctx context.Context, tokenID string) (models.EntitlementToken, error)
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*repository.Storage)(nil)
	_ Store = (*redisstore.Store)(nil)
)

const (
	readyAttempts = 10
	readyDelay    = 3 * time.Second
)

// Open подключается к хранилищу cfg.Driver. Для postgres применяет миграции,
// если migrate равно true, и ждёт появления схемы.
func Open(ctx context.Context, cfg *config.Config, migrate bool) (Store, error) {
	const op = "storage.Open"
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := repository.New(cfg.ConnectionString, cfg.FreeQuota)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if migrate {
			if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		if err = waitForSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return db, nil
	case config.DriverRedis:
		st, err := redisstore.InitServer(ctx, cfg.RedisConnection, cfg.FreeQuota, cfg.Retention)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%s: unknown driver %q", op, cfg.Driver)
	}
}

func waitForSchema(ctx context.Context, db *repository.Storage) error {
	var err error
	for range readyAttempts {
		if err = repository.CheckDatabaseReady(ctx, db); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyDelay):
		}
	}
	return fmt.Errorf("database not ready after %d attempts: %w", readyAttempts, err)
}
