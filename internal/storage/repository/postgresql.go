// Package repository реализует хранилище квот пользователей и журнал токенов
// просмотра рекламы на основе PostgreSQL. Все изменения выполняются одним
// условным запросом, поэтому хранилище безопасно при конкурентных обращениях
// из нескольких процессов.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

const (
	tokensPrimaryKey  = "entitlement_tokens_pkey"
	pendingUserUnique = "ux_entitlement_tokens_pending_user"
)

// Storage инкапсулирует соединение с базой данных PostgreSQL.
type Storage struct {
	DB        *sql.DB
	freeQuota int
}

// querier общий интерфейс *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New создаёт подключение к PostgreSQL. freeQuota задаёт число бесплатных доставок нового пользователя.
func New(storageConnectionString string, freeQuota int) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{
		DB:        db,
		freeQuota: freeQuota,
	}, nil
}

// Close закрывает соединение с базой.
func (s *Storage) Close() error {
	return s.DB.Close()
}

// Ping проверяет доступность базы.
func (s *Storage) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// CheckDatabaseReady проверяет, что миграции применены.
func CheckDatabaseReady(ctx context.Context, storage *Storage) error {
	var exists bool
	err := storage.DB.QueryRowContext(ctx, `SELECT EXISTS (
        SELECT FROM information_schema.tables
        WHERE table_name = 'entitlement_tokens'
    )`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("readiness query failed: %w", err)
	}
	if !exists {
		return errors.New("required table entitlement_tokens missing")
	}
	return nil
}

// classifyInsertError переводит нарушения уникальности в доменные ошибки.
func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case tokensPrimaryKey:
		return models.ErrDuplicateToken
	case pendingUserUnique:
		return models.ErrPendingExists
	default:
		return err
	}
}
