package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

// GetOrInit возвращает квоту пользователя, создавая её при первом обращении.
// Существующая запись никогда не перезаписывается.
func (s *Storage) GetOrInit(ctx context.Context, userID string) (models.UserQuota, error) {
	const op = "storage.GetOrInit"
	select {
	case <-ctx.Done():
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx, `INSERT INTO user_quotas (user_id, free_remaining, bonus_credits)
			  VALUES ($1, $2, 0)
			  ON CONFLICT (user_id) DO NOTHING`, userID, s.freeQuota)
	if err != nil {
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, err)
	}

	var q models.UserQuota
	err = s.DB.QueryRowContext(ctx, `SELECT user_id, free_remaining, bonus_credits, updated_at
			  FROM user_quotas WHERE user_id = $1`, userID).
		Scan(&q.UserID, &q.FreeRemaining, &q.BonusCredits, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserQuota{}, fmt.Errorf("%s: %w", op, models.ErrQuotaNotFound)
		}
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, err)
	}
	return q, nil
}

// TryConsumeFree списывает одну бесплатную доставку, если она есть.
func (s *Storage) TryConsumeFree(ctx context.Context, userID string) (bool, error) {
	return s.tryConsume(ctx, "storage.TryConsumeFree", `UPDATE user_quotas
			  SET free_remaining = free_remaining - 1, updated_at = NOW()
			  WHERE user_id = $1 AND free_remaining >= 1`, userID)
}

// TryConsumeBonus списывает один бонусный кредит, если он есть.
func (s *Storage) TryConsumeBonus(ctx context.Context, userID string) (bool, error) {
	return s.tryConsume(ctx, "storage.TryConsumeBonus", `UPDATE user_quotas
			  SET bonus_credits = bonus_credits - 1, updated_at = NOW()
			  WHERE user_id = $1 AND bonus_credits >= 1`, userID)
}

func (s *Storage) tryConsume(ctx context.Context, op, query, userID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	result, err := s.DB.ExecContext(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rowsAffected == 1, nil
}

// CreditBonus начисляет пользователю n бонусных кредитов.
func (s *Storage) CreditBonus(ctx context.Context, userID string, n int) error {
	const op = "storage.CreditBonus"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if err := s.creditBonus(ctx, s.DB, userID, n); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) creditBonus(ctx context.Context, q querier, userID string, n int) error {
	if n <= 0 {
		return models.ErrInvalidCredit
	}
	_, err := q.ExecContext(ctx, `INSERT INTO user_quotas (user_id, free_remaining, bonus_credits)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (user_id) DO UPDATE
			  SET bonus_credits = user_quotas.bonus_credits + EXCLUDED.bonus_credits, updated_at = NOW()`,
		userID, s.freeQuota, n)
	return err
}
