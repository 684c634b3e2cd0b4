package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

// RecordPending сохраняет новый токен со статусом pending.
// Истёкший, но не погашенный токен пользователя предварительно переводится в expired.
func (s *Storage) RecordPending(ctx context.Context, token models.EntitlementToken) error {
	const op = "storage.RecordPending"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `UPDATE entitlement_tokens SET status = 'expired'
			  WHERE user_id = $1 AND status = 'pending' AND expires_at <= $2`,
		token.UserID, token.IssuedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO entitlement_tokens
			      (token_id, user_id, opaque, status, issued_at, expires_at)
			  VALUES ($1, $2, $3, 'pending', $4, $5)`,
		token.ID, token.UserID, token.Opaque, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classifyInsertError(err))
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, classifyInsertError(err))
	}
	return nil
}

// TryRedeem атомарно переводит токен из pending в redeemed.
func (s *Storage) TryRedeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, error) {
	const op = "storage.TryRedeem"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	outcome, _, err := redeem(ctx, s.DB, tokenID, now)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return outcome, nil
}

// TryRedeemAndCredit гасит токен и начисляет владельцу credits бонусных кредитов в одной транзакции.
func (s *Storage) TryRedeemAndCredit(ctx context.Context, tokenID string, now time.Time, credits int) (models.RedeemOutcome, error) {
	const op = "storage.TryRedeemAndCredit"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	outcome, userID, err := redeem(ctx, tx, tokenID, now)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if outcome == models.OutcomeRedeemed {
		if err = s.creditBonus(ctx, tx, userID, credits); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return outcome, nil
}

// redeem выполняет единственный условный переход pending -> redeemed и,
// если он не состоялся, классифицирует текущее состояние токена.
func redeem(ctx context.Context, q querier, tokenID string, now time.Time) (models.RedeemOutcome, string, error) {
	var userID string
	err := q.QueryRowContext(ctx, `UPDATE entitlement_tokens
			  SET status = 'redeemed', redeemed_at = $2
			  WHERE token_id = $1 AND status = 'pending' AND expires_at > $2
			  RETURNING user_id`, tokenID, now).Scan(&userID)
	if err == nil {
		return models.OutcomeRedeemed, userID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", err
	}

	var (
		status    models.TokenStatus
		expiresAt time.Time
	)
	err = q.QueryRowContext(ctx, `SELECT user_id, status, expires_at
			  FROM entitlement_tokens WHERE token_id = $1`, tokenID).Scan(&userID, &status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OutcomeNotFound, "", nil
	}
	if err != nil {
		return "", "", err
	}

	switch status {
	case models.TokenRedeemed:
		return models.OutcomeAlreadyRedeemed, userID, nil
	case models.TokenExpired:
		return models.OutcomeExpired, userID, nil
	case models.TokenPending:
		if expiresAt.After(now) {
			return "", "", fmt.Errorf("token %s is pending and valid after failed redeem", tokenID)
		}
		if _, err = q.ExecContext(ctx, `UPDATE entitlement_tokens SET status = 'expired'
				  WHERE token_id = $1 AND status = 'pending' AND expires_at <= $2`, tokenID, now); err != nil {
			return "", "", err
		}
		return models.OutcomeExpired, userID, nil
	default:
		return "", "", fmt.Errorf("token %s has unknown status %q", tokenID, status)
	}
}

// FindPendingForUser возвращает действующий pending-токен пользователя или nil.
// Просроченный pending-токен переводится в expired.
func (s *Storage) FindPendingForUser(ctx context.Context, userID string, now time.Time) (*models.EntitlementToken, error) {
	const op = "storage.FindPendingForUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var t models.EntitlementToken
	err := s.DB.QueryRowContext(ctx, `SELECT token_id, user_id, opaque, status, issued_at, expires_at
			  FROM entitlement_tokens
			  WHERE user_id = $1 AND status = 'pending'`, userID).
		Scan(&t.ID, &t.UserID, &t.Opaque, &t.Status, &t.IssuedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if t.ExpiredAt(now) {
		_, err = s.DB.ExecContext(ctx, `UPDATE entitlement_tokens SET status = 'expired'
				  WHERE token_id = $1 AND status = 'pending'`, t.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, nil
	}
	return &t, nil
}

// GetToken возвращает запись журнала без изменения её статуса.
func (s *Storage) GetToken(ctx context.Context, tokenID string) (models.EntitlementToken, error) {
	const op = "storage.GetToken"
	select {
	case <-ctx.Done():
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var (
		t          models.EntitlementToken
		redeemedAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `SELECT token_id, user_id, opaque, status, issued_at, expires_at, redeemed_at
			  FROM entitlement_tokens WHERE token_id = $1`, tokenID).
		Scan(&t.ID, &t.UserID, &t.Opaque, &t.Status, &t.IssuedAt, &t.ExpiresAt, &redeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, models.ErrTokenNotFound)
	}
	if err != nil {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if redeemedAt.Valid {
		at := redeemedAt.Time.UTC()
		t.RedeemedAt = &at
	}
	return t, nil
}

// ExpirePending переводит все просроченные pending-токены в expired и возвращает их число.
func (s *Storage) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.ExpirePending"
	return s.execCount(ctx, op, `UPDATE entitlement_tokens SET status = 'expired'
			  WHERE status = 'pending' AND expires_at <= $1`, now)
}

// PurgeExpired удаляет завершённые токены, истёкшие раньше before.
func (s *Storage) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.PurgeExpired"
	return s.execCount(ctx, op, `DELETE FROM entitlement_tokens
			  WHERE status <> 'pending' AND expires_at < $1`, before)
}

func (s *Storage) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return rowsAffected, nil
}
