package models

import (
	"errors"
	"time"
)

// TokenStatus описывает состояние токена в журнале.
type TokenStatus string

const (
	TokenPending  TokenStatus = "pending"
	TokenRedeemed TokenStatus = "redeemed"
	TokenExpired  TokenStatus = "expired"
)

// EntitlementToken представляет выданный пользователю токен просмотра рекламы.
// Opaque содержит подписанный конверт, который уходит рекламному провайдеру и возвращается в колбэке.
type EntitlementToken struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	IssuedAt   time.Time   `json:"issued_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Status     TokenStatus `json:"status"`
	Opaque     string      `json:"-"`
	RedeemedAt *time.Time  `json:"redeemed_at,omitempty"`
}

// ExpiredAt сообщает, истёк ли токен к моменту now.
func (t EntitlementToken) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// RedeemOutcome результат попытки погасить токен.
type RedeemOutcome string

const (
	OutcomeRedeemed         RedeemOutcome = "redeemed"
	OutcomeAlreadyRedeemed  RedeemOutcome = "already_redeemed"
	OutcomeExpired          RedeemOutcome = "expired"
	OutcomeNotFound         RedeemOutcome = "not_found"
	OutcomeMalformed        RedeemOutcome = "malformed"
	OutcomeInvalidSignature RedeemOutcome = "invalid_signature"
	OutcomeIgnored          RedeemOutcome = "ignored"
)

// Ошибки журнала токенов и хранилища квот.
var (
	ErrDuplicateToken = errors.New("token already exists")
	ErrPendingExists  = errors.New("user already has a pending token")
	ErrInvalidCredit  = errors.New("credit amount must be positive")
	ErrQuotaNotFound  = errors.New("quota not found")
	ErrTokenNotFound  = errors.New("token not found")
)
