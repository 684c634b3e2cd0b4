// Package delivery единая точка, через которую приложение запрашивает отправку видео.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
	"github.com/magabrotheeeer/video-entitlements/internal/services/entitlement"
)

var ErrEmptyVideoKey = errors.New("video key is required")

// Entitlements решает, можно ли выдать доставку.
type Entitlements interface {
	RequestDelivery(ctx context.Context, userID string) (entitlement.Decision, error)
}

// Transport отправляет видео пользователю.
type Transport interface {
	Deliver(ctx context.Context, d models.Delivery) error
}

// AdLinker встраивает токен в ссылку на просмотр рекламы.
type AdLinker interface {
	Link(token string) string
}

// Result итог запроса. При Granted поля токена пусты.
type Result struct {
	Granted   bool
	Tier      entitlement.Tier
	Token     string
	AdURL     string
	ExpiresAt time.Time
}

// Gate связывает решение о выдаче с транспортом и генератором рекламных ссылок.
type Gate struct {
	entitlements Entitlements
	transport    Transport
	linker       AdLinker
	log          *slog.Logger
	now          func() time.Time
}

// New создаёт Gate.
func New(e Entitlements, t Transport, l AdLinker, log *slog.Logger) *Gate {
	return &Gate{
		entitlements: e,
		transport:    t,
		linker:       l,
		log:          log,
		now:          time.Now,
	}
}

// RequestDelivery передаёт видео транспорту либо возвращает ссылку на рекламу с токеном.
func (g *Gate) RequestDelivery(ctx context.Context, userID, videoKey string) (Result, error) {
	const op = "delivery.RequestDelivery"
	log := g.log.With(slog.String("op", op), slog.String("user_id", userID), slog.String("video_key", videoKey))

	if videoKey == "" {
		return Result{}, fmt.Errorf("%s: %w", op, ErrEmptyVideoKey)
	}

	decision, err := g.entitlements.RequestDelivery(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	if decision.Kind == entitlement.DecisionAdRequired {
		return Result{
			Token:     decision.Token.Opaque,
			AdURL:     g.linker.Link(decision.Token.Opaque),
			ExpiresAt: decision.Token.ExpiresAt,
		}, nil
	}

	err = g.transport.Deliver(ctx, models.Delivery{
		UserID:    userID,
		VideoKey:  videoKey,
		Tier:      string(decision.Tier),
		GrantedAt: g.now().UTC(),
	})
	if err != nil {
		log.Error("failed to hand delivery to transport", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	return Result{Granted: true, Tier: decision.Tier}, nil
}
