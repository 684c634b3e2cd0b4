// Package status отвечает пользователю, засчитан ли его просмотр рекламы.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/video-entitlements/internal/http/response"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
	"github.com/magabrotheeeer/video-entitlements/internal/services/entitlement"
)

// TokenReader читает состояние токена по его конверту.
type TokenReader interface {
	TokenStatus(ctx context.Context, opaque string) (entitlement.TokenState, error)
}

// Handler обработчик GET /api/v1/tokens/{token}.
type Handler struct {
	log    *slog.Logger
	reader TokenReader
}

// New создаёт обработчик статуса токена.
func New(log *slog.Logger, reader TokenReader) *Handler {
	return &Handler{
		log:    log,
		reader: reader,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.tokens.status"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	state, err := h.reader.TokenStatus(r.Context(), chi.URLParam(r, "token"))
	switch {
	case err == nil:
	case errors.Is(err, entitlement.ErrInvalidToken):
		log.Warn("invalid token in status request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid token"))
		return
	case errors.Is(err, models.ErrTokenNotFound):
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("token not found"))
		return
	default:
		log.Error("failed to read token status", sl.Err(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("temporarily unavailable, retry later"))
		return
	}

	data := map[string]any{
		"status":     string(state.Status),
		"expires_at": state.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if state.RedeemedAt != nil {
		data["redeemed_at"] = state.RedeemedAt.UTC().Format(time.RFC3339)
	}
	render.JSON(w, r, response.OKWithData(data))
}
