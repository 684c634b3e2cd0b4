// Package callback принимает подтверждения просмотра рекламы от провайдера.
//
// Погасить токен может только колбэк со статусом "completed". Отказ (повтор,
// истёкший или поддельный токен) подтверждается кодом 200 с исходом в теле,
// чтобы провайдер не повторял запрос. Код 503 означает сбой хранилища,
// повтор в этом случае безопасен.
package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/video-entitlements/internal/http/response"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
	"github.com/magabrotheeeer/video-entitlements/internal/services/entitlement"
)

// StatusCompleted статус колбэка о досмотренной рекламе.
const StatusCompleted = "completed"

// Redeemer гасит токен просмотра рекламы.
type Redeemer interface {
	RedeemToken(ctx context.Context, opaque string) (entitlement.RedeemResult, error)
}

// Payload тело колбэка провайдера.
type Payload struct {
	Token  string `json:"token" validate:"required,max=2048"`
	Status string `json:"status" validate:"required"`
}

// Handler обработчик POST /api/v1/ads/callback.
type Handler struct {
	log      *slog.Logger
	redeemer Redeemer
	validate *validator.Validate
}

// New создаёт обработчик колбэка с валидатором тела запроса.
func New(log *slog.Logger, redeemer Redeemer) *Handler {
	return &Handler{
		log:      log,
		redeemer: redeemer,
		validate: validator.New(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.ads.callback"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Error("failed to decode callback", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		log.Warn("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	if payload.Status != StatusCompleted {
		log.Info("ignored callback", slog.String("status", payload.Status))
		render.JSON(w, r, response.OKWithData(map[string]any{
			"outcome": string(models.OutcomeIgnored),
		}))
		return
	}

	res, err := h.redeemer.RedeemToken(r.Context(), payload.Token)
	if err != nil {
		log.Error("failed to redeem token", sl.Err(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("temporarily unavailable, retry later"))
		return
	}

	log.Info("callback processed", slog.String("outcome", string(res.Outcome)), slog.String("token_id", res.TokenID))
	render.JSON(w, r, response.OKWithData(map[string]any{
		"outcome": string(res.Outcome),
	}))
}
