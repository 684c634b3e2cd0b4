// Package create обрабатывает запрос пользователя на доставку видео.
//
// Ответ содержит либо разрешение (видео передано транспорту),
// либо ссылку на просмотр рекламы с токеном.
package create

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/video-entitlements/internal/http/response"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/services/delivery"
	"github.com/magabrotheeeer/video-entitlements/internal/services/entitlement"
)

// Gate решает судьбу запроса на доставку.
type Gate interface {
	RequestDelivery(ctx context.Context, userID, videoKey string) (delivery.Result, error)
}

// Request тело запроса на доставку.
type Request struct {
	UserID   string `json:"user_id" validate:"required,max=128,printascii"`
	VideoKey string `json:"video_key" validate:"required,max=256"`
}

// Handler обработчик POST /api/v1/deliveries.
type Handler struct {
	log      *slog.Logger
	gate     Gate
	validate *validator.Validate
}

// New создаёт обработчик запроса на доставку.
func New(log *slog.Logger, gate Gate) *Handler {
	return &Handler{
		log:      log,
		gate:     gate,
		validate: validator.New(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.deliveries.create"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Warn("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	res, err := h.gate.RequestDelivery(r.Context(), req.UserID, req.VideoKey)
	if err != nil {
		log.Error("failed to request delivery", slog.String("user_id", req.UserID), sl.Err(err))
		if errors.Is(err, entitlement.ErrStoreUnavailable) || errors.Is(err, entitlement.ErrTokenContention) {
			w.WriteHeader(http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("temporarily unavailable, retry later"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not process delivery"))
		return
	}

	if res.Granted {
		log.Info("delivery granted", slog.String("user_id", req.UserID), slog.String("tier", string(res.Tier)))
		render.JSON(w, r, response.OKWithData(map[string]any{
			"decision": string(entitlement.DecisionGranted),
			"tier":     string(res.Tier),
		}))
		return
	}

	log.Info("ad watch required", slog.String("user_id", req.UserID))
	render.JSON(w, r, response.OKWithData(map[string]any{
		"decision":   string(entitlement.DecisionAdRequired),
		"token":      res.Token,
		"ad_url":     res.AdURL,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
	}))
}
