package read

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/video-entitlements/internal/http/response"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
	"github.com/magabrotheeeer/video-entitlements/internal/services/entitlement"
)

// QuotaReader отдаёт текущий остаток бесплатных просмотров.
type QuotaReader interface {
	Quota(ctx context.Context, userID string) (models.UserQuota, error)
}

// Handler обработчик GET /api/v1/quotas/{user_id}.
type Handler struct {
	log    *slog.Logger
	reader QuotaReader
}

// New создаёт обработчик чтения квоты.
func New(log *slog.Logger, reader QuotaReader) *Handler {
	return &Handler{
		log:    log,
		reader: reader,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.quotas.read"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("user_id is required"))
		return
	}

	q, err := h.reader.Quota(r.Context(), userID)
	if err != nil {
		log.Error("failed to read quota", slog.String("user_id", userID), sl.Err(err))
		if errors.Is(err, entitlement.ErrStoreUnavailable) {
			w.WriteHeader(http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("temporarily unavailable, retry later"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read quota"))
		return
	}

	render.JSON(w, r, response.OKWithData(map[string]any{
		"user_id":        q.UserID,
		"free_remaining": q.FreeRemaining,
		"bonus_credits":  q.BonusCredits,
		"total":          q.Total(),
	}))
}
