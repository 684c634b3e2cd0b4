package callback

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

var landingPage = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="ru">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body>
</html>
`))

type landingView struct {
	Title   string
	Message string
}

var landingViews = map[models.RedeemOutcome]landingView{
	models.OutcomeRedeemed:        {"Спасибо!", "Просмотр засчитан. Вернитесь в бот и запросите видео снова."},
	models.OutcomeAlreadyRedeemed: {"Уже засчитано", "Этот просмотр уже был засчитан ранее."},
	models.OutcomeExpired:         {"Ссылка устарела", "Срок действия ссылки истёк. Запросите видео в боте ещё раз."},
}

var invalidLinkView = landingView{"Ссылка недействительна", "Запросите видео в боте, чтобы получить новую ссылку."}

// Landing страница, на которую провайдер перенаправляет пользователя после просмотра.
// Переход по ссылке равносилен колбэку со статусом completed.
type Landing struct {
	log      *slog.Logger
	redeemer Redeemer
}

func NewLanding(log *slog.Logger, redeemer Redeemer) *Landing {
	return &Landing{log: log, redeemer: redeemer}
}

func (h *Landing) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.ads.landing"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	res, err := h.redeemer.RedeemToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		log.Error("failed to redeem token", sl.Err(err))
		h.render(w, log, http.StatusServiceUnavailable,
			landingView{"Сервис временно недоступен", "Обновите страницу через минуту."})
		return
	}

	log.Info("landing processed", slog.String("outcome", string(res.Outcome)), slog.String("token_id", res.TokenID))
	view, ok := landingViews[res.Outcome]
	if !ok {
		view = invalidLinkView
	}
	h.render(w, log, http.StatusOK, view)
}

func (h *Landing) render(w http.ResponseWriter, log *slog.Logger, status int, view landingView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := landingPage.Execute(w, view); err != nil {
		log.Error("failed to render landing page", sl.Err(err))
	}
}
