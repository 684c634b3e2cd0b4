package entitlements

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/http/handlers/ads/callback"
	"github.com/magabrotheeeer/video-entitlements/internal/http/handlers/deliveries/create"
	"github.com/magabrotheeeer/video-entitlements/internal/http/handlers/health"
	"github.com/magabrotheeeer/video-entitlements/internal/http/handlers/quotas/read"
	"github.com/magabrotheeeer/video-entitlements/internal/http/handlers/tokens/status"
	"github.com/magabrotheeeer/video-entitlements/internal/http/middlewarectx"
)

// Deps зависимости обработчиков.
type Deps struct {
	Gate     create.Gate
	Redeemer callback.Redeemer
	Quotas   read.QuotaReader
	Tokens   status.TokenReader
	Checkers map[string]health.Checker
	Gatherer prometheus.Gatherer
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, cfg *config.Config, deps Deps) {
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.RateLimit(logger, cfg.RPS, cfg.Burst))
			r.Post("/deliveries", create.New(logger, deps.Gate).ServeHTTP)
			r.With(middlewarectx.VerifyLinkSignature(logger, cfg.WebhookSecret, "token")).
				Get("/ads/callback/{token}", callback.NewLanding(logger, deps.Redeemer).ServeHTTP)
			r.With(middlewarectx.VerifySignature(logger, cfg.WebhookSecret)).
				Post("/ads/callback", callback.New(logger, deps.Redeemer).ServeHTTP)
		})
		r.Get("/quotas/{user_id}", read.New(logger, deps.Quotas).ServeHTTP)
		r.Get("/tokens/{token}", status.New(logger, deps.Tokens).ServeHTTP)
	})

	r.Get("/health", health.New(logger, deps.Checkers).ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
}
