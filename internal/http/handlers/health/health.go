// Package health отдаёт состояние зависимостей сервиса.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/video-entitlements/internal/http/response"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
)

// Checker проверяет одну зависимость.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc адаптер обычной функции к Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler обработчик /health, опрашивает все зависимости.
type Handler struct {
	log      *slog.Logger
	checkers map[string]Checker
	timeout  time.Duration
}

// New создаёт обработчик проверки состояния.
func New(log *slog.Logger, checkers map[string]Checker) *Handler {
	return &Handler{
		log:      log,
		checkers: checkers,
		timeout:  2 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.health"

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checkers))
	for name, c := range h.checkers {
		if err := c.Ping(ctx); err != nil {
			h.log.Warn("dependency unhealthy", slog.String("op", op), slog.String("dependency", name), sl.Err(err))
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	w.WriteHeader(status)
	if status != http.StatusOK {
		render.JSON(w, r, response.Response{Status: response.StatusError, Error: "unhealthy", Data: deps})
		return
	}
	render.JSON(w, r, response.OKWithData(deps))
}
