// Package dispatch передаёт разрешённые доставки из очереди в транспорт бота.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

// ErrUnavailable означает, что бот не принял доставку и её стоит повторить.
var ErrUnavailable = errors.New("bot delivery endpoint unavailable")

const defaultTimeout = 5 * time.Second

type Service struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// New создаёт диспетчер, отправляющий доставки POST-запросом на url.
func New(url string, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		metrics:    m,
	}
}

// Dispatch отправляет доставку боту.
// Ошибка возвращается только для повторяемых сбоев: сеть и ответы 5xx.
// Ответ 4xx означает, что бот отверг сообщение, оно логируется и отбрасывается.
func (s *Service) Dispatch(ctx context.Context, d models.Delivery) error {
	const op = "services.dispatch.Dispatch"
	log := s.log.With(slog.String("op", op), slog.String("user_id", d.UserID), slog.String("video_key", d.VideoKey))

	if s.url == "" {
		log.Info("delivery accepted without transport", slog.String("tier", d.Tier))
		s.metrics.Dispatched("logged")
		return nil
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.metrics.Dispatched("error")
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		s.metrics.Dispatched("error")
		return fmt.Errorf("%s: %w: status %d", op, ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		log.Error("bot rejected delivery, dropping", slog.Int("status", resp.StatusCode))
		s.metrics.Dispatched("rejected")
		return nil
	}

	log.Debug("delivery dispatched", slog.Int("status", resp.StatusCode))
	s.metrics.Dispatched("ok")
	return nil
}

// Close освобождает простаивающие соединения клиента.
func (s *Service) Close() {
	s.httpClient.CloseIdleConnections()
}
