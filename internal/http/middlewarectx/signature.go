package middlewarectx

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/video-entitlements/internal/http/response"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
)

const (
	SignatureHeader = "X-Api-Signature"
	// SignatureParam параметр запроса с подписью токена в ссылке возврата с рекламы.
	SignatureParam = "sig"
	maxBodyBytes   = 64 << 10
)

// Sign возвращает base64(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись тела запроса в заголовке X-Api-Signature.
// С пустым secret проверка отключена и запрос проходит без изменений.
func VerifySignature(log *slog.Logger, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.VerifySignature"
			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			_ = r.Body.Close()
			if err != nil {
				log.Error("failed to read request body", sl.Err(err))
				w.WriteHeader(http.StatusBadRequest)
				render.JSON(w, r, response.Error("invalid request body"))
				return
			}

			signature := r.Header.Get(SignatureHeader)
			if signature == "" || !hmac.Equal([]byte(Sign(secret, body)), []byte(signature)) {
				log.Warn("invalid or missing callback signature")
				w.WriteHeader(http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid signature"))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// VerifyLinkSignature проверяет подпись значения параметра маршрута param.
// Провайдер передаёт её в query-параметре sig как Sign(secret, значение).
// С пустым secret проверка отключена.
func VerifyLinkSignature(log *slog.Logger, secret, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.VerifyLinkSignature"

			value := chi.URLParam(r, param)
			signature := r.URL.Query().Get(SignatureParam)
			if value == "" || signature == "" || !hmac.Equal([]byte(Sign(secret, []byte(value))), []byte(signature)) {
				log.Warn("invalid or missing link signature",
					slog.String("op", op),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
				w.WriteHeader(http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid signature"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
