package middlewarectx

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(body)
	})
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(newNoopLogger(), 1, 2)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for range 3 {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/deliveries", nil))
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestVerifySignature(t *testing.T) {
	const secret = "provider-secret"
	body := `{"token":"a.b.c","status":"completed"}`

	tests := []struct {
		name       string
		secret     string
		signature  string
		wantStatus int
	}{
		{name: "valid signature", secret: secret, signature: Sign(secret, []byte(body)), wantStatus: http.StatusOK},
		{name: "missing signature", secret: secret, wantStatus: http.StatusUnauthorized},
		{name: "wrong signature", secret: secret, signature: Sign("other", []byte(body)), wantStatus: http.StatusUnauthorized},
		{name: "check disabled", secret: "", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := VerifySignature(newNoopLogger(), tt.secret)(echoBody(t))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/ads/callback", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, body, rr.Body.String(), "body must be readable downstream")
			}
		})
	}
}

func TestVerifyLinkSignature(t *testing.T) {
	const secret = "provider-secret"
	const token = "a.b.c"

	tests := []struct {
		name       string
		secret     string
		query      string
		wantStatus int
	}{
		{name: "valid signature", secret: secret, query: "?sig=" + url.QueryEscape(Sign(secret, []byte(token))), wantStatus: http.StatusOK},
		{name: "missing signature", secret: secret, wantStatus: http.StatusUnauthorized},
		{name: "signature of another token", secret: secret, query: "?sig=" + url.QueryEscape(Sign(secret, []byte("x.y.z"))), wantStatus: http.StatusUnauthorized},
		{name: "check disabled", secret: "", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.With(VerifyLinkSignature(newNoopLogger(), tt.secret, "token")).
				Get("/api/v1/ads/callback/{token}", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				})

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/ads/callback/"+token+tt.query, nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}
