package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testDelivery() models.Delivery {
	return models.Delivery{
		UserID:    "user-1",
		VideoKey:  "video-42",
		Tier:      "bonus",
		GrantedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

const dispatchedMetric = `
# HELP entitlements_deliveries_dispatched_total Deliveries consumed from the queue and handed to the bot by result.
# TYPE entitlements_deliveries_dispatched_total counter
entitlements_deliveries_dispatched_total{result="%s"} 1
`

func TestService_Dispatch(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantErr    bool
		wantResult string
	}{
		{name: "accepted", status: http.StatusAccepted, wantResult: "ok"},
		{name: "rejected by bot is dropped", status: http.StatusUnprocessableEntity, wantResult: "rejected"},
		{name: "bot failure is retried", status: http.StatusBadGateway, wantErr: true, wantResult: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.Delivery
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			reg := prometheus.NewRegistry()
			m, err := metrics.New(reg)
			require.NoError(t, err)
			s := New(srv.URL, time.Second, newNoopLogger(), m)
			defer s.Close()

			err = s.Dispatch(context.Background(), testDelivery())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnavailable)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, testDelivery(), got)
			expected := fmt.Sprintf(dispatchedMetric, tt.wantResult)
			assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "entitlements_deliveries_dispatched_total"))
		})
	}
}

func TestService_DispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := New(url, time.Second, newNoopLogger(), nil)
	err := s.Dispatch(context.Background(), testDelivery())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestService_DispatchWithoutURLOnlyLogs(t *testing.T) {
	s := New("", 0, newNoopLogger(), nil)
	assert.NoError(t, s.Dispatch(context.Background(), testDelivery()))
}

func TestService_DispatchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(srv.URL, time.Second, newNoopLogger(), nil)
	assert.ErrorIs(t, s.Dispatch(ctx, testDelivery()), ErrUnavailable)
}
