package entitlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/token"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetOrInit(ctx context.Context, userID string) (models.UserQuota, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(models.UserQuota), args.Error(1)
}

func (m *MockStore) TryConsumeFree(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) TryConsumeBonus(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CreditBonus(ctx context.Context, userID string, n int) error {
	args := m.Called(ctx, userID, n)
	return args.Error(0)
}

func (m *MockStore) RecordPending(ctx context.Context, tok models.EntitlementToken) error {
	args := m.Called(ctx, tok)
	return args.Error(0)
}

func (m *MockStore) TryRedeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, error) {
	args := m.Called(ctx, tokenID, now)
	return args.Get(0).(models.RedeemOutcome), args.Error(1)
}

func (m *MockStore) TryRedeemAndCredit(ctx context.Context, tokenID string, now time.Time, credits int) (models.RedeemOutcome, error) {
	args := m.Called(ctx, tokenID, now, credits)
	return args.Get(0).(models.RedeemOutcome), args.Error(1)
}

func (m *MockStore) FindPendingForUser(ctx context.Context, userID string, now time.Time) (*models.EntitlementToken, error) {
	args := m.Called(ctx, userID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EntitlementToken), args.Error(1)
}

func (m *MockStore) GetToken(ctx context.Context, tokenID string) (models.EntitlementToken, error) {
	args := m.Called(ctx, tokenID)
	return args.Get(0).(models.EntitlementToken), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func newCodec(t *testing.T) *token.Codec {
	t.Helper()
	c, err := token.NewCodec(testSecret)
	require.NoError(t, err)
	return c
}

func newMockService(t *testing.T, store *MockStore) *Service {
	t.Helper()
	return New(store, newCodec(t), Options{TokenTTL: 10 * time.Minute}, newNoopLogger(), nil)
}

func TestService_RequestDelivery(t *testing.T) {
	errDB := errors.New("connection refused")
	pending := &models.EntitlementToken{ID: "tok-1", UserID: "u1", Opaque: "a.b.c", Status: models.TokenPending}

	tests := []struct {
		name       string
		setupMocks func(*MockStore)
		wantKind   DecisionKind
		wantTier   Tier
		wantToken  string
		wantErr    error
	}{
		{
			name: "free credit available",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1", FreeRemaining: 1}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(true, nil).Once()
			},
			wantKind: DecisionGranted,
			wantTier: TierFree,
		},
		{
			name: "bonus used when free exhausted",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1", BonusCredits: 1}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(false, nil).Once()
				s.On("TryConsumeBonus", mock.Anything, "u1").Return(true, nil).Once()
			},
			wantKind: DecisionGranted,
			wantTier: TierBonus,
		},
		{
			name: "pending token reused",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1"}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(false, nil).Once()
				s.On("TryConsumeBonus", mock.Anything, "u1").Return(false, nil).Once()
				s.On("FindPendingForUser", mock.Anything, "u1", mock.Anything).Return(pending, nil).Once()
			},
			wantKind:  DecisionAdRequired,
			wantToken: "tok-1",
		},
		{
			name: "lost issuing race reuses winner",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1"}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(false, nil).Once()
				s.On("TryConsumeBonus", mock.Anything, "u1").Return(false, nil).Once()
				s.On("FindPendingForUser", mock.Anything, "u1", mock.Anything).Return(nil, nil).Once()
				s.On("RecordPending", mock.Anything, mock.Anything).
					Return(wrapErr("storage.RecordPending", models.ErrPendingExists)).Once()
				s.On("FindPendingForUser", mock.Anything, "u1", mock.Anything).Return(pending, nil).Once()
			},
			wantKind:  DecisionAdRequired,
			wantToken: "tok-1",
		},
		{
			name: "quota init fails",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{}, errDB).Once()
			},
			wantErr: ErrStoreUnavailable,
		},
		{
			name: "consume fails",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1"}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(false, errDB).Once()
			},
			wantErr: ErrStoreUnavailable,
		},
		{
			name: "record pending fails",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1"}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(false, nil).Once()
				s.On("TryConsumeBonus", mock.Anything, "u1").Return(false, nil).Once()
				s.On("FindPendingForUser", mock.Anything, "u1", mock.Anything).Return(nil, nil).Once()
				s.On("RecordPending", mock.Anything, mock.Anything).Return(errDB).Once()
			},
			wantErr: ErrStoreUnavailable,
		},
		{
			name: "contention exhausts retries",
			setupMocks: func(s *MockStore) {
				s.On("GetOrInit", mock.Anything, "u1").Return(models.UserQuota{UserID: "u1"}, nil).Once()
				s.On("TryConsumeFree", mock.Anything, "u1").Return(false, nil).Once()
				s.On("TryConsumeBonus", mock.Anything, "u1").Return(false, nil).Once()
				s.On("FindPendingForUser", mock.Anything, "u1", mock.Anything).Return(nil, nil).Times(defaultPendingRetries)
				s.On("RecordPending", mock.Anything, mock.Anything).
					Return(wrapErr("storage.RecordPending", models.ErrPendingExists)).Times(defaultPendingRetries)
			},
			wantErr: ErrTokenContention,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStore)
			tt.setupMocks(store)
			svc := newMockService(t, store)

			got, err := svc.RequestDelivery(context.Background(), "u1")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				store.AssertExpectations(t)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantTier, got.Tier)
			if tt.wantToken != "" {
				require.NotNil(t, got.Token)
				assert.Equal(t, tt.wantToken, got.Token.ID)
			} else {
				assert.Nil(t, got.Token)
			}
			store.AssertExpectations(t)
		})
	}
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func TestService_RequestDeliveryIssuesNewToken(t *testing.T) {
	store := new(MockStore)
	store.On("GetOrInit", mock.Anything, "u2").Return(models.UserQuota{UserID: "u2"}, nil).Once()
	store.On("TryConsumeFree", mock.Anything, "u2").Return(false, nil).Once()
	store.On("TryConsumeBonus", mock.Anything, "u2").Return(false, nil).Once()
	store.On("FindPendingForUser", mock.Anything, "u2", mock.Anything).Return(nil, nil).Once()
	store.On("RecordPending", mock.Anything, mock.MatchedBy(func(tok models.EntitlementToken) bool {
		return tok.UserID == "u2" && tok.Status == models.TokenPending && tok.Opaque != ""
	})).Return(nil).Once()

	codec := newCodec(t)
	svc := New(store, codec, Options{TokenTTL: 10 * time.Minute}, newNoopLogger(), nil)

	got, err := svc.RequestDelivery(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, DecisionAdRequired, got.Kind)
	require.NotNil(t, got.Token)

	claims, err := codec.Verify(got.Token.Opaque)
	require.NoError(t, err)
	assert.Equal(t, got.Token.ID, claims.TokenID)
	assert.Equal(t, "u2", claims.UserID)
	store.AssertExpectations(t)
}

func TestService_RequestDeliveryEmptyUser(t *testing.T) {
	store := new(MockStore)
	svc := newMockService(t, store)

	_, err := svc.RequestDelivery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyUserID)
	store.AssertNotCalled(t, "GetOrInit", mock.Anything, mock.Anything)
}

func TestService_RedeemTokenRejectsBeforeStore(t *testing.T) {
	codec := newCodec(t)
	tok, err := codec.Issue("u3", time.Minute)
	require.NoError(t, err)

	parts := strings.Split(tok.Opaque, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	other, err := token.NewCodec(strings.Repeat("x", 40))
	require.NoError(t, err)
	foreign, err := other.Issue("u3", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		opaque string
		want   models.RedeemOutcome
	}{
		{name: "empty", opaque: "", want: models.OutcomeMalformed},
		{name: "garbage", opaque: "not-a-token", want: models.OutcomeMalformed},
		{name: "tampered signature", opaque: tampered, want: models.OutcomeInvalidSignature},
		{name: "foreign secret", opaque: foreign.Opaque, want: models.OutcomeInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStore)
			svc := New(store, codec, Options{TokenTTL: time.Minute}, newNoopLogger(), nil)

			res, err := svc.RedeemToken(context.Background(), tt.opaque)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Empty(t, res.TokenID)
			store.AssertNotCalled(t, "TryRedeemAndCredit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestService_RedeemTokenOutcomes(t *testing.T) {
	codec := newCodec(t)
	tok, err := codec.Issue("u4", time.Minute)
	require.NoError(t, err)

	for _, outcome := range []models.RedeemOutcome{
		models.OutcomeRedeemed,
		models.OutcomeAlreadyRedeemed,
		models.OutcomeExpired,
		models.OutcomeNotFound,
	} {
		t.Run(string(outcome), func(t *testing.T) {
			store := new(MockStore)
			store.On("TryRedeemAndCredit", mock.Anything, tok.ID, mock.Anything, 1).Return(outcome, nil).Once()
			svc := New(store, codec, Options{TokenTTL: time.Minute}, newNoopLogger(), nil)

			res, err := svc.RedeemToken(context.Background(), tok.Opaque)
			require.NoError(t, err)
			assert.Equal(t, outcome, res.Outcome)
			assert.Equal(t, tok.ID, res.TokenID)
			assert.Equal(t, "u4", res.UserID)
			store.AssertExpectations(t)
		})
	}
}

func TestService_RedeemTokenStoreFailure(t *testing.T) {
	codec := newCodec(t)
	tok, err := codec.Issue("u5", time.Minute)
	require.NoError(t, err)

	store := new(MockStore)
	store.On("TryRedeemAndCredit", mock.Anything, tok.ID, mock.Anything, 1).
		Return(models.RedeemOutcome(""), context.DeadlineExceeded).Once()
	svc := New(store, codec, Options{TokenTTL: time.Minute}, newNoopLogger(), nil)

	_, err = svc.RedeemToken(context.Background(), tok.Opaque)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_StoreTimeoutApplied(t *testing.T) {
	store := new(MockStore)
	store.On("GetOrInit", mock.Anything, "slow").Return(models.UserQuota{}, nil).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
	}).Once()

	svc := New(store, newCodec(t), Options{TokenTTL: time.Minute, StoreTimeout: 50 * time.Millisecond}, newNoopLogger(), nil)
	_, err := svc.Quota(context.Background(), "slow")
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestService_TokenStatus(t *testing.T) {
	codec := newCodec(t)
	tok, err := codec.Issue("u6", time.Minute)
	require.NoError(t, err)
	redeemedAt := tok.IssuedAt.Add(10 * time.Second)

	tests := []struct {
		name       string
		now        time.Time
		stored     models.EntitlementToken
		storeErr   error
		wantStatus models.TokenStatus
		wantErr    error
	}{
		{
			name:       "pending",
			now:        tok.IssuedAt,
			stored:     models.EntitlementToken{ID: tok.ID, UserID: "u6", Status: models.TokenPending, ExpiresAt: tok.ExpiresAt},
			wantStatus: models.TokenPending,
		},
		{
			name:       "pending past expiry reported as expired",
			now:        tok.ExpiresAt,
			stored:     models.EntitlementToken{ID: tok.ID, UserID: "u6", Status: models.TokenPending, ExpiresAt: tok.ExpiresAt},
			wantStatus: models.TokenExpired,
		},
		{
			name: "redeemed",
			now:  tok.IssuedAt,
			stored: models.EntitlementToken{ID: tok.ID, UserID: "u6", Status: models.TokenRedeemed,
				ExpiresAt: tok.ExpiresAt, RedeemedAt: &redeemedAt},
			wantStatus: models.TokenRedeemed,
		},
		{
			name:     "not found",
			now:      tok.IssuedAt,
			storeErr: fmt.Errorf("storage.GetToken: %w", models.ErrTokenNotFound),
			wantErr:  models.ErrTokenNotFound,
		},
		{
			name:     "store down",
			now:      tok.IssuedAt,
			storeErr: errors.New("connection refused"),
			wantErr:  ErrStoreUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStore)
			store.On("GetToken", mock.Anything, tok.ID).Return(tt.stored, tt.storeErr).Once()
			now := tt.now
			svc := New(store, codec, Options{TokenTTL: time.Minute}, newNoopLogger(), nil).
				WithClock(func() time.Time { return now })

			state, err := svc.TokenStatus(context.Background(), tok.Opaque)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tok.ID, state.TokenID)
			assert.True(t, tok.ExpiresAt.Equal(state.ExpiresAt))
			store.AssertExpectations(t)
		})
	}
}

func TestService_TokenStatusInvalidToken(t *testing.T) {
	store := new(MockStore)
	svc := newMockService(t, store)

	_, err := svc.TokenStatus(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrMalformed)
	store.AssertNotCalled(t, "GetToken", mock.Anything, mock.Anything)
}
