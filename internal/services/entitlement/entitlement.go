// Package entitlement решает, можно ли выдать пользователю видео сейчас,
// и засчитывает просмотр рекламы по колбэку провайдера.
//
// Все изменения состояния выполняются атомарными условными операциями хранилища,
// поэтому сервис безопасно вызывать из нескольких процессов одновременно.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/lib/token"
	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

var (
	// ErrStoreUnavailable оборачивает любой сбой хранилища. Повтор запроса безопасен.
	ErrStoreUnavailable = errors.New("entitlement store unavailable")
	// ErrTokenContention означает, что не удалось сойтись на одном pending-токене за отведённые попытки.
	ErrTokenContention = errors.New("pending token contention")
	ErrEmptyUserID     = errors.New("user id is required")
	// ErrInvalidToken конверт не прошёл проверку формы или подписи.
	ErrInvalidToken = errors.New("invalid entitlement token")
)

// QuotaStore хранит счётчики бесплатных доставок и бонусных кредитов.
type QuotaStore interface {
	GetOrInit(ctx context.Context, userID string) (models.UserQuota, error)
	TryConsumeFree(ctx context.Context, userID string) (bool, error)
	TryConsumeBonus(ctx context.Context, userID string) (bool, error)
	CreditBonus(ctx context.Context, userID string, n int) error
}

// TokenLedger хранит выпущенные токены и их статус.
type TokenLedger interface {
	RecordPending(ctx context.Context, token models.EntitlementToken) error
	TryRedeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, error)
	TryRedeemAndCredit(ctx context.Context, tokenID string, now time.Time, credits int) (models.RedeemOutcome, error)
	FindPendingForUser(ctx context.Context, userID string, now time.Time) (*models.EntitlementToken, error)
	GetToken(ctx context.Context, tokenID string) (models.EntitlementToken, error)
}

// Store объединяет квоты и журнал, которые живут в одном хранилище.
type Store interface {
	QuotaStore
	TokenLedger
}

// Codec выпускает и проверяет подписанные конверты токенов.
type Codec interface {
	Issue(userID string, ttl time.Duration) (models.EntitlementToken, error)
	Verify(opaque string) (token.Claims, error)
}

// DecisionKind итог запроса доставки.
type DecisionKind string

const (
	DecisionGranted    DecisionKind = "granted"
	DecisionAdRequired DecisionKind = "ad_required"
)

// Tier источник кредита для выданной доставки.
type Tier string

const (
	TierFree  Tier = "free"
	TierBonus Tier = "bonus"
)

// Decision ответ на запрос доставки. Token заполнен только для DecisionAdRequired.
type Decision struct {
	Kind  DecisionKind
	Tier  Tier
	Token *models.EntitlementToken
}

// RedeemResult исход обработки колбэка. UserID и TokenID пусты, если конверт не прошёл проверку.
type RedeemResult struct {
	Outcome models.RedeemOutcome
	UserID  string
	TokenID string
}

// TokenState состояние токена, которое видит пользователь после просмотра рекламы.
type TokenState struct {
	TokenID    string
	UserID     string
	Status     models.TokenStatus
	ExpiresAt  time.Time
	RedeemedAt *time.Time
}

// Options параметры политики.
type Options struct {
	TokenTTL       time.Duration
	StoreTimeout   time.Duration
	CreditsPerAd   int
	PendingRetries int
}

const (
	defaultStoreTimeout   = 2 * time.Second
	defaultPendingRetries = 3
)

// Service политика выдачи доступа.
type Service struct {
	store   Store
	codec   Codec
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New создаёт сервис. m может быть nil.
func New(store Store, codec Codec, opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.CreditsPerAd <= 0 {
		opts.CreditsPerAd = 1
	}
	if opts.PendingRetries <= 0 {
		opts.PendingRetries = defaultPendingRetries
	}
	return &Service{
		store:   store,
		codec:   codec,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock подменяет источник времени, которым сервис классифицирует истечение токенов.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestDelivery расходует бесплатную доставку, затем бонусный кредит.
// Если оба счётчика пусты, возвращает pending-токен для просмотра рекламы,
// повторно выдавая уже существующий.
func (s *Service) RequestDelivery(ctx context.Context, userID string) (Decision, error) {
	const op = "entitlement.RequestDelivery"
	log := s.log.With(slog.String("op", op), slog.String("user_id", userID))

	if userID == "" {
		return Decision{}, fmt.Errorf("%s: %w", op, ErrEmptyUserID)
	}

	if err := s.call(ctx, "get_or_init", func(ctx context.Context) error {
		_, err := s.store.GetOrInit(ctx, userID)
		return err
	}); err != nil {
		log.Error("failed to init quota", sl.Err(err))
		return Decision{}, fmt.Errorf("%s: %w", op, err)
	}

	for _, tier := range []Tier{TierFree, TierBonus} {
		consumed, err := s.consume(ctx, tier, userID)
		if err != nil {
			log.Error("failed to consume credit", slog.String("tier", string(tier)), sl.Err(err))
			return Decision{}, fmt.Errorf("%s: %w", op, err)
		}
		if consumed {
			log.Debug("delivery granted", slog.String("tier", string(tier)))
			s.metrics.Decision(string(DecisionGranted), string(tier))
			return Decision{Kind: DecisionGranted, Tier: tier}, nil
		}
	}

	tok, err := s.pendingToken(ctx, userID)
	if err != nil {
		log.Error("failed to issue entitlement token", sl.Err(err))
		return Decision{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Debug("ad watch required", slog.String("token_id", tok.ID))
	s.metrics.Decision(string(DecisionAdRequired), "")
	return Decision{Kind: DecisionAdRequired, Token: tok}, nil
}

func (s *Service) consume(ctx context.Context, tier Tier, userID string) (bool, error) {
	var consumed bool
	err := s.call(ctx, "try_consume_"+string(tier), func(ctx context.Context) error {
		var err error
		if tier == TierFree {
			consumed, err = s.store.TryConsumeFree(ctx, userID)
		} else {
			consumed, err = s.store.TryConsumeBonus(ctx, userID)
		}
		return err
	})
	return consumed, err
}

// pendingToken возвращает действующий pending-токен пользователя, выпуская новый при необходимости.
// Проигравший гонку выпуска перечитывает токен победителя.
func (s *Service) pendingToken(ctx context.Context, userID string) (*models.EntitlementToken, error) {
	for range s.opts.PendingRetries {
		var existing *models.EntitlementToken
		err := s.call(ctx, "find_pending", func(ctx context.Context) error {
			var err error
			existing, err = s.store.FindPendingForUser(ctx, userID, s.now())
			return err
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}

		tok, err := s.codec.Issue(userID, s.opts.TokenTTL)
		if err != nil {
			return nil, err
		}

		err = s.call(ctx, "record_pending", func(ctx context.Context) error {
			return s.store.RecordPending(ctx, tok)
		})
		switch {
		case err == nil:
			return &tok, nil
		case errors.Is(err, models.ErrPendingExists), errors.Is(err, models.ErrDuplicateToken):
			s.log.Debug("pending token race, retrying",
				slog.String("user_id", userID), slog.String("token_id", tok.ID), sl.Err(err))
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrTokenContention
}

// RedeemToken проверяет конверт и атомарно гасит токен с начислением бонусного кредита.
// Отказы возвращаются исходом, ошибка означает только сбой хранилища.
func (s *Service) RedeemToken(ctx context.Context, opaque string) (RedeemResult, error) {
	const op = "entitlement.RedeemToken"
	log := s.log.With(slog.String("op", op))

	claims, err := s.codec.Verify(opaque)
	if err != nil {
		outcome := models.OutcomeMalformed
		if errors.Is(err, token.ErrInvalidSignature) {
			outcome = models.OutcomeInvalidSignature
		}
		log.Warn("rejected entitlement token", slog.String("outcome", string(outcome)))
		s.metrics.Redemption(string(outcome))
		return RedeemResult{Outcome: outcome}, nil
	}

	log = log.With(slog.String("token_id", claims.TokenID), slog.String("user_id", claims.UserID))

	var outcome models.RedeemOutcome
	err = s.call(ctx, "try_redeem", func(ctx context.Context) error {
		var err error
		outcome, err = s.store.TryRedeemAndCredit(ctx, claims.TokenID, s.now(), s.opts.CreditsPerAd)
		return err
	})
	if err != nil {
		log.Error("failed to redeem token", sl.Err(err))
		return RedeemResult{}, fmt.Errorf("%s: %w", op, err)
	}

	switch outcome {
	case models.OutcomeRedeemed:
		log.Info("token redeemed, bonus credited", slog.Int("credits", s.opts.CreditsPerAd))
	case models.OutcomeAlreadyRedeemed:
		log.Warn("token replay rejected")
	default:
		log.Warn("token rejected", slog.String("outcome", string(outcome)))
	}
	s.metrics.Redemption(string(outcome))

	return RedeemResult{Outcome: outcome, UserID: claims.UserID, TokenID: claims.TokenID}, nil
}

// TokenStatus проверяет конверт и возвращает состояние токена по журналу.
// Pending-токен с истёкшим сроком отдаётся как expired, журнал при этом не меняется.
func (s *Service) TokenStatus(ctx context.Context, opaque string) (TokenState, error) {
	const op = "entitlement.TokenStatus"

	claims, err := s.codec.Verify(opaque)
	if err != nil {
		return TokenState{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, err)
	}

	var tok models.EntitlementToken
	err = s.call(ctx, "get_token", func(ctx context.Context) error {
		var err error
		tok, err = s.store.GetToken(ctx, claims.TokenID)
		return err
	})
	if err != nil {
		return TokenState{}, fmt.Errorf("%s: %w", op, err)
	}

	status := tok.Status
	if status == models.TokenPending && tok.ExpiredAt(s.now()) {
		status = models.TokenExpired
	}
	return TokenState{
		TokenID:    tok.ID,
		UserID:     tok.UserID,
		Status:     status,
		ExpiresAt:  tok.ExpiresAt,
		RedeemedAt: tok.RedeemedAt,
	}, nil
}

// Quota возвращает текущие счётчики пользователя.
func (s *Service) Quota(ctx context.Context, userID string) (models.UserQuota, error) {
	const op = "entitlement.Quota"
	if userID == "" {
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, ErrEmptyUserID)
	}

	var q models.UserQuota
	err := s.call(ctx, "get_or_init", func(ctx context.Context) error {
		var err error
		q, err = s.store.GetOrInit(ctx, userID)
		return err
	})
	if err != nil {
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, err)
	}
	return q, nil
}

// call выполняет одно обращение к хранилищу с таймаутом.
// Ошибки журнала остаются различимыми через errors.Is, остальные помечаются ErrStoreUnavailable.
func (s *Service) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err == nil || errors.Is(err, models.ErrPendingExists) || errors.Is(err, models.ErrDuplicateToken) ||
		errors.Is(err, models.ErrTokenNotFound) {
		s.metrics.StoreCall(operation, time.Since(start), nil)
		return err
	}
	s.metrics.StoreCall(operation, time.Since(start), err)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
