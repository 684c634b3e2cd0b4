// Package redisstore реализует хранилище квот и журнал токенов поверх Redis.
// Ожидается одиночный экземпляр Redis: скрипты обращаются к ключам,
// имена которых вычисляются внутри скрипта.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/video-entitlements/internal/config"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

// Store хранит квоты и токены в Redis.
type Store struct {
	Db        *redis.Client
	prefix    string
	freeQuota int
	retention time.Duration
}

// InitServer подключается к Redis и проверяет соединение.
func InitServer(ctx context.Context, cfg config.RedisConnection, freeQuota int, retention time.Duration) (*Store, error) {
	const op = "redisstore.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.AddressRedis,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.TimeoutRedis,
		WriteTimeout: cfg.TimeoutRedis,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return New(db, cfg.KeyPrefix, freeQuota, retention), nil
}

// New оборачивает готовый клиент.
func New(db *redis.Client, prefix string, freeQuota int, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "ent:"
	}
	return &Store{
		Db:        db,
		prefix:    prefix,
		freeQuota: freeQuota,
		retention: retention,
	}
}

// Close закрывает клиент.
func (s *Store) Close() error {
	return s.Db.Close()
}

// Ping проверяет доступность Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx).Err()
}

func (s *Store) quotaPrefix() string   { return s.prefix + "quota:" }
func (s *Store) tokenPrefix() string   { return s.prefix + "token:" }
func (s *Store) pendingPrefix() string { return s.prefix + "pending:" }

func (s *Store) quotaKey(userID string) string   { return s.quotaPrefix() + userID }
func (s *Store) tokenKey(tokenID string) string  { return s.tokenPrefix() + tokenID }
func (s *Store) pendingKey(userID string) string { return s.pendingPrefix() + userID }

// GetOrInit возвращает квоту пользователя, создавая её при первом обращении.
func (s *Store) GetOrInit(ctx context.Context, userID string) (models.UserQuota, error) {
	const op = "redisstore.GetOrInit"
	vals, err := getOrInitScript.Run(ctx, s.Db, []string{s.quotaKey(userID)},
		s.freeQuota, time.Now().UnixMilli()).Slice()
	if err != nil {
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(vals) != 3 {
		return models.UserQuota{}, fmt.Errorf("%s: unexpected reply length %d", op, len(vals))
	}

	q := models.UserQuota{UserID: userID}
	if q.FreeRemaining, err = toInt(vals[0]); err != nil {
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, err)
	}
	if q.BonusCredits, err = toInt(vals[1]); err != nil {
		return models.UserQuota{}, fmt.Errorf("%s: %w", op, err)
	}
	if ms, err := toInt(vals[2]); err == nil && ms > 0 {
		q.UpdatedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return q, nil
}

// TryConsumeFree списывает одну бесплатную доставку, если она есть.
func (s *Store) TryConsumeFree(ctx context.Context, userID string) (bool, error) {
	return s.tryConsume(ctx, "redisstore.TryConsumeFree", userID, "free")
}

// TryConsumeBonus списывает один бонусный кредит, если он есть.
func (s *Store) TryConsumeBonus(ctx context.Context, userID string) (bool, error) {
	return s.tryConsume(ctx, "redisstore.TryConsumeBonus", userID, "bonus")
}

func (s *Store) tryConsume(ctx context.Context, op, userID, field string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.Db, []string{s.quotaKey(userID)}, field, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// CreditBonus начисляет пользователю n бонусных кредитов.
func (s *Store) CreditBonus(ctx context.Context, userID string, n int) error {
	const op = "redisstore.CreditBonus"
	if n <= 0 {
		return fmt.Errorf("%s: %w", op, models.ErrInvalidCredit)
	}
	err := creditScript.Run(ctx, s.Db, []string{s.quotaKey(userID)}, s.freeQuota, n, time.Now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RecordPending сохраняет новый токен со статусом pending.
// Ключи токена живут до истечения срока плюс окно хранения.
func (s *Store) RecordPending(ctx context.Context, token models.EntitlementToken) error {
	const op = "redisstore.RecordPending"
	expireAt := token.ExpiresAt.Add(s.retention).UnixMilli()
	res, err := recordPendingScript.Run(ctx, s.Db,
		[]string{s.tokenKey(token.ID), s.pendingKey(token.UserID)},
		token.ID, token.UserID, token.Opaque,
		token.IssuedAt.UnixMilli(), token.ExpiresAt.UnixMilli(), expireAt,
		s.tokenPrefix(),
	).Text()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch res {
	case "ok":
		return nil
	case "duplicate":
		return fmt.Errorf("%s: %w", op, models.ErrDuplicateToken)
	case "pending_exists":
		return fmt.Errorf("%s: %w", op, models.ErrPendingExists)
	default:
		return fmt.Errorf("%s: unexpected reply %q", op, res)
	}
}

// TryRedeem атомарно переводит токен из pending в redeemed.
func (s *Store) TryRedeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, error) {
	const op = "redisstore.TryRedeem"
	outcome, err := s.redeem(ctx, tokenID, now, 0)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return outcome, nil
}

// TryRedeemAndCredit гасит токен и начисляет владельцу credits бонусных кредитов одним скриптом.
func (s *Store) TryRedeemAndCredit(ctx context.Context, tokenID string, now time.Time, credits int) (models.RedeemOutcome, error) {
	const op = "redisstore.TryRedeemAndCredit"
	if credits <= 0 {
		return "", fmt.Errorf("%s: %w", op, models.ErrInvalidCredit)
	}
	outcome, err := s.redeem(ctx, tokenID, now, credits)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return outcome, nil
}

func (s *Store) redeem(ctx context.Context, tokenID string, now time.Time, credits int) (models.RedeemOutcome, error) {
	vals, err := redeemScript.Run(ctx, s.Db, []string{s.tokenKey(tokenID)},
		now.UnixMilli(), credits, s.quotaPrefix(), s.freeQuota, s.pendingPrefix(), tokenID,
	).StringSlice()
	if err != nil {
		return "", err
	}
	if len(vals) != 2 {
		return "", fmt.Errorf("unexpected reply length %d", len(vals))
	}

	outcome := models.RedeemOutcome(vals[0])
	switch outcome {
	case models.OutcomeRedeemed, models.OutcomeAlreadyRedeemed, models.OutcomeExpired, models.OutcomeNotFound:
		return outcome, nil
	default:
		return "", fmt.Errorf("unexpected outcome %q", vals[0])
	}
}

// FindPendingForUser возвращает действующий pending-токен пользователя или nil.
func (s *Store) FindPendingForUser(ctx context.Context, userID string, now time.Time) (*models.EntitlementToken, error) {
	const op = "redisstore.FindPendingForUser"
	vals, err := findPendingScript.Run(ctx, s.Db, []string{s.pendingKey(userID)},
		now.UnixMilli(), s.tokenPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(vals) != 5 {
		return nil, fmt.Errorf("%s: unexpected reply length %d", op, len(vals))
	}

	issuedMs, err := strconv.ParseInt(vals[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	expiresMs, err := strconv.ParseInt(vals[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.EntitlementToken{
		ID:        vals[0],
		UserID:    vals[1],
		Opaque:    vals[2],
		IssuedAt:  time.UnixMilli(issuedMs).UTC(),
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
		Status:    models.TokenPending,
	}, nil
}

// GetToken возвращает запись журнала без изменения её статуса.
func (s *Store) GetToken(ctx context.Context, tokenID string) (models.EntitlementToken, error) {
	const op = "redisstore.GetToken"
	vals, err := s.Db.HGetAll(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(vals) == 0 {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, models.ErrTokenNotFound)
	}

	t := models.EntitlementToken{
		ID:     tokenID,
		UserID: vals["user"],
		Opaque: vals["opaque"],
		Status: models.TokenStatus(vals["status"]),
	}
	issuedMs, err := strconv.ParseInt(vals["issued_at"], 10, 64)
	if err != nil {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, err)
	}
	expiresMs, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, err)
	}
	t.IssuedAt = time.UnixMilli(issuedMs).UTC()
	t.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	if ms, err := strconv.ParseInt(vals["redeemed_at"], 10, 64); err == nil && ms > 0 {
		redeemedAt := time.UnixMilli(ms).UTC()
		t.RedeemedAt = &redeemedAt
	}
	return t, nil
}

// ExpirePending проходит по указателям pending-токенов и переводит просроченные в expired.
func (s *Store) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	const op = "redisstore.ExpirePending"
	var expired int64
	iter := s.Db.Scan(ctx, 0, s.pendingPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := expirePendingScript.Run(ctx, s.Db, []string{iter.Val()}, now.UnixMilli(), s.tokenPrefix()).Int64()
		if err != nil {
			return expired, fmt.Errorf("%s: %w", op, err)
		}
		expired += n
	}
	if err := iter.Err(); err != nil {
		return expired, fmt.Errorf("%s: %w", op, err)
	}
	return expired, nil
}

// PurgeExpired ничего не удаляет: ключи токенов истекают сами через окно хранения.
func (s *Store) PurgeExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func toInt(v any) (int, error) {
	switch val := v.(type) {
	case string:
		return strconv.Atoi(val)
	case int64:
		return int(val), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
