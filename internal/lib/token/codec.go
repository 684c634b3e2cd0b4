// Package token реализует подписанный конверт токена просмотра рекламы.
//
// Конверт это компактный JWS (HS256), в claims которого лежат идентификатор токена (jti),
// пользователь (sub) и срок действия (exp). Verify только проверяет подпись и структуру,
// не обращается к хранилищу и не отклоняет истёкшие токены: срок классифицирует журнал.
package token

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

const (
	keyInfo      = "entitlement-token"
	keySize      = 32
	minSecretLen = 32
)

// Ошибки проверки конверта.
var (
	ErrMalformed        = errors.New("token: malformed")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrWeakSecret       = errors.New("token: signing secret is too short")
)

// Claims поля, извлечённые из проверенного конверта.
type Claims struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
}

// Codec выпускает и проверяет конверты токенов.
type Codec struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

// Option настраивает Codec.
type Option func(*Codec)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec создаёт Codec. Ключ подписи выводится из долгоживущего секрета через HKDF-SHA256.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	const op = "token.NewCodec"
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%s: %w", op, ErrWeakSecret)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c := &Codec{
		key: key,
		now: time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue выпускает новый токен для пользователя со сроком жизни ttl.
func (c *Codec) Issue(userID string, ttl time.Duration) (models.EntitlementToken, error) {
	const op = "token.Issue"
	if userID == "" || ttl <= 0 {
		return models.EntitlementToken{}, fmt.Errorf("%s: user id and positive ttl required", op)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, err)
	}

	// exp в JWT хранится с точностью до секунды, журнал должен видеть то же значение.
	issuedAt := c.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl).Truncate(time.Second)

	claims := jwt.RegisteredClaims{
		ID:        id.String(),
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return models.EntitlementToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.EntitlementToken{
		ID:        id.String(),
		UserID:    userID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Status:    models.TokenPending,
		Opaque:    signed,
	}, nil
}

// Verify проверяет подпись конверта и возвращает его поля.
func (c *Codec) Verify(opaque string) (Claims, error) {
	// Всё после второй точки относится к подписи, лишние точки портят подпись, а не форму.
	parts := strings.SplitN(opaque, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Claims{}, ErrMalformed
	}
	// Сегмент подписи, который не декодируется строго, считается подделанной подписью.
	if _, err := base64.RawURLEncoding.Strict().DecodeString(parts[2]); err != nil || parts[2] == "" {
		return Claims{}, ErrInvalidSignature
	}

	var claims jwt.RegisteredClaims
	_, err := c.parser.ParseWithClaims(opaque, &claims, func(_ *jwt.Token) (any, error) {
		return c.key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return Claims{}, ErrInvalidSignature
	default:
		return Claims{}, ErrMalformed
	}

	if _, err := uuid.Parse(claims.ID); err != nil || claims.Subject == "" || claims.ExpiresAt == nil {
		return Claims{}, ErrMalformed
	}

	return Claims{
		TokenID:   claims.ID,
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.UTC(),
	}, nil
}
