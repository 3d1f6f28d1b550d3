// Package auth проверяет bearer-токены HS256 и хранит личность вызывающего в контексте.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role — роль вызывающего.
type Role string

const (
	RoleCustomer         Role = "customer"
	RoleAdmin            Role = "admin"
	RolePlatformOperator Role = "platform_operator"
)

// IsValid сообщает, известна ли роль.
func (r Role) IsValid() bool {
	switch r {
	case RoleCustomer, RoleAdmin, RolePlatformOperator:
		return true
	}
	return false
}

var (
	// ErrMissingToken — заголовок Authorization пуст.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken — подпись, срок, издатель или claims не прошли проверку.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden — роль не даёт доступа к операции.
	ErrForbidden = errors.New("forbidden")
)

var signingMethod = jwt.SigningMethodHS256

// Config — параметры подписи токенов.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Claims — полезная нагрузка токена.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity — проверенная личность.
type Identity struct {
	Subject string
	Role    Role
}

// IsAdmin — администратор или оператор платформы.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin || i.Role == RolePlatformOperator
}

// Allows проверяет доступ к операции с требуемой ролью.
// Оператор платформы проходит проверки администратора.
func (i Identity) Allows(required Role) bool {
	switch required {
	case RoleCustomer:
		return i.Role.IsValid()
	case RoleAdmin:
		return i.IsAdmin()
	case RolePlatformOperator:
		return i.Role == RolePlatformOperator
	}
	return false
}

// Verifier выпускает и проверяет токены.
type Verifier struct {
	cfg Config
	now func() time.Time
}

// NewVerifier создаёт верификатор. Пустой секрет недопустим.
func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Verifier{cfg: cfg, now: time.Now}, nil
}

// Issue подписывает токен для личности.
func (v *Verifier) Issue(id Identity) (string, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return "", errors.New("subject is required")
	}
	if !id.Role.IsValid() {
		return "", fmt.Errorf("invalid role %q", id.Role)
	}
	now := v.now()
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(v.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// Verify проверяет подпись, срок действия и издателя токена.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != signingMethod {
			return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.IsValid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// BearerToken извлекает токен из значения заголовка Authorization.
func BearerToken(header string) string {
	raw := strings.TrimSpace(header)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return ""
}

type ctxKey struct{}

// WithIdentity кладёт личность в контекст.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext достаёт личность из контекста.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
