package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
)

// BaseValidator проверяет токены вызывающих сервисов, подписанные общим секретом (HS256).
type BaseValidator struct {
	secret []byte
}

func NewBaseValidator(secret string) (*BaseValidator, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &BaseValidator{secret: []byte(secret)}, nil
}

// VerifyToken реализует интерфейс auth.TokenValidator.
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &domain.CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*domain.CustomClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	return claims, nil
}

// IssueToken подписывает токен сервиса. Используется в тестах и утилитах выдачи ключей.
func (v *BaseValidator) IssueToken(subject, vendorID string, scopes []string, ttl time.Duration) (string, error) {
	sc := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		sc[s] = true
	}
	now := time.Now()
	claims := domain.CustomClaims{
		Subject:  subject,
		VendorID: vendorID,
		Scopes:   sc,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
