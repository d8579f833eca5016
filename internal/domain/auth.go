package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims - полезная нагрузка токена вызывающего сервиса (бэкенд вендора).
type CustomClaims struct {
	Subject  string          `json:"sub_id"`
	VendorID string          `json:"vendor_id,omitempty"` // Пусто - сервисный токен без привязки к вендору
	Scopes   map[string]bool `json:"scopes"`              // "agents.write": true, "messages.route": true
	jwt.RegisteredClaims
}

// Allows проверяет право на действие. Scope "admin" разрешает всё.
func (c *CustomClaims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes["admin"] || c.Scopes[scope]
}
