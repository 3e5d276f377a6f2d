package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin открывает любой scope.
const ScopeAdmin = "admin"

// CustomClaims - токен оператора консоли. UserID - числовой id из admins,
// он же approvedBy в журнале аппрувов.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true, "approvals": true
	jwt.RegisteredClaims
}

func (c *CustomClaims) Allows(scope string) bool {
	return c.Scopes[scope] || c.Scopes[ScopeAdmin]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"` // секунды
}

// Admin оператор консоли (он же approver в HITL).
type Admin struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отправляем на фронт
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}
