package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims - claims токена оператора Console API.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"` // "admin" управляет флотом целиком
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator - учётная запись оператора флота.
type Operator struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Никогда не отправляем на фронт
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
