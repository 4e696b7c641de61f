package models

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims - поля JWT, которые проверяет движок. Токены выпускает внешний сервис.
type Claims struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	jwt.RegisteredClaims
}

// contextKey - приватный тип для ключей контекста, чтобы избежать коллизий.
type contextKey string

const (
	UserContextKey        contextKey = "userID"
	DisplayNameContextKey contextKey = "displayName"
)

// GetUserIDFromContext извлекает UserID из контекста.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserContextKey).(uuid.UUID)
	return userID, ok
}
