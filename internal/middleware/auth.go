package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"narrative-engine/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	userIDKey      = "userID"
	displayNameKey = "displayName"
	rolesKey       = "roles"
)

// JWTVerifier проверяет токены, выпущенные сервисом аутентификации.
type JWTVerifier struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

func NewJWTVerifier(secret, issuer string, logger *zap.Logger) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, logger: logger.Named("JWTVerifier")}, nil
}

// VerifyToken checks the HMAC signature and expiry and returns the claims.
// Errors wrap models.ErrTokenExpired, models.ErrTokenMalformed or
// models.ErrTokenInvalid.
func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (*models.Claims, error) {
	log := v.logger.With(zap.String("tokenSnippet", tokenSnippet(tokenString)))
	claims := &models.Claims{}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		log.Warn("Failed to parse or verify token", zap.Error(err))
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, models.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, models.ErrTokenMalformed
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, models.ErrTokenInvalid
	}
	if claims.UserID == uuid.Nil {
		log.Warn("Token missing user_id")
		return nil, fmt.Errorf("%w: user_id missing", models.ErrTokenInvalid)
	}
	return claims, nil
}

func tokenSnippet(tokenString string) string {
	if len(tokenString) > 15 {
		return tokenString[:15] + "..."
	}
	return tokenString
}

// TokenVerifier - функция проверки токена.
type TokenVerifier func(ctx context.Context, tokenString string) (*models.Claims, error)

// Auth требует Bearer токен в заголовке Authorization. Для websocket
// соединений браузер не может выставить заголовок, поэтому принимается и
// query-параметр token.
func Auth(verify TokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				abortUnauthorized(c, "Unauthorized: Malformed token header")
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			abortUnauthorized(c, "Unauthorized: Missing token")
			return
		}

		claims, err := verify(c.Request.Context(), tokenString)
		if err != nil {
			msg := "Unauthorized: Invalid token"
			if errors.Is(err, models.ErrTokenExpired) {
				msg = "Unauthorized: Token expired"
			} else if !errors.Is(err, models.ErrTokenInvalid) && !errors.Is(err, models.ErrTokenMalformed) {
				logger.Error("Unexpected token verification error", zap.Error(err))
			}
			abortUnauthorized(c, msg)
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set(displayNameKey, claims.DisplayName)
		c.Set(rolesKey, claims.Roles)
		ctx := context.WithValue(c.Request.Context(), models.UserContextKey, claims.UserID)
		ctx = context.WithValue(ctx, models.DisplayNameContextKey, claims.DisplayName)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": msg})
}

// UserID returns the authenticated account id set by Auth.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func DisplayName(c *gin.Context) string {
	return c.GetString(displayNameKey)
}

// RequireRole пропускает только аккаунты с ролью role. Ставится после Auth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, _ := c.Get(rolesKey)
		if list, ok := roles.([]string); ok {
			for _, r := range list {
				if r == role {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Forbidden: Insufficient permissions"})
	}
}
