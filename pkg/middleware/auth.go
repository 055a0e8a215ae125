package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opositia/examprep/pkg/common"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"
)

// AuthMiddleware validates the bearer token issued by the auth service
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			common.ErrorResponse(c, http.StatusUnauthorized, "missing or malformed authorization header")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			common.ErrorResponse(c, http.StatusUnauthorized, "invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			common.ErrorResponse(c, http.StatusUnauthorized, "invalid token claims")
			c.Abort()
			return
		}

		if sub, ok := claims["sub"].(string); ok {
			c.Set(userIDKey, sub)
		}
		if role, ok := claims["role"].(string); ok {
			c.Set(roleKey, role)
		}

		c.Next()
	}
}

// AdminOnly rejects requests whose token does not carry the admin role
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(roleKey) != "admin" {
			common.ErrorResponse(c, http.StatusForbidden, "admin access required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUserID extracts the authenticated user's id from the gin context
func GetUserID(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetString(userIDKey)
	return uuid.Parse(raw)
}
