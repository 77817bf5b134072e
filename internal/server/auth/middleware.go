package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/gin-gonic/gin"
)

// ContextUserID is the gin context key holding the authenticated user ID.
const ContextUserID = "user_id"

// Middleware rejects requests without a valid "Authorization: Bearer" token.
func Middleware(secretKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			abort(c, "missing bearer token")
			return
		}

		userID, err := GetUserIDFromToken(strings.TrimSpace(token), secretKey)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, common.ErrTokenExpired) {
				msg = "token expired"
			}
			abort(c, msg)
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": msg,
		"error":   "UNAUTHORIZED",
	})
}
