package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"docdelta/internal/pkg/jwtutil"
	"docdelta/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextUsernameKey = "username"
	ContextClaimsKey   = "claims"
)

func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, 401, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, 401, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		claims, err := jwtutil.ParseToken(secret, token)
		if err != nil {
			response.Error(c, 401, response.CodeUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserIDKey, claims.UserID)
		c.Set(ContextUsernameKey, claims.Username)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// RequireScope must run after AuthJWT.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasScope(c, scope) {
			response.Error(c, 403, response.CodeForbidden, "missing scope "+scope)
			c.Abort()
			return
		}
		c.Next()
	}
}

func HasScope(c *gin.Context, scope string) bool {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return false
	}
	claims, ok := v.(*jwtutil.Claims)
	return ok && claims.HasScope(scope)
}
