package middleware

import (
	"context"
	"errors"
	"strings"

	apperrors "capstone-brain/backend/pkg/errors"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by JWTAuthMiddleware
const (
	ClaimsKey    = "claims"
	AccountIDKey = "accountId"
	TokenKey     = "token"
)

// Authenticator resolves a bearer token to its claims
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*jwt.JWTClaims, error)
}

// JWTAuthMiddleware checks that the request has a valid JWT and adds claims to the context
func JWTAuthMiddleware(auth Authenticator, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			_ = c.Error(apperrors.NewUnauthorizedError("AUTH_REQUIRED", "Authorization header is required"))
			c.Abort()
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !jwt.IsAuthError(err) {
				_ = c.Error(err)
				c.Abort()
				return
			}
			log.Warn("invalid JWT token", "error", err.Error(), "path", c.Request.URL.Path)
			msg := "Invalid token"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "Token has expired"
			}
			_ = c.Error(apperrors.NewUnauthorizedError("INVALID_TOKEN", msg))
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(AccountIDKey, claims.AccountID)
		c.Set(TokenKey, token)

		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header value
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Claims returns the claims stored by JWTAuthMiddleware
func Claims(c *gin.Context) (*jwt.JWTClaims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwt.JWTClaims)
	return claims, ok
}

// RequireRole returns a middleware that requires the caller to hold role.
// A role failure is reported as 401, the same status as a missing token.
func RequireRole(role jwt.Role) gin.HandlerFunc {
	return RequireAnyRole(role)
}

// RequireAnyRole returns middleware that requires the caller to have at least one of the specified roles
func RequireAnyRole(roles ...jwt.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			_ = c.Error(apperrors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
			c.Abort()
			return
		}

		for _, role := range roles {
			if claims.HasRole(role) {
				c.Next()
				return
			}
		}

		_ = c.Error(apperrors.NewUnauthorizedError("INSUFFICIENT_ROLE", "Your role does not allow this operation"))
		c.Abort()
	}
}
