// Package middleware provides Gin HTTP middleware for authentication, rate limiting,
// security headers, request ids, metrics and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Security → CORS → Auth → RateLimit → Audit → Handler
//
// Security headers run before auth so they appear on 401 responses too. Rate limiting runs
// after auth so authenticated callers are limited per login instead of per proxy address.
// Audit runs last and only sees requests that passed authentication.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/auth"
)

const (
	// CallerKey holds the access.Caller of an authenticated request
	CallerKey = "caller"
	// LoginKey holds the caller's normalized login
	LoginKey      = "login"
	AuthMethodKey = "auth_method"
)

// AuthMiddleware verifies the bearer token and stores the caller in the context. Callers
// holding globalAdminRole among their token roles are global admins.
func AuthMiddleware(verifier auth.Verifier, globalAdminRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			msg := "Missing authorization header"
			switch {
			case errors.Is(err, auth.ErrMalformed):
				msg = "Authorization header must start with 'Bearer '"
			case c.GetHeader("Authorization") != "":
				msg = "Authorization token is empty"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		caller := access.Caller{
			Login:       identity.Login,
			GlobalAdmin: globalAdminRole != "" && identity.HasRole(globalAdminRole),
		}
		c.Set(CallerKey, caller)
		c.Set(LoginKey, identity.Login)
		c.Set(AuthMethodKey, identity.Method)

		c.Next()
	}
}

// CallerFrom returns the caller stored by AuthMiddleware, or the zero caller
func CallerFrom(c *gin.Context) access.Caller {
	if v, ok := c.Get(CallerKey); ok {
		if caller, ok := v.(access.Caller); ok {
			return caller
		}
	}
	return access.Caller{}
}
