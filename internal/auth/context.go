// ABOUTME: Gin middleware extracting bearer tokens and the per-request principal
// ABOUTME: Handlers ask CanActAs before acting on behalf of an agent

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const principalKey = "auth.principal"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware rejects requests without a valid bearer token and stores the
// principal for handlers. Websocket clients that cannot set headers may pass
// the token as the access_token query parameter.
func Middleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if qt := c.Query("access_token"); qt != "" {
				header = "Bearer " + qt
			}
		}
		token, msg := extractBearerToken(header)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		p, err := verifier.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrExpiredToken) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// FromContext returns the request's principal, or nil when unauthenticated.
func FromContext(c *gin.Context) *Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// CanActAs reports whether the request may act on behalf of agentID.
// Requests that went through no middleware are allowed.
func CanActAs(c *gin.Context, agentID string) bool {
	if _, ok := c.Get(principalKey); !ok {
		return true
	}
	p := FromContext(c)
	if p == nil {
		return false
	}
	return p.Role == RoleOperator || (p.Role == RoleAgent && p.ID == agentID)
}
