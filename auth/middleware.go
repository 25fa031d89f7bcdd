package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ericfitz/sessioncore/internal/slogging"
)

const principalKey = "auth.principal"

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browser websocket upgrades that cannot set headers, the token query parameter
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// UpgradeMiddleware verifies a presented token and stores the principal on
// the gin context. It guards the websocket upgrade and the tab-closing beacon.
// An invalid token is always rejected; a missing one only when required is set.
func UpgradeMiddleware(s *Service, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := TokenFromRequest(c.Request)
		if raw == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
				return
			}
			c.Next()
			return
		}

		p, err := s.Verify(raw)
		if err == nil {
			err = s.CheckUser(c.Request.Context(), p.UserID)
		}
		if err != nil {
			slogging.Get().Debug("Rejected upgrade from %s: %v", c.ClientIP(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by UpgradeMiddleware
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
