// Package auth guards the operator API with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator holds the operator name for audit logging.
const ContextKeyOperator = "operator"

// HeaderAdminSecret carries the secret when a bearer token is not used.
const HeaderAdminSecret = "X-Admin-Secret"

// HeaderOperator optionally names the human or job behind a request.
const HeaderOperator = "X-Operator"

// RequireAdmin rejects requests that do not present secret, either as
// "Authorization: Bearer <secret>" or in the X-Admin-Secret header.
// An empty secret leaves the API open when allowOpen is set (local
// development) and closed otherwise.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !allowOpen {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "admin_disabled",
					"message": "Operator API is disabled until ADMIN_SECRET is set.",
				})
				return
			}
			setOperator(c)
			c.Next()
			return
		}

		presented := presentedSecret(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		setOperator(c)
		c.Next()
	}
}

func presentedSecret(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return c.GetHeader(HeaderAdminSecret)
}

func setOperator(c *gin.Context) {
	name := strings.TrimSpace(c.GetHeader(HeaderOperator))
	if name == "" || len(name) > 64 {
		name = "admin"
	}
	c.Set(ContextKeyOperator, name)
}

// Operator returns the operator name set by RequireAdmin.
func Operator(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyOperator); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
