package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OperatorAuth authenticates the operator channel by shared secret.
// The secret is accepted in the Authorization header ("Bearer <secret>")
// or the X-Operator-Secret header.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Operator-Secret")
		if presented == "" {
			auth := c.GetHeader("Authorization")
			presented = strings.TrimPrefix(auth, "Bearer ")
		}

		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		c.Next()
	}
}
