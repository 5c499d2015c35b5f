package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of an authenticated
// request.
const ResultKey = "auth_result"

// GinAuth rejects requests without valid credentials. A nil Service lets
// everything through.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		res, err := s.Authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Basic realm="devsvc"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// FromContext returns the authentication result stored by GinAuth.
func FromContext(c *gin.Context) (*Result, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*Result)
	return r, ok
}
