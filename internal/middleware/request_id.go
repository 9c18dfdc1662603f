package middleware

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-Id"

// RequestID echoes the caller's request id or mints one, so log lines and
// responses can be correlated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			buf := make([]byte, 16)
			_, _ = rand.Read(buf)
			reqID = hex.EncodeToString(buf)
		}
		c.Writer.Header().Set(requestIDHeader, reqID)
		c.Set("request_id", reqID)
		c.Next()
	}
}
