package auth

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Signature headers sent by platforms.
const (
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
	HeaderNonce     = "x-nonce"
)

// Middleware rejects requests whose signature does not verify. The request
// body is re-buffered so downstream handlers can still bind it.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig := c.GetHeader(HeaderSignature)
		ts := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)
		if sig == "" || ts == "" || nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing signature headers",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "failed to read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := v.Verify(ts, nonce, body, []byte(sig)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Next()
	}
}
