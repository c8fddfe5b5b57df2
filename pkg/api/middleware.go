package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// securityHeaders sets the standard hardening headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// accessLog writes one structured line per request.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// authRequired guards the API with the session token. In local mode
// loopback requests pass without a token; everything else presents the
// Bearer header or the token query parameter.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authMode == "local" && isLoopbackRequest(c) {
			c.Next()
			return
		}

		token, authErr := requestToken(c)
		if authErr != nil {
			fail(c, http.StatusUnauthorized, authErr.code)
			return
		}
		if err := s.tokens.Verify(c.Request.Context(), token); err != nil {
			code := authInvalidToken
			var ae *authError
			if errors.As(err, &ae) {
				code = ae.code
			}
			fail(c, http.StatusUnauthorized, code)
			return
		}
		c.Next()
	}
}

// loopbackOnly restricts an endpoint to the local machine regardless of
// auth mode. Secrets never travel past the loopback interface.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopbackRequest(c) {
			fail(c, http.StatusForbidden, "loopback_only")
			return
		}
		c.Next()
	}
}
