package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authStatus reports whether the session token is set. Open endpoint:
// a fresh install needs it to decide whether to bootstrap.
func (s *Server) authStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"initialized":    s.tokens.Initialized(c.Request.Context()),
		"auth_mode":      s.authMode,
		"token_required": s.authMode == "strict",
	})
}

type bootstrapRequest struct {
	Token string `json:"token"`
}

// authBootstrap installs the client's session token. Re-sending the
// current token answers "ок"; a different token while the token file
// holds one is a conflict.
func (s *Server) authBootstrap(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		fail(c, http.StatusBadRequest, "token is required")
		return
	}

	status, err := s.tokens.Bootstrap(c.Request.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		if errors.Is(err, ErrTokenExists) {
			fail(c, http.StatusConflict, "Токен уже установлен")
			return
		}
		mapServiceError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
