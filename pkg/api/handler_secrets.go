package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/secrets"
)

// secretsStatus reports vault and cloud key availability without ever
// returning key material.
func (s *Server) secretsStatus(c *gin.Context) {
	_, fromVault := s.vault.Get(secrets.KeyOpenAI)
	c.JSON(http.StatusOK, gin.H{
		"vault_unlocked": s.vault.Unlocked(),
		"openai_key_set": fromVault || os.Getenv(secrets.KeyOpenAI) != "",
	})
}

type unlockRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Server) unlockSecrets(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Passphrase) == "" {
		fail(c, http.StatusBadRequest, "passphrase is required")
		return
	}
	s.vault.Unlock(req.Passphrase)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type openAIKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) setOpenAIKey(c *gin.Context) {
	var req openAIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		fail(c, http.StatusBadRequest, "api_key is required")
		return
	}
	if err := s.vault.SetOpenAIKey(strings.TrimSpace(req.APIKey)); err != nil {
		if errors.Is(err, secrets.ErrLocked) {
			fail(c, http.StatusConflict, "vault is locked")
			return
		}
		if errors.Is(err, secrets.ErrBadPassphrase) {
			fail(c, http.StatusConflict, "wrong vault passphrase")
			return
		}
		mapServiceError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "обновлено"})
}
