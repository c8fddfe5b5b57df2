package api

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/store"
)

// Auth failure codes returned in the 401 detail field.
const (
	authTokenNotInitialized  = "token_not_initialized"
	authMissingAuthorization = "missing_authorization"
	authBadScheme            = "bad_scheme"
	authInvalidToken         = "invalid_token"
)

// ErrTokenExists is returned by Bootstrap when the token file already
// holds a different token.
var ErrTokenExists = errors.New("a different session token is already set")

// Bootstrap outcomes.
const (
	BootstrapCreated   = "создано"
	BootstrapUpdated   = "обновлено"
	BootstrapUnchanged = "ок"
)

type authError struct{ code string }

func (e *authError) Error() string { return e.code }

// TokenManager owns the single session token guarding the API: a salted
// hash in the store plus the plaintext in a 0600 file for local clients.
type TokenManager struct {
	store     store.Store
	tokenPath string
}

// NewTokenManager builds the manager. tokenPath is where the plaintext
// token is written on bootstrap.
func NewTokenManager(st store.Store, tokenPath string) *TokenManager {
	return &TokenManager{store: st, tokenPath: tokenPath}
}

// Initialized reports whether a token hash is stored.
func (m *TokenManager) Initialized(ctx context.Context) bool {
	hash, _, err := m.store.GetSessionToken(ctx)
	return err == nil && hash != ""
}

// Bootstrap installs the caller's token. Re-sending the stored token is
// a no-op; sending a new one re-salts and replaces the hash. The token
// file on disk wins conflicts: a different token there means another
// client already claimed this installation.
func (m *TokenManager) Bootstrap(ctx context.Context, token string) (string, error) {
	fileToken := m.readTokenFile()
	if fileToken != "" && fileToken != token {
		return "", ErrTokenExists
	}

	hash, salt, err := m.store.GetSessionToken(ctx)
	if err == nil && hash != "" {
		if hmac.Equal([]byte(hashToken(salt, token)), []byte(hash)) {
			if fileToken == "" {
				if err := m.writeTokenFile(token); err != nil {
					return "", err
				}
			}
			return BootstrapUnchanged, nil
		}
		if err := m.storeToken(ctx, token); err != nil {
			return "", err
		}
		return BootstrapUpdated, nil
	}

	if err := m.storeToken(ctx, token); err != nil {
		return "", err
	}
	return BootstrapCreated, nil
}

// Verify checks a presented token against the stored salted hash in
// constant time.
func (m *TokenManager) Verify(ctx context.Context, token string) error {
	hash, salt, err := m.store.GetSessionToken(ctx)
	if err != nil || hash == "" {
		return &authError{code: authTokenNotInitialized}
	}
	if !hmac.Equal([]byte(hashToken(salt, token)), []byte(hash)) {
		return &authError{code: authInvalidToken}
	}
	return nil
}

func (m *TokenManager) storeToken(ctx context.Context, token string) error {
	saltRaw := make([]byte, 16)
	if _, err := rand.Read(saltRaw); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltRaw)

	if err := m.store.SetSessionToken(ctx, hashToken(salt, token), salt); err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	return m.writeTokenFile(token)
}

func (m *TokenManager) readTokenFile() string {
	if m.tokenPath == "" {
		return ""
	}
	data, err := os.ReadFile(m.tokenPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *TokenManager) writeTokenFile(token string) error {
	if m.tokenPath == "" {
		return nil
	}
	if err := os.WriteFile(m.tokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

func hashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

// requestToken extracts the presented token: the Bearer header first,
// then the ?token= query parameter for SSE clients that cannot set
// headers.
func requestToken(c *gin.Context) (string, *authError) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(value) == "" {
			return "", &authError{code: authBadScheme}
		}
		return strings.TrimSpace(value), nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", &authError{code: authMissingAuthorization}
}

// isLoopbackRequest reports whether the request arrived over the
// loopback interface. Hostnames that fail to parse as an IP fall back to
// a literal "localhost" comparison.
func isLoopbackRequest(c *gin.Context) bool {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}
