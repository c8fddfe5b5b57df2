// Package secrets holds cloud API keys in a passphrase-sealed file. The
// passphrase lives only in process memory; environment variables always
// win over vault entries so a key can be overridden without unsealing.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// KeyOpenAI is the vault entry the brain's cloud provider lookup reads.
const KeyOpenAI = "OPENAI_API_KEY"

// ErrLocked is returned by writes while no passphrase is set.
var ErrLocked = errors.New("vault is locked")

// ErrBadPassphrase is returned when the sealed file cannot be opened
// with the current passphrase.
var ErrBadPassphrase = errors.New("wrong vault passphrase")

const (
	vaultMagic = "astrav1"
	saltLen    = 16

	// scrypt parameters; interactive-login strength.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Vault is the sealed secret store. Safe for concurrent use.
type Vault struct {
	mu         sync.Mutex
	path       string
	passphrase string
}

// New builds a vault over the sealed file at path. The file may not
// exist yet; the first write creates it.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Unlock stores the runtime passphrase. It is never persisted; an empty
// value locks the vault again.
func (v *Vault) Unlock(passphrase string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.passphrase = passphrase
}

// Unlocked reports whether a passphrase is held.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.passphrase != ""
}

// Get resolves a secret: environment first, then the unlocked vault.
// The second return value is false on a miss.
func (v *Vault) Get(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.passphrase == "" {
		return "", false
	}
	entries, err := v.load()
	if err != nil {
		return "", false
	}
	value, ok := entries[key]
	return value, ok && value != ""
}

// Set writes one entry and reseals the file. Requires an unlocked vault.
func (v *Vault) Set(key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.passphrase == "" {
		return ErrLocked
	}

	entries, err := v.load()
	if err != nil {
		return err
	}
	entries[key] = value
	return v.seal(entries)
}

// SetOpenAIKey stores the OpenAI API key entry.
func (v *Vault) SetOpenAIKey(apiKey string) error {
	return v.Set(KeyOpenAI, apiKey)
}

// load reads and opens the sealed file. A missing file is an empty vault.
func (v *Vault) load() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}

	header := len(vaultMagic) + saltLen
	if len(data) < header {
		return nil, fmt.Errorf("vault file is corrupt")
	}
	if string(data[:len(vaultMagic)]) != vaultMagic {
		return nil, fmt.Errorf("vault file is corrupt")
	}
	salt := data[len(vaultMagic):header]

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return nil, err
	}
	if len(data) < header+gcm.NonceSize() {
		return nil, fmt.Errorf("vault file is corrupt")
	}
	nonce := data[header : header+gcm.NonceSize()]
	sealed := data[header+gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	entries := map[string]string{}
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("vault payload is corrupt: %w", err)
	}
	return entries, nil
}

// seal writes the entries under a fresh salt and nonce.
func (v *Vault) seal(entries map[string]string) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode vault payload: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := v.cipherFor(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(vaultMagic)+len(salt)+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, vaultMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plain, nil)

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("failed to create vault dir: %w", err)
	}
	if err := os.WriteFile(v.path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return nil
}

func (v *Vault) cipherFor(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(v.passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init vault cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init vault cipher: %w", err)
	}
	return gcm, nil
}
