package oauth

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const keyFileName = "token.key"

// Token is one environment's access credentials plus the bookkeeping the
// keep-alive loop and status display need.
type Token struct {
	Env          string    `json:"env"`
	AccessToken  string    `json:"access_token"`
	AccessSecret string    `json:"access_secret"`
	ObtainedAt   time.Time `json:"obtained_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	LastRenewed  time.Time `json:"last_renewed_at"`
}

// TokenStore persists tokens sealed with ChaCha20-Poly1305. The key lives
// next to the token files with 0600 permissions; sealing keeps a casual
// `cat` or a backup sync from exposing broker credentials in plaintext.
type TokenStore struct {
	dir  string
	mu   sync.Mutex
	aead cipher.AEAD
}

// NewTokenStore opens the store rooted at dir, creating the directory and
// the sealing key on first use.
func NewTokenStore(dir string) (*TokenStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating token dir: %w", err)
	}
	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("initializing token cipher: %w", err)
	}
	return &TokenStore{dir: dir, aead: aead}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("token key %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading token key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating token key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing token key: %w", err)
	}
	return key, nil
}

func (ts *TokenStore) tokenPath(env string) string {
	return filepath.Join(ts.dir, env+".token")
}

// Save seals and writes the token for its environment.
func (ts *TokenStore) Save(tok *Token) error {
	if tok == nil || tok.Env == "" {
		return fmt.Errorf("token must carry an environment")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	plaintext, err := json.Marshal(tok)
	if err != nil {
		return err
	}

	nonce := make([]byte, ts.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating seal nonce: %w", err)
	}
	sealed := ts.aead.Seal(nonce, nonce, plaintext, nil)

	path := ts.tokenPath(tok.Env)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load opens and unseals the token for env. Returns ErrNoToken when nothing
// has been stored yet.
func (ts *TokenStore) Load(env string) (*Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	sealed, err := os.ReadFile(ts.tokenPath(env))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for %s", ErrNoToken, env)
		}
		return nil, err
	}
	if len(sealed) < ts.aead.NonceSize() {
		return nil, fmt.Errorf("token file for %s is truncated", env)
	}

	nonce, ciphertext := sealed[:ts.aead.NonceSize()], sealed[ts.aead.NonceSize():]
	plaintext, err := ts.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unsealing token for %s (wrong key or tampered file): %w", env, err)
	}

	var tok Token
	if err := json.Unmarshal(plaintext, &tok); err != nil {
		return nil, fmt.Errorf("parsing token for %s: %w", env, err)
	}
	return &tok, nil
}

// Clear removes the stored token for env. Missing files are not an error.
func (ts *TokenStore) Clear(env string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	err := os.Remove(ts.tokenPath(env))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
