// Package cryptutil provides the at-rest encryption primitives used by the
// hub's credential store and CA private key (§4.3, §5). Enrollment tokens
// are not encrypted. Keys are either derived from the SONDE_SECRET passphrase via scrypt,
// or, if SONDE_SECRET is unset, generated and persisted to a local key file
// (degraded mode, logged by callers as a startup warning per §4.3).
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

const (
	// RootKeyFile is the filename for the generated root key used when no
	// SONDE_SECRET passphrase is configured.
	RootKeyFile = "root.key"
	// RootKeySize is the key size in bytes (AES-256).
	RootKeySize = 32

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// scryptSalt is fixed: the root key is re-derived from SONDE_SECRET on every
// process start and must land on the same bytes each time. A fixed,
// application-specific salt is sufficient here because the input keyspace is
// a high-entropy operator-chosen passphrase, not a user password shared
// across services.
var scryptSalt = []byte("sonde-hub-root-key-v1")

// RootKeyProvider manages the root encryption key used for encrypting
// credentials and CA material at rest.
type RootKeyProvider struct {
	keyPath string
	key     []byte
}

// NewRootKeyProviderFromSecret derives the root key from passphrase via
// scrypt. No file is written or read: the key is reproducible from the
// passphrase alone.
func NewRootKeyProviderFromSecret(passphrase string) (*RootKeyProvider, error) {
	key, err := scrypt.Key([]byte(passphrase), scryptSalt, scryptN, scryptR, scryptP, RootKeySize)
	if err != nil {
		return nil, fmt.Errorf("derive root key: %w", err)
	}
	return &RootKeyProvider{key: key}, nil
}

// NewRootKeyProviderFromFile loads or generates a random root key under
// stateDir. Used when no SONDE_SECRET passphrase is configured; callers
// should log a degraded-mode warning in this case.
func NewRootKeyProviderFromFile(stateDir string) (*RootKeyProvider, error) {
	keyPath := filepath.Join(stateDir, RootKeyFile)
	provider := &RootKeyProvider{keyPath: keyPath}

	if err := provider.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("root key init: %w", err)
	}
	return provider, nil
}

func (p *RootKeyProvider) loadOrGenerate() error {
	data, err := os.ReadFile(p.keyPath)
	if err == nil && len(data) == RootKeySize {
		p.key = data
		return nil
	}

	key := make([]byte, RootKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	if err := os.WriteFile(p.keyPath, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	p.key = key
	return nil
}

// Key returns the root key bytes.
func (p *RootKeyProvider) Key() []byte {
	return p.key
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
// Returns (ciphertext, nonce, error).
func Encrypt(plaintext, key []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
