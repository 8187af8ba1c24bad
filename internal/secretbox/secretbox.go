// Package secretbox seals sensitive payloads with AES-256-GCM before they
// leave the local process. The key comes from the deployment environment and
// is never persisted or logged.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// EnvKey is the environment variable holding the data encryption key.
const EnvKey = "TIERSYNC_DATA_KEY"

// ErrNoKey is returned when sealing is requested but no key is configured.
var ErrNoKey = errors.New("secretbox: no data key configured")

// ErrDecrypt is returned when a sealed value cannot be opened (wrong key or
// corrupt ciphertext).
var ErrDecrypt = errors.New("secretbox: cannot decrypt value")

// Box seals and opens byte payloads with a fixed key.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from raw key material. Any non-empty passphrase is
// accepted; it is stretched to 32 bytes with SHA-256. A 64-char hex string is
// used verbatim as the key.
func New(keyMaterial string) (*Box, error) {
	if keyMaterial == "" {
		return nil, ErrNoKey
	}

	var key []byte
	if raw, err := hex.DecodeString(keyMaterial); err == nil && len(raw) == 32 {
		key = raw
	} else {
		sum := sha256.Sum256([]byte(keyMaterial))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox: gcm init: %w", err)
	}
	return &Box{aead: aead}, nil
}

// FromEnv creates a Box from TIERSYNC_DATA_KEY. Returns (nil, nil) when the
// key is unset: callers treat a nil Box as "encryption unavailable" and must
// refuse to ship sensitive payloads off-process.
func FromEnv() (*Box, error) {
	material := os.Getenv(EnvKey)
	if material == "" {
		return nil, nil
	}
	return New(material)
}

// Seal encrypts plaintext. Output is nonce || ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretbox: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	out, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
