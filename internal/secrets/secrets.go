// Package secrets generates webhook signing secrets and seals them at rest.
//
// Secrets must be recoverable for signing every outbound attempt, so they
// are encrypted (AES-256-GCM under a key derived from the master key), not
// hashed. The plaintext is surfaced exactly once, in create/rotate
// responses, and never logged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const secretPrefix = "whsec_"

var ErrCiphertextTooShort = errors.New("secrets: ciphertext too short")

// Generate returns a new high-entropy secret, e.g. "whsec_k3c...".
func Generate() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Box seals and opens secrets with a key derived from the master key.
type Box struct {
	aead cipher.AEAD
}

func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("secrets: master key is empty")
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext; the nonce is prepended to the ciphertext.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed secret.
func (b *Box) Open(ciphertext []byte) (string, error) {
	ns := b.aead.NonceSize()
	if len(ciphertext) < ns {
		return "", ErrCiphertextTooShort
	}
	plain, err := b.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
