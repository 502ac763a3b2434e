// Package vault seals session secrets (agent access tokens) before they are
// written to the shared backend.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrSealedTooShort = errors.New("sealed value shorter than nonce")

// Vault is AES-256-GCM keyed from a passphrase via Argon2id. Every process
// sharing a backend must use the same passphrase.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key with a salt taken from the passphrase itself, so every
// agent process derives the same key without coordinating a salt.
func New(passphrase string) (*Vault, error) {
	salt := sha256.Sum256([]byte("courier:" + passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) Open(sealed []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrSealedTooShort
	}
	plaintext, err := v.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealString is Seal for text values, base64 encoded for storage in JSON.
func (v *Vault) SealString(plaintext string) (string, error) {
	sealed, err := v.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) OpenString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	plaintext, err := v.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
