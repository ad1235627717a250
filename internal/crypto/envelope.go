// Package crypto provides authenticated encryption for BYOK provider API keys
// at rest. It uses XChaCha20-Poly1305 under a single 32-byte master key loaded
// from the environment at startup.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the master key size in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the XChaCha20-Poly1305 nonce size (24 bytes).
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the Poly1305 authentication tag appended to every ciphertext.
	TagSize = chacha20poly1305.Overhead

	// fingerprintLen is the number of trailing characters of a plaintext key
	// that are safe to store and log.
	fingerprintLen = 4
)

// ErrDecrypt is returned when decryption fails: wrong key, wrong nonce, or
// tampered ciphertext. The cause is deliberately not distinguished.
var ErrDecrypt = errors.New("crypto: decryption failed")

// Envelope encrypts and decrypts under a cached master key. It is safe for
// concurrent use; the key is never logged.
type Envelope struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewEnvelope builds an Envelope from a base64-encoded 32-byte master key.
// Misconfiguration (empty, bad base64, wrong size) is a startup-fatal error.
func NewEnvelope(masterKeyB64 string) (*Envelope, error) {
	if masterKeyB64 == "" {
		return nil, fmt.Errorf("master key not configured")
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// NewNonce returns 24 random bytes. A fresh nonce is drawn per encryption.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under the master key with the given nonce. The
// returned ciphertext includes the 16-byte auth tag.
func (e *Envelope) Encrypt(plaintext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any failure (wrong nonce,
// wrong key, tampering) returns ErrDecrypt.
func (e *Envelope) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrDecrypt
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Fingerprint returns the last 4 characters of a plaintext key, which are the
// only part of the key safe to persist unencrypted and to log.
func Fingerprint(plaintextKey string) string {
	runes := []rune(plaintextKey)
	if len(runes) <= fingerprintLen {
		return plaintextKey
	}
	return string(runes[len(runes)-fingerprintLen:])
}

// ZeroBytes zeroes a byte slice so decrypted key material does not linger in
// memory longer than needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
