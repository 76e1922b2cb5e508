// Package secrets encrypts the password/passphrase fields of a
// persisted connection profile so connections.json never holds
// plaintext credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// keySize is AES-256's key length in bytes.
const keySize = 32

// ErrInvalidKey is returned by New when the supplied key is not 32 bytes.
var ErrInvalidKey = errors.New("secrets: key must be 32 bytes for AES-256")

// Box encrypts and decrypts individual string fields (passwords,
// passphrases) with AES-256-GCM, base64-encoding the ciphertext so it
// round-trips cleanly through JSON. It is a pure codec with no storage
// of its own; the config Store owns persistence.
type Box struct {
	gcm cipher.AEAD
}

// New constructs a Box from a raw 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning a base64-encoded nonce||ciphertext
// envelope suitable for a JSON string field. An empty plaintext encrypts
// to an empty envelope so an unset password round-trips as unset.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: read nonce: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal.
func (b *Box) Open(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("secrets: decode envelope: %w", err)
	}
	nonceSize := b.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("secrets: envelope too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}
