package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// LoadOrCreateKey reads a hex-encoded 32-byte key from path, generating
// and persisting a fresh random key if the file does not yet exist. This
// keeps the encryption key out of connections.json itself, stored
// alongside it with owner-only permissions.
func LoadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(string(raw))
		if decErr != nil {
			return nil, fmt.Errorf("secrets: decode key file %s: %w", path, decErr)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("secrets: key file %s has %d bytes, want %d", path, len(key), keySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read key file %s: %w", path, err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	encoded := hex.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("secrets: write key file %s: %w", path, err)
	}
	return key, nil
}
