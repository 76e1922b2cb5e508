// Package config persists connection profiles to a connections.json
// file, transparently encrypting credential fields via internal/secrets
// and writing the file atomically.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hopwire/sshfwd/internal/secrets"
	"github.com/hopwire/sshfwd/pkg/types"
)

// ConnectionProfile groups a Session's identity with its display name
// and attached forwarding rules, matching connections.json's per-record
// shape.
type ConnectionProfile struct {
	Name            string                 `json:"name"`
	Host            string                 `json:"host"`
	Port            int                    `json:"port"`
	Username        string                 `json:"username"`
	Password        string                 `json:"password,omitempty"`
	KeyPath         string                 `json:"key_path,omitempty"`
	Passphrase      string                 `json:"passphrase,omitempty"`
	UseAgent        bool                   `json:"use_agent,omitempty"`
	KeepAlive       bool                   `json:"keep_alive"`
	Compression     bool                   `json:"compression"`
	ForwardingRules []types.ForwardingRule `json:"forwarding_rules"`
}

// Identity computes this profile's transport registry key.
func (p ConnectionProfile) Identity() types.SessionIdentity {
	return types.SessionIdentity{Host: p.Host, Port: p.Port, Username: p.Username}
}

// Store loads and persists connections.json, transparently
// encrypting/decrypting the password and passphrase fields through a
// secrets.Box. The core forwarding engine never sees this package;
// decrypted credentials are handed to transport.Options by the caller
// (cmd/server) after Load returns.
type Store struct {
	box *secrets.Box
}

// New constructs a Store backed by box for field encryption.
func New(box *secrets.Box) *Store {
	return &Store{box: box}
}

// Load reads path, decrypting password/passphrase fields before
// returning. A missing file is not an error; it yields an empty slice so
// a fresh install starts with no configured connections.
func (s *Store) Load(path string) ([]ConnectionProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var profiles []ConnectionProfile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i := range profiles {
		if profiles[i].Password != "" {
			plain, err := s.box.Open(profiles[i].Password)
			if err != nil {
				return nil, fmt.Errorf("config: decrypt password for %q: %w", profiles[i].Name, err)
			}
			profiles[i].Password = plain
		}
		if profiles[i].Passphrase != "" {
			plain, err := s.box.Open(profiles[i].Passphrase)
			if err != nil {
				return nil, fmt.Errorf("config: decrypt passphrase for %q: %w", profiles[i].Name, err)
			}
			profiles[i].Passphrase = plain
		}
	}

	return profiles, nil
}

// Save re-encrypts password/passphrase fields and writes path atomically
// (temp file in the same directory, then rename), so a crash mid-write
// never leaves connections.json truncated.
func (s *Store) Save(path string, profiles []ConnectionProfile) error {
	encrypted := make([]ConnectionProfile, len(profiles))
	copy(encrypted, profiles)

	for i := range encrypted {
		if encrypted[i].Password != "" {
			sealed, err := s.box.Seal(encrypted[i].Password)
			if err != nil {
				return fmt.Errorf("config: encrypt password for %q: %w", encrypted[i].Name, err)
			}
			encrypted[i].Password = sealed
		}
		if encrypted[i].Passphrase != "" {
			sealed, err := s.box.Seal(encrypted[i].Passphrase)
			if err != nil {
				return fmt.Errorf("config: encrypt passphrase for %q: %w", encrypted[i].Name, err)
			}
			encrypted[i].Passphrase = sealed
		}
	}

	data, err := json.MarshalIndent(encrypted, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".connections-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}

	return nil
}

// DefaultDir returns $XDG_CONFIG_HOME/sshfwd, falling back to
// ~/.config/sshfwd.
func DefaultDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sshfwd"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sshfwd"), nil
}
