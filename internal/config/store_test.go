package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hopwire/sshfwd/internal/secrets"
	"github.com/hopwire/sshfwd/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	box, err := secrets.New(key)
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	return New(box)
}

func TestStoreLoadMissingFileReturnsEmpty(t *testing.T) {
	s := testStore(t)
	profiles, err := s.Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(t.TempDir(), "connections.json")

	original := []ConnectionProfile{
		{
			Name:       "office",
			Host:       "bastion.example.com",
			Port:       22,
			Username:   "deploy",
			Password:   "hunter2",
			KeepAlive:  true,
			Compression: false,
			ForwardingRules: []types.ForwardingRule{
				{Type: types.KindLocal, LocalHost: "127.0.0.1", LocalPort: 8080, RemoteHost: "db.internal", RemotePort: 5432, Active: true},
			},
		},
	}

	if err := s.Save(path, original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(loaded))
	}
	if loaded[0].Password != "hunter2" {
		t.Fatalf("expected decrypted password, got %q", loaded[0].Password)
	}
	if loaded[0].Name != "office" || loaded[0].Host != "bastion.example.com" {
		t.Fatalf("unexpected profile: %+v", loaded[0])
	}
	if len(loaded[0].ForwardingRules) != 1 || loaded[0].ForwardingRules[0].RemotePort != 5432 {
		t.Fatalf("unexpected forwarding rules: %+v", loaded[0].ForwardingRules)
	}
}

func TestStoreSavePersistsCiphertextOnDisk(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(t.TempDir(), "connections.json")

	profiles := []ConnectionProfile{{Name: "x", Host: "h", Port: 22, Username: "u", Password: "plaintext-secret"}}
	if err := s.Save(path, profiles); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if contains(string(raw), "plaintext-secret") {
		t.Fatal("expected password to be encrypted on disk, found plaintext")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
