package secrets

import (
	"path/filepath"
	"testing"
)

func testKey() []byte {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestBoxSealOpenRoundTrip(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := box.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "hunter2" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "hunter2" {
		t.Fatalf("expected round-trip to recover plaintext, got %q", opened)
	}
}

func TestBoxSealOpenEmptyString(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sealed, err := box.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("expected empty envelope for empty plaintext, got %q err %v", sealed, err)
	}
	opened, err := box.Open("")
	if err != nil || opened != "" {
		t.Fatalf("expected empty plaintext for empty envelope, got %q err %v", opened, err)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New([]byte("too short")); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey (create): %v", err)
	}
	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey (load): %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected key to persist across calls")
	}
}
