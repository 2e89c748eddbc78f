package pairing

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentity_PersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.json")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (create): %v", err)
	}

	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (load): %v", err)
	}

	if !bytes.Equal(first.SigningPublic, second.SigningPublic) {
		t.Fatal("expected the same signing key to be loaded back")
	}
	if first.ECDHPublic != second.ECDHPublic {
		t.Fatal("expected the same ECDH key to be loaded back")
	}
}
