package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// Identity is a device's long-term key material: an Ed25519 keypair for
// signing pairing nonces, and an X25519 keypair for the ECDH step that
// derives the shared sync_key. The two serve different purposes and are
// generated independently.
type Identity struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
	ECDHPublic     [32]byte
	ECDHPrivate    [32]byte
}

// NewIdentity generates a fresh signing and ECDH keypair.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}

	var ecdhPriv [32]byte
	if _, err := rand.Read(ecdhPriv[:]); err != nil {
		return Identity{}, err
	}
	// clamp per RFC 7748 so the scalar lies in the correct subgroup.
	ecdhPriv[0] &= 248
	ecdhPriv[31] &= 127
	ecdhPriv[31] |= 64

	var ecdhPub [32]byte
	pubSlice, err := curve25519.X25519(ecdhPriv[:], curve25519.Basepoint)
	if err != nil {
		return Identity{}, err
	}
	copy(ecdhPub[:], pubSlice)

	return Identity{
		SigningPublic:  pub,
		SigningPrivate: priv,
		ECDHPublic:     ecdhPub,
		ECDHPrivate:    ecdhPriv,
	}, nil
}

// identityFile is the on-disk encoding of an Identity. It is never
// transmitted: only the public halves ever leave the device, via a
// challenge or response payload.
type identityFile struct {
	SigningPublic  []byte   `json:"signing_public"`
	SigningPrivate []byte   `json:"signing_private"`
	ECDHPublic     [32]byte `json:"ecdh_public"`
	ECDHPrivate    [32]byte `json:"ecdh_private"`
}

// LoadOrCreateIdentity reads a device's long-term keypairs from path,
// generating and persisting a fresh Identity if the file does not exist.
func LoadOrCreateIdentity(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return Identity{}, err
		}
		return Identity{
			SigningPublic:  ed25519.PublicKey(f.SigningPublic),
			SigningPrivate: ed25519.PrivateKey(f.SigningPrivate),
			ECDHPublic:     f.ECDHPublic,
			ECDHPrivate:    f.ECDHPrivate,
		}, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, err
	}

	id, err := NewIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Identity{}, err
	}
	f := identityFile{
		SigningPublic:  id.SigningPublic,
		SigningPrivate: id.SigningPrivate,
		ECDHPublic:     id.ECDHPublic,
		ECDHPrivate:    id.ECDHPrivate,
	}
	b, err := json.Marshal(f)
	if err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return Identity{}, err
	}
	return id, nil
}
