package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"
)

// Identity is a device's long-lived signing key. Its public key is the
// device ID peers know it by.
type Identity struct {
	Name      string
	CreatedAt time.Time

	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
}

// GenerateIdentity creates a new device identity.
func GenerateIdentity(name string) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	defer ZeroBytes(seed)
	return IdentityFromSeed(name, seed)
}

// IdentityFromSeed restores an identity from its 32-byte seed.
func IdentityFromSeed(name string, seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		Name:       name,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		signingKey: priv,
		verifyKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Seed returns a copy of the private seed for storage.
func (id *Identity) Seed() []byte {
	return append([]byte(nil), id.signingKey.Seed()...)
}

// PublicKey returns the device public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.verifyKey
}

// DeviceID returns the hex device ID.
func (id *Identity) DeviceID() string {
	return DeviceID(id.verifyKey)
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
