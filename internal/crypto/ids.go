package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// InviteIDSize is the length of generated invite IDs.
const InviteIDSize = 32

var (
	projectInviteIDContext = []byte("mapeo project invite id")
	projectPublicIDContext = []byte("mapeo project public id")
)

// zbase32 keeps public IDs readable and case insensitive.
var zbase32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// DeviceID is the hex encoding of a device public key.
func DeviceID(publicKey []byte) string {
	return hex.EncodeToString(publicKey)
}

// ParseDeviceID decodes a device ID back into a public key.
func ParseDeviceID(id string) ([]byte, error) {
	key, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("invalid device id: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid device id: %d bytes", len(key))
	}
	return key, nil
}

// ProjectInviteID derives the value that groups invites to the same project.
// It is a keyed hash, so it reveals nothing about the project key.
func ProjectInviteID(projectKey []byte) []byte {
	return keyedHash(projectKey, projectInviteIDContext)
}

// ProjectPublicID derives the identifier a project is known by locally.
func ProjectPublicID(projectKey []byte) string {
	return zbase32.EncodeToString(keyedHash(projectKey, projectPublicIDContext))
}

func keyedHash(key, msg []byte) []byte {
	// blake2b only accepts keys up to 64 bytes. Longer keys are hashed
	// down first.
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write(msg)
	return h.Sum(nil)
}

// NewInviteID returns a random invite ID.
func NewInviteID() ([]byte, error) {
	return RandomBytes(InviteIDSize)
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// NormalizeProjectPublicID lowercases and trims user input.
func NormalizeProjectPublicID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
