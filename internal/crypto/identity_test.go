package crypto

import (
	"bytes"
	"testing"
)

func TestIdentityFromSeed(t *testing.T) {
	id, err := GenerateIdentity("field phone")
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	restored, err := IdentityFromSeed("field phone", id.Seed())
	if err != nil {
		t.Fatalf("IdentityFromSeed: %v", err)
	}
	if restored.DeviceID() != id.DeviceID() {
		t.Errorf("DeviceID changed after restore: %s != %s", restored.DeviceID(), id.DeviceID())
	}

	if _, err := IdentityFromSeed("x", []byte("short")); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestSeedIsACopy(t *testing.T) {
	id, err := GenerateIdentity("x")
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	seed := id.Seed()
	ZeroBytes(seed)
	if bytes.Equal(id.Seed(), seed) {
		t.Error("zeroing the returned seed changed the identity")
	}
}

func TestDeviceIDRoundTrip(t *testing.T) {
	id, _ := GenerateIdentity("x")
	key, err := ParseDeviceID(id.DeviceID())
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	if !bytes.Equal(key, id.PublicKey()) {
		t.Error("parsed key differs from public key")
	}
	if _, err := ParseDeviceID("not-hex"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := ParseDeviceID(""); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := ParseDeviceID("abcd"); err == nil {
		t.Error("expected error for short id")
	}
}

func TestProjectInviteID(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	a := ProjectInviteID(key)
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if !bytes.Equal(a, ProjectInviteID(key)) {
		t.Error("ProjectInviteID is not deterministic")
	}
	if bytes.Contains(a, key) {
		t.Error("ProjectInviteID leaks the project key")
	}
	if bytes.Equal(a, ProjectInviteID(bytes.Repeat([]byte{8}, 32))) {
		t.Error("different keys produced the same invite id")
	}

	// Keys longer than a blake2b key are accepted.
	long := bytes.Repeat([]byte{1}, 100)
	if len(ProjectInviteID(long)) != 32 {
		t.Error("long key not supported")
	}
}

func TestProjectPublicID(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	id := ProjectPublicID(key)
	if id == "" {
		t.Fatal("empty public id")
	}
	if id != NormalizeProjectPublicID("  "+id+" ") {
		t.Error("NormalizeProjectPublicID should trim")
	}
	if bytes.Equal([]byte(id), ProjectInviteID(key)) {
		t.Error("public id and invite id must differ")
	}
}
