// Package keychain stores the device seed in the system keychain (macOS
// Keychain, Linux Secret Service, Windows Credential Manager). Machines
// without a keychain fall back to an owner-only file.
package keychain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keychain service identifier
	ServiceName = "mapeo"
	// AccountName is the keychain account identifier
	AccountName = "device-seed"
)

// ErrNotFound is returned when no seed has been stored
var ErrNotFound = errors.New("device seed not found")

// IsAvailable checks if the system keychain is available.
// This can fail on headless Linux systems without a secret service.
func IsAvailable() bool {
	_, err := keyring.Get(ServiceName, "test-availability")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// Store keeps the seed in the keychain when one is available, otherwise in
// a file.
type Store struct {
	file string
}

// New returns a store that falls back to file.
func New(file string) *Store {
	return &Store{file: file}
}

// Save stores seed, replacing any previous one.
func (s *Store) Save(seed []byte) error {
	encoded := hex.EncodeToString(seed)
	if IsAvailable() {
		if err := keyring.Set(ServiceName, AccountName, encoded); err != nil {
			return fmt.Errorf("store seed in keychain: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.file), 0700); err != nil {
		return fmt.Errorf("create seed directory: %w", err)
	}
	if err := os.WriteFile(s.file, []byte(encoded+"\n"), 0600); err != nil {
		return fmt.Errorf("write seed file: %w", err)
	}
	return nil
}

// Load returns the stored seed, checking the keychain first. It returns
// ErrNotFound when neither holds one.
func (s *Store) Load() ([]byte, error) {
	encoded, err := keyring.Get(ServiceName, AccountName)
	switch {
	case err == nil:
		return decode(encoded)
	case errors.Is(err, keyring.ErrNotFound), !IsAvailable():
	default:
		return nil, fmt.Errorf("read seed from keychain: %w", err)
	}

	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return decode(string(data))
}

// Delete removes the seed from both places.
func (s *Store) Delete() error {
	if err := keyring.Delete(ServiceName, AccountName); err != nil && !errors.Is(err, keyring.ErrNotFound) && IsAvailable() {
		return fmt.Errorf("delete seed from keychain: %w", err)
	}
	if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete seed file: %w", err)
	}
	return nil
}

func decode(s string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}
