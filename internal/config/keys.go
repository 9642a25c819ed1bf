package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadKey reads an ed25519 key stored as a hex seed.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil { return nil, err }
	seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil || len(seed) != ed25519.SeedSize { return nil, fmt.Errorf("key %s: want %d-byte hex seed", path, ed25519.SeedSize) }
	return ed25519.NewKeyFromSeed(seed), nil
}

// LoadOrCreateKey returns the key at path, generating one on first use.
// An existing unreadable file is an error, never overwritten.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	k, err := LoadKey(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) { return k, err }
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil { return nil, err }
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil { return nil, err }
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil { return nil, err }
	return ed25519.NewKeyFromSeed(seed), nil
}
