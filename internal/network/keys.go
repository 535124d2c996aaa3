package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// LoadOrGenerateKey returns the transport key stored at path as a hex
// ed25519 seed. A missing file is created with a fresh key; an empty
// path yields a key that is never persisted.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return newKey()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return createKeyFile(path)
	case err != nil:
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	seed, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s:\n%w", path, err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

func newKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// createKeyFile generates a key and writes its seed to path, owner-only.
// An existing file is never overwritten.
func createKeyFile(path string) (ed25519.PrivateKey, error) {
	priv, err := newKey()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create key file:\n%w", err)
	}

	_, werr := fmt.Fprintln(f, hex.EncodeToString(priv.Seed()))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}

	if werr != nil {
		return nil, fmt.Errorf("write key file %s:\n%w", path, werr)
	}

	return priv, nil
}
