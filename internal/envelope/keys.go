package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys in bytes.
	KeySize = 32

	// NonceSize is the size of a request nonce in bytes.
	NonceSize = 16
)

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is an X25519 private scalar.
type PrivateKey [KeySize]byte

// Nonce salts every keystream of one sealing operation.
type Nonce [NonceSize]byte

// GenerateKey creates a new X25519 key pair from rnd (crypto/rand if nil).
func GenerateKey(rnd io.Reader) (PublicKey, PrivateKey, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	var priv PrivateKey
	if _, err := io.ReadFull(rnd, priv[:]); err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("read key material:\n%w", err)
	}

	pub, err := priv.Public()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}

	return pub, priv, nil
}

// Public derives the public key of k.
func (k PrivateKey) Public() (PublicKey, error) {
	var pub PublicKey

	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key:\n%w", err)
	}

	copy(pub[:], out)

	return pub, nil
}

// SharedSecret performs X25519 between k and peer.
// Low-order peer points are rejected.
func (k PrivateKey) SharedSecret(peer PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(k[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement:\n%w", err)
	}

	return shared, nil
}

// NewNonce draws a fresh nonce from rnd (crypto/rand if nil).
func NewNonce(rnd io.Reader) (Nonce, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	var n Nonce
	if _, err := io.ReadFull(rnd, n[:]); err != nil {
		return n, fmt.Errorf("read nonce:\n%w", err)
	}

	return n, nil
}

// String returns the hex encoding of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText encodes the key as hex.
func (k PublicKey) MarshalText() ([]byte, error) {
	return marshalHex(k[:]), nil
}

// UnmarshalText decodes a hex key.
func (k *PublicKey) UnmarshalText(text []byte) error {
	return unmarshalHex(k[:], text)
}

// MarshalText encodes the private key as hex. Used for secret files only.
func (k PrivateKey) MarshalText() ([]byte, error) {
	return marshalHex(k[:]), nil
}

// UnmarshalText decodes a hex private key.
func (k *PrivateKey) UnmarshalText(text []byte) error {
	return unmarshalHex(k[:], text)
}

// MarshalText encodes the nonce as hex.
func (n Nonce) MarshalText() ([]byte, error) {
	return marshalHex(n[:]), nil
}

// UnmarshalText decodes a hex nonce.
func (n *Nonce) UnmarshalText(text []byte) error {
	return unmarshalHex(n[:], text)
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	err := k.UnmarshalText([]byte(s))

	return k, err
}

func marshalHex(b []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)

	return out
}

func unmarshalHex(dst []byte, text []byte) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return fmt.Errorf("invalid length: got %d hex chars, want %d", len(text), 2*len(dst))
	}

	if _, err := hex.Decode(dst, text); err != nil {
		return fmt.Errorf("decode hex:\n%w", err)
	}

	return nil
}
