// Package envelope encrypts 64-bit identifiers to a cluster as a whole.
//
// A value is sealed by XORing it with one keystream per cluster member.
// Member k's keystream is derived from X25519(sender, member_k), the
// request nonce, the direction and the argument index, so each member can
// compute its own XOR share of the value locally while no single member
// can decrypt it. Output slots are built the other way round: every member
// seals its share to the requester and the sealed shares are XORed.
package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// CiphertextSize is the size of a sealed slot in bytes.
	CiphertextSize = 32

	// valueSize is the size of the plaintext word at the start of a slot.
	valueSize = 8
)

// Direction separates input keystreams from output keystreams.
type Direction byte

const (
	// Input marks values sealed to the cluster.
	Input Direction = 1

	// Output marks result shares sealed to the requester.
	Output Direction = 2
)

// ErrMalformed is returned when an opened slot has non-zero padding.
var ErrMalformed = errors.New("malformed ciphertext")

// Ciphertext is a sealed 64-bit value followed by 24 bytes of padding.
type Ciphertext [CiphertextSize]byte

// MarshalText encodes the ciphertext as hex.
func (c Ciphertext) MarshalText() ([]byte, error) {
	return marshalHex(c[:]), nil
}

// UnmarshalText decodes a hex ciphertext.
func (c *Ciphertext) UnmarshalText(text []byte) error {
	return unmarshalHex(c[:], text)
}

// keystream derives the pad of one member for one argument index.
func keystream(shared []byte, nonce Nonce, dir Direction, member, index uint32) ([CiphertextSize]byte, error) {
	var pad [CiphertextSize]byte

	info := make([]byte, 0, 32)
	info = append(info, "arcpsi/envelope/v1"...)
	info = append(info, byte(dir))
	info = binary.BigEndian.AppendUint32(info, member)
	info = binary.BigEndian.AppendUint32(info, index)

	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nonce[:], info), key); err != nil {
		return pad, fmt.Errorf("derive key:\n%w", err)
	}

	// The key is unique per (shared, nonce, dir, member, index): a zero
	// stream nonce never repeats under one key.
	stream, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize))
	if err != nil {
		return pad, fmt.Errorf("create stream:\n%w", err)
	}

	stream.XORKeyStream(pad[:], pad[:])

	return pad, nil
}

// pad computes the keystream shared between priv and peer.
func pad(priv PrivateKey, peer PublicKey, nonce Nonce, dir Direction, member, index uint32) ([CiphertextSize]byte, error) {
	shared, err := priv.SharedSecret(peer)
	if err != nil {
		return [CiphertextSize]byte{}, err
	}

	return keystream(shared, nonce, dir, member, index)
}

// xorInto XORs src into dst.
func xorInto(dst *Ciphertext, src [CiphertextSize]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Seal encrypts v at argument index for the given cluster members.
func Seal(v uint64, priv PrivateKey, nonce Nonce, index uint32, members []PublicKey) (Ciphertext, error) {
	var ct Ciphertext

	if len(members) == 0 {
		return ct, fmt.Errorf("no cluster members")
	}

	binary.LittleEndian.PutUint64(ct[:valueSize], v)

	for k, m := range members {
		p, err := pad(priv, m, nonce, Input, uint32(k), index)
		if err != nil {
			return Ciphertext{}, fmt.Errorf("member %d:\n%w", k, err)
		}

		xorInto(&ct, p)
	}

	return ct, nil
}

// Share returns member's XOR share of the value sealed in ct by sender.
// Member 0 folds the ciphertext into its share.
func Share(ct Ciphertext, memberPriv PrivateKey, member uint32, sender PublicKey, nonce Nonce, index uint32) (uint64, error) {
	p, err := pad(memberPriv, sender, nonce, Input, member, index)
	if err != nil {
		return 0, err
	}

	share := binary.LittleEndian.Uint64(p[:valueSize])
	if member == 0 {
		share ^= binary.LittleEndian.Uint64(ct[:valueSize])
	}

	return share, nil
}

// SealShare encrypts member's share of output index to the requester.
func SealShare(share uint64, memberPriv PrivateKey, member uint32, requester PublicKey, nonce Nonce, index uint32) (Ciphertext, error) {
	var ct Ciphertext

	binary.LittleEndian.PutUint64(ct[:valueSize], share)

	p, err := pad(memberPriv, requester, nonce, Output, member, index)
	if err != nil {
		return Ciphertext{}, err
	}

	xorInto(&ct, p)

	return ct, nil
}

// Combine XORs the sealed shares of all members into one output slot.
func Combine(parts []Ciphertext) Ciphertext {
	var out Ciphertext

	for _, p := range parts {
		for i := range out {
			out[i] ^= p[i]
		}
	}

	return out
}

// Open decrypts a combined output slot with the requester's key.
func Open(ct Ciphertext, priv PrivateKey, nonce Nonce, index uint32, members []PublicKey) (uint64, error) {
	if len(members) == 0 {
		return 0, fmt.Errorf("no cluster members")
	}

	for k, m := range members {
		p, err := pad(priv, m, nonce, Output, uint32(k), index)
		if err != nil {
			return 0, fmt.Errorf("member %d:\n%w", k, err)
		}

		xorInto(&ct, p)
	}

	for _, b := range ct[valueSize:] {
		if b != 0 {
			return 0, ErrMalformed
		}
	}

	return binary.LittleEndian.Uint64(ct[:valueSize]), nil
}
