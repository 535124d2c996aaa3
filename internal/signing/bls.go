// Package signing provides the BLS12-381 signatures a cluster uses to
// attest computation outputs, and the signer bitmaps that travel with
// aggregated signatures.
package signing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed signature in bytes.
	SignatureSize = 96

	// SecretSize is the size of a serialized secret key in bytes.
	SecretSize = 32
)

// dst is the domain separation tag for output attestations.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair is one cluster member's attestation key.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the G1 public key
}

// GenerateKey creates a key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed derives a key pair from seed (at least 32 bytes).
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return newKeyPair(secret), nil
}

// DeriveKey derives a deterministic key pair bound to label and seed.
// Used to turn one member secret into independent keys.
func DeriveKey(label string, seed []byte) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte(label))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return KeyFromSeed(derived[:])
}

// KeyFromSecret restores a key pair from its serialized secret.
func KeyFromSecret(secret []byte) (*KeyPair, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}

	sk := new(blst.SecretKey).Deserialize(secret)
	if sk == nil {
		return nil, fmt.Errorf("invalid BLS secret")
	}

	return newKeyPair(sk), nil
}

func newKeyPair(sk *blst.SecretKey) *KeyPair {
	return &KeyPair{
		secret: sk,
		public: new(blst.P1Affine).From(sk),
	}
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Secret returns the serialized secret key.
func (k *KeyPair) Secret() []byte {
	return k.secret.Serialize()
}

// String returns the hex public key.
func (k *KeyPair) String() string {
	return hex.EncodeToString(k.PublicKey())
}

// Verify checks one signature against one public key.
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// Aggregate combines signatures over the same message.
func Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		if sigs[i] = new(blst.P2Affine).Uncompress(raw); sigs[i] == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated checks an aggregated signature against the public keys
// of exactly the members that signed.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		if len(raw) != PublicKeySize {
			return false
		}

		if pks[i] = new(blst.P1Affine).Uncompress(raw); pks[i] == nil {
			return false
		}
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, dst)
}
