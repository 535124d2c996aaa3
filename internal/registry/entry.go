package registry

import (
	"fmt"

	"ArcPSI/internal/envelope"
)

// EntrySize is the encoded size of an Entry.
const EntrySize = envelope.CiphertextSize + envelope.KeySize + envelope.NonceSize

// Entry is one registered identifier, sealed by its registrant under the
// registrant's own key and nonce at argument index 0.
type Entry struct {
	Ciphertext envelope.Ciphertext `json:"ciphertext"`
	PublicKey  envelope.PublicKey  `json:"public_key"`
	Nonce      envelope.Nonce      `json:"nonce"`
}

// Bytes encodes e as ciphertext || public key || nonce.
func (e Entry) Bytes() []byte {
	buf := make([]byte, 0, EntrySize)
	buf = append(buf, e.Ciphertext[:]...)
	buf = append(buf, e.PublicKey[:]...)

	return append(buf, e.Nonce[:]...)
}

// ParseEntry decodes an Entry produced by Bytes.
func ParseEntry(b []byte) (Entry, error) {
	var e Entry

	if len(b) != EntrySize {
		return e, fmt.Errorf("entry must be %d bytes, got %d", EntrySize, len(b))
	}

	n := copy(e.Ciphertext[:], b)
	n += copy(e.PublicKey[:], b[n:])
	copy(e.Nonce[:], b[n:])

	return e, nil
}
