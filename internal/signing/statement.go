package signing

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Statement is what a cluster attests when it returns a computation output.
type Statement struct {
	ClusterID     [32]byte // ClusterID identifies the signing cluster
	ComputationID string   // ComputationID is the lifecycle identifier
	RequestDigest [32]byte // RequestDigest binds the sealed arguments
	CircuitID     [32]byte // CircuitID identifies the evaluated circuit
	Slots         [][]byte // Slots are the sealed output slots, in order
}

// Digest returns the message signed for s.
func (s *Statement) Digest() [32]byte {
	h := blake3.New()
	h.Write([]byte("arcpsi/output/v1"))
	h.Write(s.ClusterID[:])

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s.ComputationID)))
	h.Write(n[:])
	h.Write([]byte(s.ComputationID))

	h.Write(s.RequestDigest[:])
	h.Write(s.CircuitID[:])

	binary.BigEndian.PutUint32(n[:], uint32(len(s.Slots)))
	h.Write(n[:])

	for _, slot := range s.Slots {
		binary.BigEndian.PutUint32(n[:], uint32(len(slot)))
		h.Write(n[:])
		h.Write(slot)
	}

	var d [32]byte
	h.Sum(d[:0])

	return d
}
