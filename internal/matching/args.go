package matching

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/registry"
)

// ArgumentKind tags an argument of the provider's argument list.
type ArgumentKind byte

const (
	ArgPublicKey     ArgumentKind = 1 // ArgPublicKey is the requester's ephemeral key
	ArgNonce         ArgumentKind = 2 // ArgNonce is the request nonce
	ArgQuery         ArgumentKind = 3 // ArgQuery is one sealed query identifier
	ArgRegistryEntry ArgumentKind = 4 // ArgRegistryEntry is one occupied registry slot
	ArgEmptySlot     ArgumentKind = 5 // ArgEmptySlot is an unoccupied registry slot
)

// ArgumentCount is the fixed length of an argument list:
// public key, nonce, the query entries, then the registry entries.
const ArgumentCount = 2 + circuit.QuerySize + circuit.RegistrySize

// Argument is one positional argument.
type Argument struct {
	Kind ArgumentKind
	Data []byte
}

// Arguments is a decoded argument list.
type Arguments struct {
	Requester envelope.PublicKey
	Nonce     envelope.Nonce
	Query     [circuit.QuerySize]envelope.Ciphertext
	Registry  [circuit.RegistrySize]registry.Entry
	Valid     [circuit.RegistrySize]bool
}

// checkShape validates the sizes of a submission.
func checkShape(query []envelope.Ciphertext, snap registry.Snapshot) error {
	if len(query) != circuit.QuerySize {
		return fmt.Errorf("%w: query has %d entries, circuit takes %d", ErrShapeMismatch, len(query), circuit.QuerySize)
	}

	if snap.Occupied < 0 || snap.Occupied > len(snap.Entries) {
		return fmt.Errorf("%w: snapshot occupancy %d outside [0, %d]", ErrShapeMismatch, snap.Occupied, len(snap.Entries))
	}

	return nil
}

// BuildArguments lays out a submission in wire order. Query entries come
// before registry entries; the circuit indexes inputs by position.
func BuildArguments(query []envelope.Ciphertext, snap registry.Snapshot, pub envelope.PublicKey, nonce envelope.Nonce) ([]Argument, error) {
	if err := checkShape(query, snap); err != nil {
		return nil, err
	}

	args := make([]Argument, 0, ArgumentCount)
	args = append(args,
		Argument{Kind: ArgPublicKey, Data: append([]byte(nil), pub[:]...)},
		Argument{Kind: ArgNonce, Data: append([]byte(nil), nonce[:]...)},
	)

	for i := range query {
		args = append(args, Argument{Kind: ArgQuery, Data: append([]byte(nil), query[i][:]...)})
	}

	for j, e := range snap.Entries {
		if j < snap.Occupied {
			args = append(args, Argument{Kind: ArgRegistryEntry, Data: e.Bytes()})
		} else {
			args = append(args, Argument{Kind: ArgEmptySlot})
		}
	}

	return args, nil
}

// ParseArguments decodes and validates an argument list.
func ParseArguments(args []Argument) (*Arguments, error) {
	if len(args) != ArgumentCount {
		return nil, fmt.Errorf("%w: got %d arguments, want %d", ErrShapeMismatch, len(args), ArgumentCount)
	}

	var a Arguments

	if err := expect(args[0], ArgPublicKey, envelope.KeySize); err != nil {
		return nil, err
	}
	copy(a.Requester[:], args[0].Data)

	if err := expect(args[1], ArgNonce, envelope.NonceSize); err != nil {
		return nil, err
	}
	copy(a.Nonce[:], args[1].Data)

	for i := 0; i < circuit.QuerySize; i++ {
		arg := args[2+i]
		if err := expect(arg, ArgQuery, envelope.CiphertextSize); err != nil {
			return nil, err
		}

		copy(a.Query[i][:], arg.Data)
	}

	for j := 0; j < circuit.RegistrySize; j++ {
		arg := args[2+circuit.QuerySize+j]

		if arg.Kind == ArgEmptySlot {
			continue
		}

		if err := expect(arg, ArgRegistryEntry, registry.EntrySize); err != nil {
			return nil, err
		}

		e, err := registry.ParseEntry(arg.Data)
		if err != nil {
			return nil, err
		}

		a.Registry[j] = e
		a.Valid[j] = true
	}

	return &a, nil
}

func expect(arg Argument, kind ArgumentKind, size int) error {
	if arg.Kind != kind {
		return fmt.Errorf("%w: argument kind %d, want %d", ErrShapeMismatch, arg.Kind, kind)
	}

	if len(arg.Data) != size {
		return fmt.Errorf("%w: argument kind %d has %d bytes, want %d", ErrShapeMismatch, kind, len(arg.Data), size)
	}

	return nil
}

// RequestDigest binds a computation ID to its exact argument list.
func RequestDigest(id ComputationID, args []Argument) [32]byte {
	h := blake3.New()
	h.Write([]byte("arcpsi/request/v1"))

	var n [4]byte

	binary.BigEndian.PutUint32(n[:], uint32(len(id)))
	h.Write(n[:])
	h.Write([]byte(id))

	binary.BigEndian.PutUint32(n[:], uint32(len(args)))
	h.Write(n[:])

	for _, arg := range args {
		h.Write([]byte{byte(arg.Kind)})
		binary.BigEndian.PutUint32(n[:], uint32(len(arg.Data)))
		h.Write(n[:])
		h.Write(arg.Data)
	}

	var d [32]byte
	h.Sum(d[:0])

	return d
}
