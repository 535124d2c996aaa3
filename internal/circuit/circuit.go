// Package circuit implements word-level boolean circuits evaluated with
// the GMW protocol over XOR secret shares.
//
// A wire carries a 64-bit word. Linear gates (XOR, INV, ANDC, SHR, CONST)
// are evaluated locally by every party on its own share. AND gates consume
// one Beaver triple each and require a single exchange of masked values;
// all AND gates of the same multiplicative depth are opened in one round.
package circuit

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Operation specifies gate function.
type Operation byte

// Gate functions.
const (
	XOR   Operation = iota // Out = A ^ B
	AND                    // Out = A & B (interactive)
	INV                    // Out = ^A
	ANDC                   // Out = A & Const
	SHR                    // Out = A >> Const
	CONST                  // Out = Const
)

func (op Operation) String() string {
	switch op {
	case XOR:
		return "XOR"
	case AND:
		return "AND"
	case INV:
		return "INV"
	case ANDC:
		return "ANDC"
	case SHR:
		return "SHR"
	case CONST:
		return "CONST"
	default:
		return fmt.Sprintf("{Operation %d}", op)
	}
}

// Wire identifies a circuit wire. Wires [0, NumInputs) are inputs.
type Wire uint32

// Gate is a single word-level gate.
type Gate struct {
	Op    Operation // Op is the gate function
	A     Wire      // A is the first input
	B     Wire      // B is the second input (XOR and AND only)
	Out   Wire      // Out is the output wire
	Const uint64    // Const is the public operand of ANDC, SHR and CONST
	Slot  uint32    // Slot is the Beaver triple index consumed by an AND gate
}

// layer groups the gates sharing one multiplicative depth.
type layer struct {
	ands   []int // ands are AND gate indices opened together
	linear []int // linear are local gates, in topological order
}

// Circuit is an immutable gate list with a fixed shape.
type Circuit struct {
	NumInputs int    // NumInputs is the number of input wires
	NumWires  int    // NumWires is the total number of wires
	NumAnds   int    // NumAnds is the number of AND gates (= triples needed)
	Gates     []Gate // Gates are in topological order
	Outputs   []Wire // Outputs are the output wires, in order

	layers []layer
}

// Depth returns the multiplicative depth, i.e. the number of
// communication rounds needed to evaluate the circuit.
func (c *Circuit) Depth() int {
	rounds := 0

	for _, l := range c.layers {
		if len(l.ands) > 0 {
			rounds++
		}
	}

	return rounds
}

// Stats returns the number of gates per operation.
func (c *Circuit) Stats() map[Operation]int {
	stats := make(map[Operation]int)

	for _, g := range c.Gates {
		stats[g.Op]++
	}

	return stats
}

// ID returns BLAKE3 over the canonical gate encoding. Two circuits with
// the same ID evaluate the same function with the same shape.
func (c *Circuit) ID() [32]byte {
	h := blake3.New()

	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(c.NumInputs))
	h.Write(buf[:])

	for _, g := range c.Gates {
		h.Write([]byte{byte(g.Op)})

		binary.BigEndian.PutUint32(buf[:4], uint32(g.A))
		binary.BigEndian.PutUint32(buf[4:], uint32(g.B))
		h.Write(buf[:])

		binary.BigEndian.PutUint32(buf[:4], uint32(g.Out))
		h.Write(buf[:4])

		binary.BigEndian.PutUint64(buf[:], g.Const)
		h.Write(buf[:])
	}

	for _, w := range c.Outputs {
		binary.BigEndian.PutUint32(buf[:4], uint32(w))
		h.Write(buf[:4])
	}

	var id [32]byte
	h.Sum(id[:0])

	return id
}
