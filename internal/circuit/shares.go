package circuit

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Triple is one party's share of a Beaver AND triple (a, b, a&b).
type Triple struct {
	A uint64 // A is the share of the first mask
	B uint64 // B is the share of the second mask
	C uint64 // C is the share of A&B
}

// Share splits v into n XOR shares drawn from rnd.
func Share(v uint64, n int, rnd io.Reader) ([]uint64, error) {
	if n < 1 {
		return nil, fmt.Errorf("need at least one party, got %d", n)
	}

	shares := make([]uint64, n)
	shares[0] = v

	var buf [8]byte

	for i := 1; i < n; i++ {
		if _, err := io.ReadFull(rnd, buf[:]); err != nil {
			return nil, fmt.Errorf("read randomness:\n%w", err)
		}

		shares[i] = binary.LittleEndian.Uint64(buf[:])
		shares[0] ^= shares[i]
	}

	return shares, nil
}

// Reconstruct XORs all shares together.
func Reconstruct(shares []uint64) uint64 {
	var v uint64

	for _, s := range shares {
		v ^= s
	}

	return v
}

// DealTriples generates count Beaver triples for n parties.
// The result is indexed [party][slot].
func DealTriples(n, count int, rnd io.Reader) ([][]Triple, error) {
	out := make([][]Triple, n)
	for p := range out {
		out[p] = make([]Triple, count)
	}

	var buf [16]byte

	for slot := 0; slot < count; slot++ {
		if _, err := io.ReadFull(rnd, buf[:]); err != nil {
			return nil, fmt.Errorf("read randomness:\n%w", err)
		}

		a := binary.LittleEndian.Uint64(buf[:8])
		b := binary.LittleEndian.Uint64(buf[8:])

		as, err := Share(a, n, rnd)
		if err != nil {
			return nil, err
		}

		bs, err := Share(b, n, rnd)
		if err != nil {
			return nil, err
		}

		cs, err := Share(a&b, n, rnd)
		if err != nil {
			return nil, err
		}

		for p := 0; p < n; p++ {
			out[p][slot] = Triple{A: as[p], B: bs[p], C: cs[p]}
		}
	}

	return out, nil
}
