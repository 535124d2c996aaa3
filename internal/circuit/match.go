package circuit

import "sync"

const (
	// QuerySize is the number of contacts in one discovery query (N).
	QuerySize = 4

	// RegistrySize is the number of slots in the registry (M).
	RegistrySize = 4
)

var (
	matchOnce sync.Once
	matchCirc *Circuit
)

// MatchCircuit returns the contact matching circuit for QuerySize x RegistrySize.
func MatchCircuit() *Circuit {
	matchOnce.Do(func() {
		matchCirc = BuildMatch(QuerySize, RegistrySize)
	})

	return matchCirc
}

// BuildMatch builds the matching circuit for n query words and m registry
// words. Input layout: query[0..n), registry[n..n+m), valid[n+m..n+2m),
// where valid[j] is 1 for an occupied registry slot and 0 otherwise.
// Output i is 1 iff query[i] equals some occupied registry[j].
//
// Every (i, j) comparison and every select is emitted unconditionally,
// so the gate list depends only on n and m.
func BuildMatch(n, m int) *Circuit {
	b := NewBuilder(n + 2*m)

	zero := b.Const(0)
	one := b.Const(1)

	outputs := make([]Wire, n)

	for i := 0; i < n; i++ {
		found := zero

		for j := 0; j < m; j++ {
			isMatch := b.And(b.Equal(b.Input(i), b.Input(n+j)), b.Input(n+m+j))
			found = b.Mux(isMatch, one, found)
		}

		outputs[i] = found
	}

	return b.Build(outputs...)
}

// MatchInputs lays out cleartext match inputs in circuit order.
// Only used for the plaintext reference and tests.
func MatchInputs(query, registry []uint64, occupied int) []uint64 {
	in := make([]uint64, 0, len(query)+2*len(registry))
	in = append(in, query...)
	in = append(in, registry...)

	for j := range registry {
		var valid uint64
		if j < occupied {
			valid = 1
		}

		in = append(in, valid)
	}

	return in
}
