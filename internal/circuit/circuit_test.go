package circuit

import (
	"crypto/rand"
	mrand "math/rand"
	"testing"
)

// evalShared secret-shares inputs among n parties, evaluates c with GMW
// and reconstructs the outputs.
func evalShared(t *testing.T, c *Circuit, inputs []uint64, n int) []uint64 {
	t.Helper()

	shares := make([][]uint64, n)
	for p := range shares {
		shares[p] = make([]uint64, len(inputs))
	}

	for i, v := range inputs {
		s, err := Share(v, n, rand.Reader)
		if err != nil {
			t.Fatalf("share input %d: %v", i, err)
		}

		for p := 0; p < n; p++ {
			shares[p][i] = s[p]
		}
	}

	triples, err := DealTriples(n, c.NumAnds, rand.Reader)
	if err != nil {
		t.Fatalf("deal triples: %v", err)
	}

	parties := make([]*Party, n)
	for p := range parties {
		parties[p], err = NewParty(p, c, shares[p], triples[p])
		if err != nil {
			t.Fatalf("new party %d: %v", p, err)
		}
	}

	if err := Evaluate(c, parties); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	out := make([]uint64, len(c.Outputs))
	for _, p := range parties {
		for i, s := range p.Outputs() {
			out[i] ^= s
		}
	}

	return out
}

// naiveMatch is the cleartext definition of the mask.
func naiveMatch(query, registry []uint64, occupied int) []uint64 {
	mask := make([]uint64, len(query))

	for i, q := range query {
		for j := 0; j < occupied; j++ {
			if q == registry[j] {
				mask[i] = 1
			}
		}
	}

	return mask
}

func equalWords(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func TestShareReconstruct(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		shares, err := Share(0xdeadbeefcafebabe, n, rand.Reader)
		if err != nil {
			t.Fatalf("share: %v", err)
		}

		if len(shares) != n {
			t.Fatalf("got %d shares, want %d", len(shares), n)
		}

		if got := Reconstruct(shares); got != 0xdeadbeefcafebabe {
			t.Errorf("n=%d: reconstructed %x", n, got)
		}
	}

	if _, err := Share(1, 0, rand.Reader); err == nil {
		t.Error("expected error for zero parties")
	}
}

func TestDealTriplesConsistent(t *testing.T) {
	triples, err := DealTriples(3, 16, rand.Reader)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}

	for slot := 0; slot < 16; slot++ {
		var a, b, c uint64
		for p := 0; p < 3; p++ {
			a ^= triples[p][slot].A
			b ^= triples[p][slot].B
			c ^= triples[p][slot].C
		}

		if a&b != c {
			t.Errorf("slot %d: a&b=%x, c=%x", slot, a&b, c)
		}
	}
}

func TestSharedAnd(t *testing.T) {
	b := NewBuilder(2)
	c := b.Build(b.And(b.Input(0), b.Input(1)))

	rng := mrand.New(mrand.NewSource(1))

	for _, n := range []int{1, 2, 3, 5} {
		for k := 0; k < 20; k++ {
			x, y := rng.Uint64(), rng.Uint64()

			out := evalShared(t, c, []uint64{x, y}, n)
			if out[0] != x&y {
				t.Fatalf("n=%d: %x & %x = %x, got %x", n, x, y, x&y, out[0])
			}
		}
	}
}

func TestLinearGates(t *testing.T) {
	b := NewBuilder(2)
	x, y := b.Input(0), b.Input(1)
	c := b.Build(
		b.Xor(x, y),
		b.Inv(x),
		b.AndConst(x, 0xff),
		b.Shr(x, 8),
		b.Const(42),
	)

	const vx, vy = 0x1234_5678_9abc_def0, 0x0f0f_0f0f_0f0f_0f0f

	want := []uint64{vx ^ vy, ^uint64(vx), vx & 0xff, vx >> 8, 42}
	got := evalShared(t, c, []uint64{vx, vy}, 3)

	if !equalWords(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestEqualGate(t *testing.T) {
	b := NewBuilder(2)
	c := b.Build(b.Equal(b.Input(0), b.Input(1)))

	tests := []struct {
		x, y uint64
		want uint64
	}{
		{0, 0, 1},
		{7, 7, 1},
		{^uint64(0), ^uint64(0), 1},
		{1, 0, 0},
		{1 << 63, 0, 0},
		{0x8000_0000, 0x8000_0001, 0},
	}

	for _, tt := range tests {
		got := evalShared(t, c, []uint64{tt.x, tt.y}, 3)
		if got[0] != tt.want {
			t.Errorf("Equal(%x, %x) = %d, want %d", tt.x, tt.y, got[0], tt.want)
		}
	}
}

func TestMuxGate(t *testing.T) {
	b := NewBuilder(3)
	c := b.Build(b.Mux(b.Input(0), b.Input(1), b.Input(2)))

	for s := uint64(0); s <= 1; s++ {
		for a := uint64(0); a <= 1; a++ {
			for v := uint64(0); v <= 1; v++ {
				want := v
				if s == 1 {
					want = a
				}

				got := evalShared(t, c, []uint64{s, a, v}, 2)
				if got[0] != want {
					t.Errorf("Mux(%d, %d, %d) = %d, want %d", s, a, v, got[0], want)
				}
			}
		}
	}
}

func TestBuildMatchShape(t *testing.T) {
	c := BuildMatch(4, 4)

	if c.NumInputs != 12 {
		t.Errorf("inputs = %d, want 12", c.NumInputs)
	}

	if len(c.Outputs) != 4 {
		t.Errorf("outputs = %d, want 4", len(c.Outputs))
	}

	// 6 for equality, 1 for validity, 1 for the select, per pair.
	if c.NumAnds != 4*4*8 {
		t.Errorf("ands = %d, want %d", c.NumAnds, 4*4*8)
	}

	if c.Depth() != 11 {
		t.Errorf("depth = %d, want 11", c.Depth())
	}

	if c.ID() != BuildMatch(4, 4).ID() {
		t.Error("circuit ID is not deterministic")
	}

	if c.ID() == BuildMatch(3, 4).ID() {
		t.Error("different shapes share an ID")
	}
}

func TestMatchCircuitSingleton(t *testing.T) {
	if MatchCircuit() != MatchCircuit() {
		t.Error("MatchCircuit should be built once")
	}

	if len(MatchCircuit().Outputs) != QuerySize {
		t.Errorf("outputs = %d, want %d", len(MatchCircuit().Outputs), QuerySize)
	}
}

// TestScenarioA: R = [h1,h2,h3,h4], Q = [h2,h9,h4,h7] -> [1,0,1,0].
func TestScenarioA(t *testing.T) {
	registry := []uint64{0x11, 0x22, 0x33, 0x44}
	query := []uint64{0x22, 0x99, 0x44, 0x77}

	got := evalShared(t, MatchCircuit(), MatchInputs(query, registry, 4), 3)
	want := []uint64{1, 0, 1, 0}

	if !equalWords(got, want) {
		t.Errorf("mask = %v, want %v", got, want)
	}
}

// TestScenarioB: an empty registry matches nothing, even zero-valued queries.
func TestScenarioB(t *testing.T) {
	registry := make([]uint64, RegistrySize)
	query := []uint64{0, 1, 0x22, 0}

	got := evalShared(t, MatchCircuit(), MatchInputs(query, registry, 0), 3)

	if !equalWords(got, make([]uint64, QuerySize)) {
		t.Errorf("mask = %v, want all zeros", got)
	}
}

func TestMatchBruteForce(t *testing.T) {
	c := MatchCircuit()
	rng := mrand.New(mrand.NewSource(7))

	for iter := 0; iter < 200; iter++ {
		query := make([]uint64, QuerySize)
		registry := make([]uint64, RegistrySize)

		// A small value domain forces plenty of collisions.
		for i := range query {
			query[i] = uint64(rng.Intn(6))
		}
		for j := range registry {
			registry[j] = uint64(rng.Intn(6))
		}

		occupied := rng.Intn(RegistrySize + 1)
		in := MatchInputs(query, registry, occupied)
		want := naiveMatch(query, registry, occupied)

		plain, err := EvaluatePlain(c, in)
		if err != nil {
			t.Fatalf("plain: %v", err)
		}

		if !equalWords(plain, want) {
			t.Fatalf("plain q=%v r=%v occ=%d: got %v, want %v", query, registry, occupied, plain, want)
		}

		if iter%10 == 0 {
			shared := evalShared(t, c, in, 3)
			if !equalWords(shared, want) {
				t.Fatalf("shared q=%v r=%v occ=%d: got %v, want %v", query, registry, occupied, shared, want)
			}
		}
	}
}

func TestMatchRegistryOrderIndependent(t *testing.T) {
	c := MatchCircuit()
	query := []uint64{5, 6, 7, 8}
	registry := []uint64{8, 1, 5, 2}

	base, err := EvaluatePlain(c, MatchInputs(query, registry, 4))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	rng := mrand.New(mrand.NewSource(3))

	for k := 0; k < 24; k++ {
		perm := make([]uint64, len(registry))
		copy(perm, registry)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		got, err := EvaluatePlain(c, MatchInputs(query, perm, 4))
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}

		if !equalWords(got, base) {
			t.Fatalf("registry %v gave %v, want %v", perm, got, base)
		}
	}
}

func TestMatchDuplicateQueries(t *testing.T) {
	query := []uint64{9, 3, 9, 3}
	registry := []uint64{3, 3, 4, 5}

	got := evalShared(t, MatchCircuit(), MatchInputs(query, registry, 4), 2)

	if got[0] != got[2] || got[1] != got[3] {
		t.Errorf("duplicate queries diverged: %v", got)
	}

	// Multiple registry hits still yield a single flag.
	if got[1] != 1 {
		t.Errorf("mask[1] = %d, want 1", got[1])
	}
}

func TestMatchDegenerateSizes(t *testing.T) {
	empty := BuildMatch(0, 4)
	if len(empty.Outputs) != 0 {
		t.Errorf("N=0 outputs = %d, want 0", len(empty.Outputs))
	}

	noRegistry := BuildMatch(3, 0)

	out, err := EvaluatePlain(noRegistry, []uint64{1, 2, 3})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if !equalWords(out, []uint64{0, 0, 0}) {
		t.Errorf("M=0 mask = %v, want zeros", out)
	}
}

func TestNewPartyValidates(t *testing.T) {
	c := MatchCircuit()

	if _, err := NewParty(0, c, make([]uint64, 3), make([]Triple, c.NumAnds)); err == nil {
		t.Error("expected error for wrong input count")
	}

	if _, err := NewParty(0, c, make([]uint64, c.NumInputs), nil); err == nil {
		t.Error("expected error for missing triples")
	}
}

func TestEvaluateRejectsForeignParty(t *testing.T) {
	a := BuildMatch(1, 1)
	b := BuildMatch(1, 1)

	p, err := NewParty(0, a, make([]uint64, a.NumInputs), make([]Triple, a.NumAnds))
	if err != nil {
		t.Fatalf("new party: %v", err)
	}

	if err := Evaluate(b, []*Party{p}); err == nil {
		t.Error("expected error for party of another circuit")
	}
}
