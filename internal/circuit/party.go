package circuit

import "fmt"

// Party holds one participant's shares of every wire.
// Party 0 is the designated party for public constants.
type Party struct {
	index   int
	circ    *Circuit
	wires   []uint64
	triples []Triple
}

// NewParty creates party index with its input shares and triple shares.
func NewParty(index int, c *Circuit, inputs []uint64, triples []Triple) (*Party, error) {
	if len(inputs) != c.NumInputs {
		return nil, fmt.Errorf("party %d: got %d inputs, circuit needs %d", index, len(inputs), c.NumInputs)
	}

	if len(triples) < c.NumAnds {
		return nil, fmt.Errorf("party %d: got %d triples, circuit needs %d", index, len(triples), c.NumAnds)
	}

	wires := make([]uint64, c.NumWires)
	copy(wires, inputs)

	return &Party{
		index:   index,
		circ:    c,
		wires:   wires,
		triples: triples,
	}, nil
}

// Index returns the party index.
func (p *Party) Index() int {
	return p.index
}

// evalLinear evaluates a local gate on this party's share.
func (p *Party) evalLinear(g Gate) {
	a := p.wires[g.A]

	var out uint64

	switch g.Op {
	case XOR:
		out = a ^ p.wires[g.B]
	case INV:
		out = a
		if p.index == 0 {
			out = ^a
		}
	case ANDC:
		out = a & g.Const
	case SHR:
		out = a >> g.Const
	case CONST:
		if p.index == 0 {
			out = g.Const
		}
	}

	p.wires[g.Out] = out
}

// maskAnd returns this party's shares of d = x^a and e = y^b.
func (p *Party) maskAnd(g Gate) (d, e uint64) {
	t := p.triples[g.Slot]

	return p.wires[g.A] ^ t.A, p.wires[g.B] ^ t.B
}

// finishAnd combines the opened d and e into this party's share of x&y.
func (p *Party) finishAnd(g Gate, d, e uint64) {
	t := p.triples[g.Slot]

	z := t.C ^ (d & t.B) ^ (e & t.A)
	if p.index == 0 {
		z ^= d & e
	}

	p.wires[g.Out] = z
}

// Outputs returns this party's shares of the circuit outputs.
func (p *Party) Outputs() []uint64 {
	out := make([]uint64, len(p.circ.Outputs))

	for i, w := range p.circ.Outputs {
		out[i] = p.wires[w]
	}

	return out
}

// Evaluate runs the circuit over all parties in lockstep.
// For every AND layer each party contributes its masked shares, the
// opened values are broadcast back, and only then are linear gates of
// that depth evaluated. No party sees another party's wire shares.
func Evaluate(c *Circuit, parties []*Party) error {
	if len(parties) == 0 {
		return fmt.Errorf("no parties")
	}

	for i, p := range parties {
		if p.circ != c {
			return fmt.Errorf("party %d was built for a different circuit", i)
		}
	}

	for _, l := range c.layers {
		if len(l.ands) > 0 {
			openAnds(c, parties, l.ands)
		}

		for _, p := range parties {
			for _, gi := range l.linear {
				p.evalLinear(c.Gates[gi])
			}
		}
	}

	return nil
}

// openAnds performs one communication round for a batch of AND gates.
func openAnds(c *Circuit, parties []*Party, ands []int) {
	d := make([]uint64, len(ands))
	e := make([]uint64, len(ands))

	for _, p := range parties {
		for k, gi := range ands {
			dp, ep := p.maskAnd(c.Gates[gi])
			d[k] ^= dp
			e[k] ^= ep
		}
	}

	for _, p := range parties {
		for k, gi := range ands {
			p.finishAnd(c.Gates[gi], d[k], e[k])
		}
	}
}

// EvaluatePlain evaluates the circuit on cleartext inputs as a single
// party with all-zero triples. It is the reference semantics of c.
func EvaluatePlain(c *Circuit, inputs []uint64) ([]uint64, error) {
	p, err := NewParty(0, c, inputs, make([]Triple, c.NumAnds))
	if err != nil {
		return nil, err
	}

	if err := Evaluate(c, []*Party{p}); err != nil {
		return nil, err
	}

	return p.Outputs(), nil
}
