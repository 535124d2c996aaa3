package circuit

// Builder appends gates in topological order and tracks the
// multiplicative depth of every wire.
type Builder struct {
	inputs int
	gates  []Gate
	depth  []int // depth is indexed by wire
	ands   int
}

// NewBuilder creates a builder with the given number of input wires.
func NewBuilder(inputs int) *Builder {
	return &Builder{
		inputs: inputs,
		depth:  make([]int, inputs),
	}
}

// Input returns the i-th input wire.
func (b *Builder) Input(i int) Wire {
	if i < 0 || i >= b.inputs {
		panic("circuit: input index out of range")
	}

	return Wire(i)
}

// add appends g with a fresh output wire at the given depth.
func (b *Builder) add(g Gate, depth int) Wire {
	g.Out = Wire(len(b.depth))
	b.depth = append(b.depth, depth)
	b.gates = append(b.gates, g)

	return g.Out
}

// Xor returns x ^ y.
func (b *Builder) Xor(x, y Wire) Wire {
	return b.add(Gate{Op: XOR, A: x, B: y}, max(b.depth[x], b.depth[y]))
}

// And returns x & y. It costs one triple and one round at its depth.
func (b *Builder) And(x, y Wire) Wire {
	slot := uint32(b.ands)
	b.ands++

	return b.add(Gate{Op: AND, A: x, B: y, Slot: slot}, max(b.depth[x], b.depth[y])+1)
}

// Inv returns ^x.
func (b *Builder) Inv(x Wire) Wire {
	return b.add(Gate{Op: INV, A: x}, b.depth[x])
}

// AndConst returns x & c for a public c.
func (b *Builder) AndConst(x Wire, c uint64) Wire {
	return b.add(Gate{Op: ANDC, A: x, Const: c}, b.depth[x])
}

// Shr returns x >> n for a public n.
func (b *Builder) Shr(x Wire, n uint) Wire {
	return b.add(Gate{Op: SHR, A: x, Const: uint64(n)}, b.depth[x])
}

// Const returns a wire carrying the public value c.
func (b *Builder) Const(c uint64) Wire {
	return b.add(Gate{Op: CONST, Const: c}, 0)
}

// Equal returns a wire whose bit 0 is 1 iff x == y; all other bits are 0.
// The 64 bit-equalities are folded with a log-depth AND tree.
func (b *Builder) Equal(x, y Wire) Wire {
	acc := b.Inv(b.Xor(x, y))

	for _, s := range []uint{32, 16, 8, 4, 2, 1} {
		acc = b.And(acc, b.Shr(acc, s))
	}

	return b.AndConst(acc, 1)
}

// Mux returns a when s is 1 and c when s is 0, for single-bit words.
// Both operands are always evaluated: c ^ (s & (a ^ c)).
func (b *Builder) Mux(s, a, c Wire) Wire {
	return b.Xor(c, b.And(s, b.Xor(a, c)))
}

// Build freezes the gate list with the given outputs.
func (b *Builder) Build(outputs ...Wire) *Circuit {
	c := &Circuit{
		NumInputs: b.inputs,
		NumWires:  len(b.depth),
		NumAnds:   b.ands,
		Gates:     b.gates,
		Outputs:   outputs,
	}

	maxDepth := 0
	for _, d := range b.depth {
		maxDepth = max(maxDepth, d)
	}

	c.layers = make([]layer, maxDepth+1)

	for i, g := range b.gates {
		d := b.depth[g.Out]

		if g.Op == AND {
			c.layers[d].ands = append(c.layers[d].ands, i)
		} else {
			c.layers[d].linear = append(c.layers[d].linear, i)
		}
	}

	return c
}
