package expr

// IsIndexing reports whether n scales an index register by a constant:
// mul/umul/shl/rotl with a variable on the left and a constant on the right.
func IsIndexing(n *Node) (Region, bool) {
	if n == nil || n.Kind != KindOp {
		return Region{}, false
	}
	switch n.Op {
	case OpMul, OpUMul, OpShl, OpRotl:
	default:
		return Region{}, false
	}
	r, ok := n.Args[0].IsVar()
	if !ok || r.Kind != RegionReg {
		return Region{}, false
	}
	if _, ok := n.Args[1].IsConst(); !ok {
		return Region{}, false
	}
	return r, true
}

// MatchVarArg recognises the variable-argument dispatch shape
//
//	c + (^(index*scale) + 1)   or   c + index*scale
//
// and returns the index region. c - index*scale, which folding produces
// from the first form, is accepted as well.
func MatchVarArg(n *Node) (Region, bool) {
	if n.Is(OpSub) {
		if _, ok := n.Args[0].IsConst(); ok {
			return IsIndexing(n.Args[1])
		}
		return Region{}, false
	}
	if !n.Is(OpAdd) {
		return Region{}, false
	}
	var rest *Node
	switch {
	case n.Args[0].Kind == KindConst && n.Args[1].Kind == KindOp:
		rest = n.Args[1]
	case n.Args[1].Kind == KindConst && n.Args[0].Kind == KindOp:
		rest = n.Args[0]
	default:
		return Region{}, false
	}
	if rest.Is(OpAdd) {
		inv, one := rest.Args[0], rest.Args[1]
		if v, ok := one.IsConst(); ok && v == 1 && inv.Is(OpInvert) {
			return IsIndexing(inv.Args[0])
		}
		return Region{}, false
	}
	// Folding may merge the +1 into c, or rewrite ^x + 1 as -x.
	if rest.Is(OpNeg) || rest.Is(OpInvert) {
		return IsIndexing(rest.Args[0])
	}
	return IsIndexing(rest)
}

// TableShape describes a recognised jump-table address computation:
//
//	target = [Offset +] load(Base + Index*Scale)     (Load != nil)
//	target = Base + Index*Scale                      (Load == nil)
type TableShape struct {
	Index    Region
	Scale    int64
	Base     int64
	Offset   int64
	Relative bool  // Offset is added to the loaded entry
	Load     *Node // the table read, nil for computed jumps
}

// MatchJumpTable reports whether n, with every register other than the index
// already resolved to constants, is a jump-table computation.
func MatchJumpTable(n *Node) (TableShape, bool) {
	if n == nil || len(n.Vars()) != 1 {
		return TableShape{}, false
	}
	off, rest := SplitSum(stripExt(n))
	if len(rest) != 1 {
		return TableShape{}, false
	}
	if t := stripExt(rest[0]); t.Is(OpLoad) {
		s, ok := matchLinear(t.Args[0])
		if !ok {
			return TableShape{}, false
		}
		s.Load = t
		s.Offset = off
		s.Relative = off != 0
		return s, true
	}

	// Computed jump into an array of equally sized code stubs.
	s, ok := matchLinear(n)
	if !ok || s.Base == 0 {
		return TableShape{}, false
	}
	return s, true
}

// matchLinear matches base + index*scale, index*scale, or base + index.
func matchLinear(n *Node) (TableShape, bool) {
	base, rest := SplitSum(n)
	if len(rest) != 1 {
		return TableShape{}, false
	}
	idx := rest[0]
	if r, ok := IsIndexing(idx); ok && (idx.Op != OpRotl || base == 0) {
		return TableShape{Index: r, Scale: scaleOf(idx), Base: base}, true
	}
	if r, ok := idx.IsVar(); ok && r.Kind == RegionReg && !isFrameReg(r) {
		return TableShape{Index: r, Scale: 1, Base: base}, true
	}
	return TableShape{}, false
}

// SplitSum flattens a tree of additions into its constant total and the
// remaining non-constant terms.
func SplitSum(n *Node) (int64, []*Node) {
	var c int64
	var rest []*Node
	var walk func(*Node)
	walk = func(m *Node) {
		if m.Is(OpAdd) {
			walk(m.Args[0])
			walk(m.Args[1])
			return
		}
		if v, ok := m.IsConst(); ok {
			c += v
			return
		}
		rest = append(rest, m)
	}
	walk(n)
	return c, rest
}

func scaleOf(n *Node) int64 {
	c, _ := n.Args[1].IsConst()
	if n.Op == OpShl {
		return 1 << uint64(c&63)
	}
	return c
}

func stripExt(n *Node) *Node {
	for n.Is(OpZeroExt) || n.Is(OpSignExt) {
		n = n.Args[0]
	}
	return n
}

// FindIndexing returns the first indexing subterm of n in depth-first order.
func FindIndexing(n *Node) (Region, bool) {
	if n == nil {
		return Region{}, false
	}
	if r, ok := IsIndexing(n); ok {
		return r, true
	}
	for _, a := range n.Args {
		if r, ok := FindIndexing(a); ok {
			return r, true
		}
	}
	return Region{}, false
}

// isFrameReg reports whether r is the stack or frame pointer. Those address
// locals, never tables.
func isFrameReg(r Region) bool {
	return r.Reg == "sp" || r.Reg == "bp"
}
