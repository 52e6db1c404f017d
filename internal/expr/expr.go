// Package expr models the address computations of indirect branches as small
// expression trees over abstract regions, and evaluates them concretely.
//
// Nodes are tagged variants (Kind + payload) rather than an interface
// hierarchy: the set of shapes the resolver recognises is closed.
package expr

import (
	"fmt"
	"strings"
)

// Kind is the variant tag of a Node.
type Kind uint8

const (
	KindConst Kind = iota
	KindVar
	KindOp
)

// Op is the operator of a KindOp node.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul  // signed multiply
	OpUMul // unsigned multiply
	OpShl
	OpShr // logical
	OpSar // arithmetic
	OpRotl
	OpAnd
	OpOr
	OpXor
	OpInvert // bitwise not
	OpNeg
	OpLoad    // Args[0] is the address; Width bytes are read
	OpZeroExt // keep the low Width bytes
	OpSignExt // sign-extend from Width bytes
)

var opNames = [...]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpUMul: "umul", OpShl: "shl",
	OpShr: "shr", OpSar: "sar", OpRotl: "rotl", OpAnd: "and", OpOr: "or",
	OpXor: "xor", OpInvert: "not", OpNeg: "neg", OpLoad: "load",
	OpZeroExt: "zext", OpSignExt: "sext",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Node is one vertex of an expression tree. Nodes are immutable once built;
// rewriting functions return new trees and share unchanged subtrees.
type Node struct {
	Kind   Kind
	Op     Op
	Val    int64  // KindConst
	Reg    Region // KindVar
	Args   []*Node
	Width  int  // bytes, for OpLoad, OpZeroExt and OpSignExt
	Signed bool // OpLoad: sign-extend the loaded value
}

// Const returns a constant node.
func Const(v int64) *Node {
	return &Node{Kind: KindConst, Val: v}
}

// Var returns a variable node reading region r.
func Var(r Region) *Node {
	return &Node{Kind: KindVar, Reg: r}
}

// IsConst reports whether n is a constant, returning its value.
func (n *Node) IsConst() (int64, bool) {
	if n != nil && n.Kind == KindConst {
		return n.Val, true
	}
	return 0, false
}

// IsVar reports whether n is a variable, returning its region.
func (n *Node) IsVar() (Region, bool) {
	if n != nil && n.Kind == KindVar {
		return n.Reg, true
	}
	return Region{}, false
}

// Is reports whether n is an operator node with the given op.
func (n *Node) Is(op Op) bool {
	return n != nil && n.Kind == KindOp && n.Op == op
}

func binary(op Op, a, b *Node) *Node {
	return &Node{Kind: KindOp, Op: op, Args: []*Node{a, b}}
}

// Add returns a + b, folding constants and re-associating a constant
// addend through a nested addition.
func Add(a, b *Node) *Node {
	av, aok := a.IsConst()
	bv, bok := b.IsConst()
	switch {
	case aok && bok:
		return Const(av + bv)
	case bok && bv == 0:
		return a
	case aok && av == 0:
		return b
	case bok && a.Is(OpAdd):
		if cv, ok := a.Args[1].IsConst(); ok {
			return Add(a.Args[0], Const(cv+bv))
		}
	}
	return binary(OpAdd, a, b)
}

// Sub returns a - b.
func Sub(a, b *Node) *Node {
	if bv, ok := b.IsConst(); ok {
		if av, ok := a.IsConst(); ok {
			return Const(av - bv)
		}
		return Add(a, Const(-bv))
	}
	return binary(OpSub, a, b)
}

// Mul returns a * b. Multiplication by one is kept so an index scale stays
// visible in the tree.
func Mul(a, b *Node) *Node {
	av, aok := a.IsConst()
	bv, bok := b.IsConst()
	if aok && bok {
		return Const(av * bv)
	}
	return binary(OpMul, a, b)
}

// Shl returns a << b.
func Shl(a, b *Node) *Node {
	av, aok := a.IsConst()
	bv, bok := b.IsConst()
	if aok && bok {
		return Const(int64(uint64(av) << uint64(bv&63)))
	}
	return binary(OpShl, a, b)
}

// Bin builds any binary operator node, folding constant operands.
func Bin(op Op, a, b *Node) *Node {
	switch op {
	case OpAdd:
		return Add(a, b)
	case OpSub:
		return Sub(a, b)
	case OpMul:
		return Mul(a, b)
	case OpShl:
		return Shl(a, b)
	}
	av, aok := a.IsConst()
	bv, bok := b.IsConst()
	if aok && bok {
		if v, ok := foldBinary(op, uint64(av), uint64(bv)); ok {
			return Const(int64(v))
		}
	}
	return binary(op, a, b)
}

// Invert returns ^a.
func Invert(a *Node) *Node {
	if v, ok := a.IsConst(); ok {
		return Const(^v)
	}
	return &Node{Kind: KindOp, Op: OpInvert, Args: []*Node{a}}
}

// Neg returns -a.
func Neg(a *Node) *Node {
	if v, ok := a.IsConst(); ok {
		return Const(-v)
	}
	return &Node{Kind: KindOp, Op: OpNeg, Args: []*Node{a}}
}

// Load returns the width-byte value stored at addr.
func Load(addr *Node, width int, signed bool) *Node {
	return &Node{Kind: KindOp, Op: OpLoad, Args: []*Node{addr}, Width: width, Signed: signed}
}

// ZeroExt keeps the low width bytes of a.
func ZeroExt(a *Node, width int) *Node {
	if v, ok := a.IsConst(); ok {
		return Const(int64(truncate(uint64(v), width)))
	}
	return &Node{Kind: KindOp, Op: OpZeroExt, Args: []*Node{a}, Width: width}
}

// SignExt sign-extends a from width bytes.
func SignExt(a *Node, width int) *Node {
	if v, ok := a.IsConst(); ok {
		return Const(signExtend(uint64(v), width))
	}
	if a.Is(OpLoad) && a.Width == width {
		return Load(a.Args[0], width, true)
	}
	return &Node{Kind: KindOp, Op: OpSignExt, Args: []*Node{a}, Width: width}
}

// Substitute returns n with every read of r replaced by v.
func (n *Node) Substitute(r Region, v *Node) *Node {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindConst:
		return n
	case KindVar:
		if n.Reg == r {
			return v
		}
		return n
	}
	changed := false
	args := make([]*Node, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.Substitute(r, v)
		if args[i] != a {
			changed = true
		}
	}
	if !changed {
		return n
	}
	return rebuild(n, args)
}

// rebuild re-applies folding after argument substitution.
func rebuild(n *Node, args []*Node) *Node {
	switch n.Op {
	case OpInvert:
		return Invert(args[0])
	case OpNeg:
		return Neg(args[0])
	case OpLoad:
		return Load(args[0], n.Width, n.Signed)
	case OpZeroExt:
		return ZeroExt(args[0], n.Width)
	case OpSignExt:
		return SignExt(args[0], n.Width)
	}
	return Bin(n.Op, args[0], args[1])
}

// Vars returns the distinct regions read by n, in first-seen order.
func (n *Node) Vars() []Region {
	var out []Region
	seen := make(map[Region]bool)
	n.walk(func(m *Node) {
		if m.Kind == KindVar && !seen[m.Reg] {
			seen[m.Reg] = true
			out = append(out, m.Reg)
		}
	})
	return out
}

// Reads reports whether n reads region r.
func (n *Node) Reads(r Region) bool {
	found := false
	n.walk(func(m *Node) {
		if m.Kind == KindVar && m.Reg == r {
			found = true
		}
	})
	return found
}

func (n *Node) walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, a := range n.Args {
		a.walk(fn)
	}
}

// Equal reports structural equality.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Kind != o.Kind {
		return false
	}
	switch n.Kind {
	case KindConst:
		return n.Val == o.Val
	case KindVar:
		return n.Reg == o.Reg
	}
	if n.Op != o.Op || n.Width != o.Width || n.Signed != o.Signed || len(n.Args) != len(o.Args) {
		return false
	}
	for i := range n.Args {
		if !n.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case KindConst:
		if n.Val < 0 {
			return fmt.Sprintf("-0x%x", -n.Val)
		}
		return fmt.Sprintf("0x%x", n.Val)
	case KindVar:
		return n.Reg.String()
	}
	var b strings.Builder
	b.WriteString(n.Op.String())
	if n.Width != 0 {
		fmt.Fprintf(&b, "%d", n.Width*8)
		if n.Op == OpLoad && n.Signed {
			b.WriteByte('s')
		}
	}
	b.WriteByte('(')
	for i, a := range n.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	b.WriteByte(')')
	return b.String()
}
