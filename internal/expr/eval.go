package expr

import (
	"errors"
	"fmt"
	"math/bits"

	"cfgrecover/internal/stream"
)

var (
	ErrUnbound = errors.New("expr: unbound variable")
	ErrNoMem   = errors.New("expr: no memory reader")
)

// MemReader returns the width-byte unsigned value stored at addr.
type MemReader interface {
	ReadUint(addr uint64, width int) (uint64, error)
}

// Env supplies concrete values for an evaluation.
type Env struct {
	Vars map[Region]int64
	Mem  MemReader
	// AddrBytes truncates every load address and the final result to the
	// target's pointer width. Zero means 8.
	AddrBytes int
	// Table overrides width and extension of loads whose address reads
	// TableIndex. Zero TableWidth keeps the width recorded in the tree.
	TableIndex  Region
	TableWidth  int
	TableSigned bool
}

// Eval computes n under env. Any load failure or unbound variable makes the
// whole evaluation fail.
func (n *Node) Eval(env *Env) (uint64, error) {
	v, err := n.eval(env)
	if err != nil {
		return 0, err
	}
	return truncate(v, env.addrBytes()), nil
}

func (e *Env) addrBytes() int {
	if e.AddrBytes == 0 {
		return 8
	}
	return e.AddrBytes
}

func (n *Node) eval(env *Env) (uint64, error) {
	switch n.Kind {
	case KindConst:
		return uint64(n.Val), nil
	case KindVar:
		v, ok := env.Vars[n.Reg]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnbound, n.Reg)
		}
		return uint64(v), nil
	}

	args := make([]uint64, len(n.Args))
	for i, a := range n.Args {
		v, err := a.eval(env)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	switch n.Op {
	case OpInvert:
		return ^args[0], nil
	case OpNeg:
		return -args[0], nil
	case OpZeroExt:
		return truncate(args[0], n.Width), nil
	case OpSignExt:
		return uint64(signExtend(args[0], n.Width)), nil
	case OpLoad:
		if env.Mem == nil {
			return 0, ErrNoMem
		}
		width, signed := n.Width, n.Signed
		if env.TableWidth != 0 && !env.TableIndex.IsZero() && n.Args[0].Reads(env.TableIndex) {
			width, signed = env.TableWidth, env.TableSigned
		}
		addr := truncate(args[0], env.addrBytes())
		v, err := env.Mem.ReadUint(addr, width)
		if err != nil {
			return 0, err
		}
		if signed {
			return uint64(signExtend(v, width)), nil
		}
		return v, nil
	}

	v, ok := foldBinary(n.Op, args[0], args[1])
	if !ok {
		return 0, fmt.Errorf("expr: cannot evaluate %s", n.Op)
	}
	return v, nil
}

func foldBinary(op Op, a, b uint64) (uint64, bool) {
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return uint64(int64(a) * int64(b)), true
	case OpUMul:
		return a * b, true
	case OpShl:
		return a << (b & 63), true
	case OpShr:
		return a >> (b & 63), true
	case OpSar:
		return uint64(int64(a) >> (b & 63)), true
	case OpRotl:
		return bits.RotateLeft64(a, int(b&63)), true
	case OpAnd:
		return a & b, true
	case OpOr:
		return a | b, true
	case OpXor:
		return a ^ b, true
	}
	return 0, false
}

func truncate(v uint64, width int) uint64 {
	return stream.Truncate(v, width*8)
}

func signExtend(v uint64, width int) int64 {
	return stream.SignExtend(v, width*8)
}
