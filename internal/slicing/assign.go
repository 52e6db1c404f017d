// Package slicing converts decoded instructions into abstract assignments and
// walks them backward from an indirect branch to recover the branch's target
// expression and the range of its index register.
package slicing

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/arch"
	"cfgrecover/internal/cfg"
	"cfgrecover/internal/disasm"
	"cfgrecover/internal/expr"
)

// Assignment states that after the instruction at Addr, region Out holds
// Expr evaluated over the regions as they were before it. A nil Expr means
// the new value is unknown.
type Assignment struct {
	Addr       uint64
	Block      *cfg.Block
	Out        expr.Region
	Expr       *expr.Node
	MemRead    int  // bytes read from memory, 0 if none
	ZeroExtend bool // the memory read is zero-extended
}

func (a Assignment) String() string {
	return fmt.Sprintf("0x%x: %s = %v", a.Addr, a.Out, a.Expr)
}

// callerSaved lists the registers a call may clobber. The 32-bit list is a
// prefix of the 64-bit one.
var callerSaved = []string{"ax", "cx", "dx", "si", "di", "r8", "r9", "r10", "r11"}

// Convert returns the assignments performed by inst. Instructions that do
// not write general-purpose registers or the program counter yield nothing.
// Partial writes to the low byte or word of a register are modelled as
// writes of the whole family.
func Convert(inst disasm.Inst, blk *cfg.Block) []Assignment {
	switch {
	case inst.Cat == disasm.Invalid:
		return nil
	case inst.Arch.IsX86():
		out := convertX86(inst)
		for i := range out {
			out[i].Addr = inst.Addr
			out[i].Block = blk
		}
		return out
	case inst.Arch == arch.AArch64:
		if inst.Cat != disasm.IndirectJump {
			return nil
		}
		bi := disasm.DecodeBranch(inst.Raw, inst.Addr)
		if bi == nil || bi.IsRet {
			return nil
		}
		return []Assignment{{
			Addr: inst.Addr, Block: blk, Out: expr.PC,
			Expr: expr.Var(expr.Reg(fmt.Sprintf("x%d", bi.Reg))),
		}}
	}
	return nil
}

func convertX86(inst disasm.Inst) []Assignment {
	in := inst.X86
	ptr := inst.Arch.PtrSize()

	switch inst.Cat {
	case disasm.IndirectJump:
		if e, read := operand(inst, in.Args[0], ptr, false); e != nil {
			return []Assignment{{Out: expr.PC, Expr: e, MemRead: read, ZeroExtend: read > 0}}
		}
		return []Assignment{{Out: expr.PC}}
	case disasm.Call, disasm.IndirectCall:
		n := 3
		if inst.Arch == arch.X86_64 {
			n = len(callerSaved)
		}
		out := make([]Assignment, 0, n+1)
		for _, r := range callerSaved[:n] {
			out = append(out, Assignment{Out: expr.Reg(r)})
		}
		return append(out, Assignment{Out: expr.Reg("sp")})
	}

	dst, dok := in.Args[0].(x86asm.Reg)
	var out expr.Region
	if dok {
		r, ok := disasm.RegRegion(dst)
		if !ok || disasm.IsHighByte(dst) {
			return clobbers(inst)
		}
		out = r
	}
	self := expr.Var(out)

	one := func(e *expr.Node, read int, zext bool) []Assignment {
		if !dok {
			return nil
		}
		return []Assignment{{Out: out, Expr: e, MemRead: read, ZeroExtend: zext}}
	}
	src := func(i int) (*expr.Node, int) {
		return operand(inst, in.Args[i], disasm.RegWidth(dst), false)
	}

	switch in.Op {
	case x86asm.MOV:
		if e, read := src(1); e != nil {
			return one(e, read, read > 0)
		}
	case x86asm.MOVZX:
		e, read := operand(inst, in.Args[1], srcWidth(in), false)
		if e == nil {
			break
		}
		if read == 0 {
			e = expr.ZeroExt(e, srcWidth(in))
		}
		return one(e, read, true)
	case x86asm.MOVSX, x86asm.MOVSXD:
		e, read := operand(inst, in.Args[1], srcWidth(in), true)
		if e == nil {
			break
		}
		if read == 0 {
			e = expr.SignExt(e, srcWidth(in))
		}
		return one(e, read, false)
	case x86asm.LEA:
		if m, ok := in.Args[1].(x86asm.Mem); ok {
			if e := address(inst, m); e != nil {
				return one(e, 0, false)
			}
		}
	case x86asm.XOR, x86asm.SUB:
		if r, ok := in.Args[1].(x86asm.Reg); ok && dok && r == dst {
			return one(expr.Const(0), 0, false)
		}
		fallthrough
	case x86asm.ADD, x86asm.AND, x86asm.OR, x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL:
		if e, read := src(1); e != nil && dok {
			return one(expr.Bin(binOp[in.Op], self, e), read, read > 0)
		}
	case x86asm.IMUL:
		switch {
		case in.Args[1] == nil:
		case in.Args[2] != nil:
			a, read := src(1)
			k, _ := src(2)
			if a != nil && k != nil {
				return one(expr.Mul(a, k), read, read > 0)
			}
		default:
			if e, read := src(1); e != nil {
				return one(expr.Mul(self, e), read, read > 0)
			}
		}
	case x86asm.NEG:
		return one(expr.Neg(self), 0, false)
	case x86asm.NOT:
		return one(expr.Invert(self), 0, false)
	case x86asm.INC:
		return one(expr.Add(self, expr.Const(1)), 0, false)
	case x86asm.DEC:
		return one(expr.Sub(self, expr.Const(1)), 0, false)
	case x86asm.CWDE:
		return []Assignment{{Out: expr.Reg("ax"), Expr: expr.SignExt(expr.Var(expr.Reg("ax")), 2)}}
	case x86asm.CDQE:
		return []Assignment{{Out: expr.Reg("ax"), Expr: expr.SignExt(expr.Var(expr.Reg("ax")), 4)}}
	case x86asm.CMP, x86asm.TEST:
		return nil
	}
	return clobbers(inst)
}

var binOp = map[x86asm.Op]expr.Op{
	x86asm.ADD: expr.OpAdd, x86asm.SUB: expr.OpSub, x86asm.AND: expr.OpAnd,
	x86asm.OR: expr.OpOr, x86asm.XOR: expr.OpXor, x86asm.SHL: expr.OpShl,
	x86asm.SHR: expr.OpShr, x86asm.SAR: expr.OpSar, x86asm.ROL: expr.OpRotl,
}

func clobbers(inst disasm.Inst) []Assignment {
	regs := disasm.WriteRegs(inst)
	out := make([]Assignment, 0, len(regs))
	for _, r := range regs {
		out = append(out, Assignment{Out: r})
	}
	return out
}

// srcWidth returns the width of the narrow source of a movzx or movsx.
func srcWidth(in x86asm.Inst) int {
	if r, ok := in.Args[1].(x86asm.Reg); ok {
		return disasm.RegWidth(r)
	}
	if in.MemBytes > 0 {
		return in.MemBytes
	}
	return 1
}

// operand converts an instruction argument into an expression. Memory
// operands become loads of width bytes; the second result is the number
// of bytes read from memory.
func operand(inst disasm.Inst, arg x86asm.Arg, width int, signed bool) (*expr.Node, int) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := disasm.RegRegion(a)
		if !ok || disasm.IsHighByte(a) {
			return nil, 0
		}
		return expr.Var(r), 0
	case x86asm.Imm:
		return expr.Const(int64(a)), 0
	case x86asm.Mem:
		addr := address(inst, a)
		if addr == nil {
			return nil, 0
		}
		if inst.X86.MemBytes > 0 {
			width = inst.X86.MemBytes
		}
		if width == 0 {
			width = inst.Arch.PtrSize()
		}
		return expr.Load(addr, width, signed), width
	}
	return nil, 0
}

// address converts a memory operand into base + index*scale + disp.
// Segment-relative operands are not modelled.
func address(inst disasm.Inst, m x86asm.Mem) *expr.Node {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return nil
	}
	e := expr.Const(m.Disp)
	switch m.Base {
	case 0:
	case x86asm.RIP, x86asm.EIP:
		e = expr.Const(int64(inst.Next()) + m.Disp)
	default:
		r, ok := disasm.RegRegion(m.Base)
		if !ok {
			return nil
		}
		e = expr.Add(expr.Var(r), e)
	}
	if m.Index != 0 {
		r, ok := disasm.RegRegion(m.Index)
		if !ok {
			return nil
		}
		idx := expr.Var(r)
		if m.Scale > 1 {
			idx = expr.Mul(idx, expr.Const(int64(m.Scale)))
		}
		e = expr.Add(e, idx)
	}
	return e
}
