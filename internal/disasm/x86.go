package disasm

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/arch"
	"cfgrecover/internal/expr"
)

func decodeX86(a arch.Arch, buf []byte, addr uint64) (Inst, error) {
	out := Inst{Arch: a, Addr: addr, Cat: Invalid}
	if len(buf) == 0 {
		return out, errors.Wrapf(ErrTruncated, "0x%x", addr)
	}
	in, err := x86asm.Decode(buf, a.Mode())
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return out, errors.Wrapf(ErrTruncated, "0x%x", addr)
		}
		return out, errors.Wrapf(ErrInvalid, "0x%x: %v", addr, err)
	}
	out.X86 = in
	out.Len = in.Len
	out.Bytes = buf[:in.Len]
	out.Text = x86asm.IntelSyntax(in, addr, nil)
	out.Mnemonic = splitText(out.Text)
	out.Cat = Other

	rel := func() {
		if r, ok := in.Args[0].(x86asm.Rel); ok {
			out.Target = truncAddr(a, out.Next()+uint64(int64(r)))
			out.HasTarget = true
		}
	}
	switch in.Op {
	case x86asm.CALL:
		rel()
		out.Cat = Call
		if !out.HasTarget {
			out.Cat = IndirectCall
		}
	case x86asm.LCALL:
		out.Cat = IndirectCall
	case x86asm.JMP:
		rel()
		out.Cat = Jump
		if !out.HasTarget {
			out.Cat = IndirectJump
		}
	case x86asm.LJMP:
		out.Cat = IndirectJump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		rel()
		out.Cat = CondJump
	case x86asm.RET, x86asm.LRET:
		out.Cat = Return
	case x86asm.HLT, x86asm.UD1, x86asm.UD2:
		out.Cat = Halt
	}
	return out, nil
}

func truncAddr(a arch.Arch, v uint64) uint64 {
	if a.PtrSize() == 4 {
		return v & 0xffffffff
	}
	return v
}

var familyNames = [16]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Family returns the canonical register family of r ("ax" for AL, AX, EAX
// and RAX). ok is false for non general-purpose registers.
func Family(r x86asm.Reg) (string, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return familyNames[r-x86asm.AL], true
	case r >= x86asm.AH && r <= x86asm.BH:
		return familyNames[r-x86asm.AH], true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return familyNames[4+r-x86asm.SPB], true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return familyNames[r-x86asm.AX], true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return familyNames[r-x86asm.EAX], true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return familyNames[r-x86asm.RAX], true
	case r == x86asm.IP || r == x86asm.EIP || r == x86asm.RIP:
		return "ip", true
	}
	return "", false
}

// RegRegion returns the abstract region of a general-purpose register.
func RegRegion(r x86asm.Reg) (expr.Region, bool) {
	name, ok := Family(r)
	if !ok {
		return expr.Region{}, false
	}
	return expr.Reg(name), true
}

// RegWidth returns the width of r in bytes, or 0 for non general-purpose registers.
func RegWidth(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8
	}
	return 0
}

// IsHighByte reports whether r is one of AH, CH, DH, BH.
func IsHighByte(r x86asm.Reg) bool {
	return r >= x86asm.AH && r <= x86asm.BH
}

var (
	regAX = expr.Reg("ax")
	regDX = expr.Reg("dx")
	regSP = expr.Reg("sp")
)

// WriteRegs returns the general-purpose register families inst writes.
// AArch64 instructions report none.
func WriteRegs(inst Inst) []expr.Region {
	if !inst.Arch.IsX86() || inst.Cat == Invalid {
		return nil
	}
	in := inst.X86
	var out []expr.Region
	add := func(r expr.Region) {
		for _, o := range out {
			if o == r {
				return
			}
		}
		out = append(out, r)
	}
	argReg := func(i int) {
		if r, ok := in.Args[i].(x86asm.Reg); ok {
			if rr, ok := RegRegion(r); ok {
				add(rr)
			}
		}
	}

	switch in.Op {
	case x86asm.CMP, x86asm.TEST, x86asm.NOP, x86asm.HLT, x86asm.UD1, x86asm.UD2,
		x86asm.JMP, x86asm.LJMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return nil
	case x86asm.PUSH, x86asm.CALL, x86asm.LCALL, x86asm.RET, x86asm.LRET:
		return []expr.Region{regSP}
	case x86asm.POP:
		argReg(0)
		add(regSP)
		return out
	case x86asm.CBW, x86asm.CWDE, x86asm.CDQE:
		return []expr.Region{regAX}
	case x86asm.CWD, x86asm.CDQ, x86asm.CQO:
		return []expr.Region{regDX}
	case x86asm.MUL, x86asm.DIV, x86asm.IDIV:
		add(regAX)
		add(regDX)
		return out
	case x86asm.IMUL:
		if in.Args[1] == nil {
			add(regAX)
			add(regDX)
			return out
		}
	case x86asm.XCHG, x86asm.XADD:
		argReg(0)
		argReg(1)
		return out
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return []expr.Region{expr.Reg("cx")}
	}
	argReg(0)
	return out
}
