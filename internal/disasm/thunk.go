package disasm

import (
	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/expr"
)

// CodeReader supplies instruction bytes.
type CodeReader interface {
	Read(addr uint64, n int) ([]byte, error)
}

// maxInstLen is the longest x86 encoding.
const maxInstLen = 15

// ThunkDef describes a register loaded with a code address by a PC thunk.
type ThunkDef struct {
	Reg   expr.Region
	Value uint64 // return address of the call
	DefAt uint64 // caller-side instruction after which Reg holds Value
	Next  uint64 // caller-side instruction following DefAt
}

// IsThunk reports whether call transfers to a program-counter thunk. Two
// idioms are recognised:
//
//	call __x86.get_pc_thunk.bx   ; mov ebx, [esp]; ret
//	call next; next: pop ebx
//
// AArch64 has no such idiom.
func IsThunk(src CodeReader, call Inst) (ThunkDef, bool) {
	if !call.Arch.IsX86() || call.Cat != Call || !call.HasTarget {
		return ThunkDef{}, false
	}
	first, ok := decodeAt(src, call, call.Target)
	if !ok {
		return ThunkDef{}, false
	}
	in := first.X86

	if call.Target == call.Next() {
		if in.Op != x86asm.POP {
			return ThunkDef{}, false
		}
		r, ok := in.Args[0].(x86asm.Reg)
		if !ok {
			return ThunkDef{}, false
		}
		reg, ok := RegRegion(r)
		if !ok {
			return ThunkDef{}, false
		}
		return ThunkDef{Reg: reg, Value: call.Next(), DefAt: first.Addr, Next: first.Next()}, true
	}

	if in.Op != x86asm.MOV {
		return ThunkDef{}, false
	}
	r, ok := in.Args[0].(x86asm.Reg)
	if !ok || RegWidth(r) != call.Arch.PtrSize() {
		return ThunkDef{}, false
	}
	m, ok := in.Args[1].(x86asm.Mem)
	if !ok || m.Index != 0 || m.Disp != 0 || (m.Base != x86asm.ESP && m.Base != x86asm.RSP) {
		return ThunkDef{}, false
	}
	ret, ok := decodeAt(src, call, first.Next())
	if !ok || ret.Cat != Return {
		return ThunkDef{}, false
	}
	reg, ok := RegRegion(r)
	if !ok {
		return ThunkDef{}, false
	}
	return ThunkDef{Reg: reg, Value: call.Next(), DefAt: call.Addr, Next: call.Next()}, true
}

func decodeAt(src CodeReader, like Inst, addr uint64) (Inst, bool) {
	buf, err := src.Read(addr, maxInstLen)
	if err != nil || len(buf) == 0 {
		return Inst{}, false
	}
	inst, err := Decode(like.Arch, buf, addr)
	if err != nil {
		return Inst{}, false
	}
	return inst, true
}
