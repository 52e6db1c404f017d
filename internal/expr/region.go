package expr

import "fmt"

// RegionKind distinguishes the storage classes an abstract region can name.
type RegionKind uint8

const (
	RegionReg RegionKind = iota
	RegionStack
	RegionHeap
	RegionPC
)

// Region is an architecture-independent handle for a storage location:
// a register family, a stack slot, or a memory cell. It is a comparable
// value type and may be used as a map key.
type Region struct {
	Kind   RegionKind
	Reg    string // canonical register family name for RegionReg
	Offset int64  // slot offset or cell address for stack and heap regions
}

// Reg returns the region of the named register family.
func Reg(name string) Region {
	return Region{Kind: RegionReg, Reg: name}
}

// Stack returns the stack slot at the given frame offset.
func Stack(off int64) Region {
	return Region{Kind: RegionStack, Offset: off}
}

// Heap returns the memory cell at addr.
func Heap(addr uint64) Region {
	return Region{Kind: RegionHeap, Offset: int64(addr)}
}

// PC is the region written by control transfers.
var PC = Region{Kind: RegionPC, Reg: "pc"}

// IsZero reports whether r is the zero Region.
func (r Region) IsZero() bool { return r == Region{} }

func (r Region) String() string {
	switch r.Kind {
	case RegionReg:
		return r.Reg
	case RegionStack:
		return fmt.Sprintf("stack[%d]", r.Offset)
	case RegionHeap:
		return fmt.Sprintf("mem[0x%x]", uint64(r.Offset))
	case RegionPC:
		return "pc"
	}
	return "?"
}
