// Package arch identifies the instruction set of a code image and the
// per-architecture policies the indirect-branch resolver depends on.
package arch

import "fmt"

// Arch is a target instruction set.
type Arch int

const (
	Unknown Arch = iota
	X86
	X86_64
	AArch64
	PPC64
)

func (a Arch) String() string {
	switch a {
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	case AArch64:
		return "aarch64"
	case PPC64:
		return "ppc64"
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// PtrSize returns the pointer width in bytes.
func (a Arch) PtrSize() int {
	if a == X86 {
		return 4
	}
	return 8
}

// Mode returns the x86asm decode mode in bits (32 or 64). Only meaningful
// for the x86 family.
func (a Arch) Mode() int {
	if a == X86 {
		return 32
	}
	return 64
}

// IsX86 reports whether a belongs to the x86 family.
func (a Arch) IsX86() bool { return a == X86 || a == X86_64 }

// BoundedByteReads reports whether the index slicer already derives the
// [0,255] bound of single-byte table reads, making the one-byte retry of the
// bound resolver redundant.
func (a Arch) BoundedByteReads() bool { return a == AArch64 }

// MonotonicTables reports whether jump tables on this architecture are laid
// out with monotonically ordered targets, so a heuristic table scan may stop
// at the first out-of-order entry.
func (a Arch) MonotonicTables() bool { return a != PPC64 }
