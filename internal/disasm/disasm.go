// Package disasm decodes single x86, x86-64 and AArch64 instructions and
// classifies their control flow.
package disasm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/arch"
)

var (
	ErrTruncated = errors.New("disasm: truncated instruction")
	ErrInvalid   = errors.New("disasm: invalid instruction")
	ErrArch      = errors.New("disasm: unsupported architecture")
)

// Category is the control-flow class of an instruction.
type Category uint8

const (
	Other Category = iota
	Call
	Jump
	CondJump
	Return
	IndirectJump
	IndirectCall
	Halt // hlt, ud2: no successors
	Invalid
)

var categoryNames = [...]string{
	Other: "other", Call: "call", Jump: "jump", CondJump: "cond_jump",
	Return: "return", IndirectJump: "indirect_jump", IndirectCall: "indirect_call",
	Halt: "halt", Invalid: "invalid",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Inst is one decoded instruction.
type Inst struct {
	Arch      arch.Arch
	Addr      uint64
	Len       int
	Bytes     []byte
	Cat       Category
	Target    uint64 // direct branch or call target
	HasTarget bool
	Mnemonic  string
	Text      string
	X86       x86asm.Inst // valid when Arch.IsX86()
	Raw       uint32      // AArch64 encoding
}

// Next returns the address of the following instruction.
func (i Inst) Next() uint64 { return i.Addr + uint64(i.Len) }

// EndsBlock reports whether the instruction terminates a basic block.
// Calls do not.
func (i Inst) EndsBlock() bool {
	switch i.Cat {
	case Jump, CondJump, Return, IndirectJump, Halt, Invalid:
		return true
	}
	return false
}

// Decode decodes the instruction at the start of buf, located at addr.
func Decode(a arch.Arch, buf []byte, addr uint64) (Inst, error) {
	switch {
	case a.IsX86():
		return decodeX86(a, buf, addr)
	case a == arch.AArch64:
		return decodeARM64(buf, addr)
	}
	return Inst{Arch: a, Addr: addr, Cat: Invalid}, errors.Wrapf(ErrArch, "%s", a)
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls linear disassembly.
type Options struct {
	Arch     arch.Arch
	BaseAddr uint64 // VA of the first byte in data
	MaxSteps int    // maximum instructions to decode; 0 = 10M
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes data linearly. Undecodable bytes are emitted as
// one-byte (x86) or one-word (AArch64) Invalid instructions and skipped.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	for off := 0; off < len(data) && len(result) < maxSteps; {
		addr := opts.BaseAddr + uint64(off)
		inst, err := Decode(opts.Arch, data[off:], addr)
		if err != nil {
			if errors.Is(err, ErrTruncated) || errors.Is(err, ErrArch) {
				break
			}
			inst = invalidInst(opts.Arch, data[off:], addr)
		}
		result = append(result, inst)
		off += inst.Len
	}
	return result
}

func invalidInst(a arch.Arch, buf []byte, addr uint64) Inst {
	n := 1
	if a == arch.AArch64 {
		n = 4
	}
	if n > len(buf) {
		n = len(buf)
	}
	b := buf[:n]
	text := fmt.Sprintf(".byte 0x%02x", b[0])
	if n == 4 {
		text = fmt.Sprintf(".word 0x%02x%02x%02x%02x", b[3], b[2], b[1], b[0])
	}
	return Inst{Arch: a, Addr: addr, Len: n, Bytes: b, Cat: Invalid, Mnemonic: splitText(text), Text: text}
}

func splitText(text string) string {
	m, _, _ := strings.Cut(text, " ")
	return m
}

// Format renders instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "%s:\n", name)
			}
		}
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		var hex strings.Builder
		for i, c := range inst.Bytes {
			if i == 8 {
				hex.WriteString("..")
				break
			}
			fmt.Fprintf(&hex, "%02x ", c)
		}
		fmt.Fprintf(&b, "%-26s", hex.String())
		b.WriteString(inst.Text)
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				fmt.Fprintf(&b, "  ; %s", s)
				break
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// MapLookup returns a SymbolLookup backed by a fixed address map.
func MapLookup(names map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := names[addr]; ok {
			return name, true
		}
		return "", false
	}
}
