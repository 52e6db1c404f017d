// Package elfx loads ELF executables and shared objects into an in-memory
// code image: bytes by virtual address, code/data classification, and
// function extents from the symbol table.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"cfgrecover/internal/arch"
	"cfgrecover/internal/stream"
)

var (
	ErrNotELF          = errors.New("elfx: not an ELF file")
	ErrUnsupportedArch = errors.New("elfx: unsupported machine")
	ErrUnmapped        = errors.New("elfx: address not mapped")
	ErrNoSegment       = errors.New("elfx: no executable segment")
)

// Segment is a contiguous mapped range of the image.
type Segment struct {
	Addr uint64
	Data []byte
	Exec bool
}

func (s Segment) end() uint64 { return s.Addr + uint64(len(s.Data)) }

// Hint is a function extent taken from a symbol table.
type Hint struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// Range is an address range [Start, End).
type Range struct {
	Start, End uint64
}

// Image is a read-only view of a loaded binary. It is safe for concurrent
// use once built.
type Image struct {
	arch  arch.Arch
	order binary.ByteOrder
	segs  []Segment
	code  []Range // executable ranges; segment granularity when no sections
	hints []Hint
	entry uint64
	file  *os.File
}

// NewImage builds an image from explicit segments and function hints. Code
// ranges are the executable segments.
func NewImage(a arch.Arch, order binary.ByteOrder, segs []Segment, hints []Hint) *Image {
	im := &Image{arch: a, order: order}
	if im.order == nil {
		im.order = binary.LittleEndian
	}
	im.segs = append(im.segs, segs...)
	sort.Slice(im.segs, func(i, j int) bool { return im.segs[i].Addr < im.segs[j].Addr })
	for _, s := range im.segs {
		if s.Exec {
			im.code = append(im.code, Range{Start: s.Addr, End: s.end()})
		}
	}
	im.hints = normalizeHints(hints)
	return im
}

// Open opens an ELF file from disk.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "elfx: open %s", path)
	}
	im, err := Load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	im.file = f
	return im, nil
}

// Load parses an ELF image from r. Only PT_LOAD file contents are kept.
func Load(r io.ReaderAt) (*Image, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrapf(ErrNotELF, "%v", err)
	}
	defer ef.Close()

	a, err := machineArch(ef.Machine)
	if err != nil {
		return nil, err
	}

	var segs []Segment
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(err, "elfx: read segment at 0x%x", p.Vaddr)
		}
		segs = append(segs, Segment{Addr: p.Vaddr, Data: data, Exec: p.Flags&elf.PF_X != 0})
	}

	im := NewImage(a, ef.ByteOrder, segs, symbolHints(ef))
	im.entry = ef.Entry
	if len(im.code) == 0 {
		return nil, ErrNoSegment
	}

	// Sections refine code ranges: read-only data often shares the
	// executable segment with .text.
	var code []Range
	for _, s := range ef.Sections {
		if s.Type == elf.SHT_PROGBITS && s.Flags&elf.SHF_EXECINSTR != 0 && s.Size > 0 {
			code = append(code, Range{Start: s.Addr, End: s.Addr + s.Size})
		}
	}
	if len(code) > 0 {
		sort.Slice(code, func(i, j int) bool { return code[i].Start < code[j].Start })
		im.code = code
	}
	return im, nil
}

func machineArch(m elf.Machine) (arch.Arch, error) {
	switch m {
	case elf.EM_386:
		return arch.X86, nil
	case elf.EM_X86_64:
		return arch.X86_64, nil
	case elf.EM_AARCH64:
		return arch.AArch64, nil
	case elf.EM_PPC64:
		return arch.PPC64, nil
	}
	return arch.Unknown, errors.Wrapf(ErrUnsupportedArch, "%s", m)
}

func symbolHints(ef *elf.File) []Hint {
	var hints []Hint
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
				continue
			}
			hints = append(hints, Hint{Name: s.Name, Addr: s.Value, Size: s.Size})
		}
	}
	if syms, err := ef.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := ef.DynamicSymbols(); err == nil {
		add(syms)
	}
	return hints
}

// normalizeHints sorts by address and keeps one hint per address, preferring
// a sized one.
func normalizeHints(in []Hint) []Hint {
	hints := append([]Hint(nil), in...)
	sort.SliceStable(hints, func(i, j int) bool { return hints[i].Addr < hints[j].Addr })
	out := hints[:0]
	for _, h := range hints {
		if n := len(out); n > 0 && out[n-1].Addr == h.Addr {
			if out[n-1].Size == 0 && h.Size != 0 {
				out[n-1] = h
			}
			continue
		}
		out = append(out, h)
	}
	return out
}

// Close releases the underlying file, if any.
func (im *Image) Close() error {
	if im.file == nil {
		return nil
	}
	return im.file.Close()
}

func (im *Image) Arch() arch.Arch             { return im.arch }
func (im *Image) ByteOrder() binary.ByteOrder { return im.order }
func (im *Image) Entry() uint64               { return im.entry }

// Functions returns the function hints sorted by address.
func (im *Image) Functions() []Hint { return im.hints }

// Lookup returns the hint with the given name.
func (im *Image) Lookup(name string) (Hint, bool) {
	for _, h := range im.hints {
		if h.Name == name {
			return h, true
		}
	}
	return Hint{}, false
}

// Name returns the symbol name starting exactly at addr.
func (im *Image) Name(addr uint64) (string, bool) {
	i := sort.Search(len(im.hints), func(i int) bool { return im.hints[i].Addr >= addr })
	if i < len(im.hints) && im.hints[i].Addr == addr {
		return im.hints[i].Name, true
	}
	return "", false
}

func (im *Image) segment(addr uint64) (Segment, bool) {
	i := sort.Search(len(im.segs), func(i int) bool { return im.segs[i].end() > addr })
	if i < len(im.segs) && im.segs[i].Addr <= addr {
		return im.segs[i], true
	}
	return Segment{}, false
}

// Read returns up to n bytes starting at addr. The result is shorter than n
// when the mapping ends first. The returned slice aliases the image.
func (im *Image) Read(addr uint64, n int) ([]byte, error) {
	s, ok := im.segment(addr)
	if !ok {
		return nil, errors.Wrapf(ErrUnmapped, "0x%x", addr)
	}
	off := addr - s.Addr
	end := off + uint64(n)
	if end > uint64(len(s.Data)) {
		end = uint64(len(s.Data))
	}
	return s.Data[off:end], nil
}

// ReadUint reads a width-byte unsigned integer at addr in the image's byte
// order.
func (im *Image) ReadUint(addr uint64, width int) (uint64, error) {
	buf, err := im.Read(addr, width)
	if err != nil {
		return 0, err
	}
	if len(buf) < width {
		return 0, errors.Wrapf(ErrUnmapped, "0x%x+%d", addr, width)
	}
	return stream.NewStreamOrder(buf, im.order).ReadUint(width)
}

// IsCode reports whether addr lies in an executable range.
func (im *Image) IsCode(addr uint64) bool {
	i := sort.Search(len(im.code), func(i int) bool { return im.code[i].End > addr })
	return i < len(im.code) && im.code[i].Start <= addr
}

// FuncHint returns the extent of the symbol at or before addr. ok is false
// when no sized symbol precedes addr.
func (im *Image) FuncHint(addr uint64) (start, size uint64, ok bool) {
	i := sort.Search(len(im.hints), func(i int) bool { return im.hints[i].Addr > addr })
	if i == 0 {
		return 0, 0, false
	}
	h := im.hints[i-1]
	if h.Size == 0 {
		return 0, 0, false
	}
	return h.Addr, h.Size, true
}

// CodeRanges returns the executable ranges.
func (im *Image) CodeRanges() []Range { return im.code }
