// Package cfg holds recovered control-flow graphs: blocks, functions and
// typed edges, and the recursive-descent parser that builds them.
//
// Lock order is function lock, then block lock. Block locks guard the
// block's edge lists only and are never held across calls into other
// packages.
package cfg

import (
	"fmt"
	"sort"
	"sync"

	"cfgrecover/internal/arch"
)

// EdgeType classifies a control-flow edge.
type EdgeType uint8

const (
	Direct EdgeType = iota
	CondTaken
	CondNotTaken
	Fallthrough
	Call
	CallFT
	Return
	Indirect
)

var edgeNames = [...]string{
	Direct: "direct", CondTaken: "cond_taken", CondNotTaken: "cond_not_taken",
	Fallthrough: "fallthrough", Call: "call", CallFT: "call_ft",
	Return: "return", Indirect: "indirect",
}

func (t EdgeType) String() string {
	if int(t) < len(edgeNames) {
		return edgeNames[t]
	}
	return fmt.Sprintf("edge(%d)", int(t))
}

// Edge connects two blocks. Intraproc is false for calls and tail calls.
type Edge struct {
	Src, Dst  *Block
	Type      EdgeType
	Intraproc bool
}

// IndirectEdge is a resolved target of an indirect branch.
type IndirectEdge struct {
	Target uint64   `json:"target"`
	Type   EdgeType `json:"-"`
}

// Block is a maximal straight-line instruction range [Start, End).
type Block struct {
	sync.Mutex
	Start uint64
	End   uint64
	Last  uint64 // address of the final instruction
	Func  *Function

	sources []*Edge
	targets []*Edge
}

// Sources returns the incoming edges. The caller holds b's lock.
func (b *Block) Sources() []*Edge { return b.sources }

// Targets returns the outgoing edges. The caller holds b's lock.
func (b *Block) Targets() []*Edge { return b.targets }

func (b *Block) String() string {
	return fmt.Sprintf("[0x%x,0x%x)", b.Start, b.End)
}

// AddEdge links src to dst. Each block's list is updated under its own lock.
func AddEdge(src, dst *Block, t EdgeType, intraproc bool) *Edge {
	e := &Edge{Src: src, Dst: dst, Type: t, Intraproc: intraproc}
	src.Lock()
	src.targets = append(src.targets, e)
	src.Unlock()
	dst.Lock()
	dst.sources = append(dst.sources, e)
	dst.Unlock()
	return e
}

// CodeSource is the binary image as seen by the parser and the resolver.
type CodeSource interface {
	Read(addr uint64, n int) ([]byte, error)
	ReadUint(addr uint64, width int) (uint64, error)
	IsCode(addr uint64) bool
	FuncHint(addr uint64) (start, size uint64, ok bool)
	Arch() arch.Arch
}

// IndirectResolver resolves the targets of the indirect branch ending blk.
type IndirectResolver interface {
	Resolve(fn *Function, blk *Block) (bool, []IndirectEdge)
}

// CallSite is a direct or indirect call found while parsing.
type CallSite struct {
	Block  *Block
	Addr   uint64
	Target uint64 // 0 for indirect calls
}

// Function is a parsed routine. Its block set is replaced wholesale by the
// parser under the function lock and is stable once parsing completes.
type Function struct {
	sync.Mutex
	Name     string
	Start    uint64
	Size     uint64 // from the symbol table, 0 if unknown
	FromHint bool

	prog       *Program
	entry      *Block
	blocks     []*Block
	byStart    map[uint64]*Block
	calls      []CallSite
	resolved   map[uint64][]IndirectEdge
	unresolved []uint64
	insts      int
}

// Entry returns the entry block, nil before parsing.
func (f *Function) Entry() *Block { return f.entry }

// Blocks returns the blocks sorted by address.
func (f *Function) Blocks() []*Block { return f.blocks }

// BlockAt returns the block starting at addr.
func (f *Function) BlockAt(addr uint64) *Block { return f.byStart[addr] }

// Calls returns the call sites in address order.
func (f *Function) Calls() []CallSite { return f.calls }

// Program returns the owning program.
func (f *Function) Program() *Program { return f.prog }

// Resolved returns the resolved indirect branches keyed by branch address.
func (f *Function) Resolved() map[uint64][]IndirectEdge { return f.resolved }

// Unresolved returns the addresses of indirect branches left without targets.
func (f *Function) Unresolved() []uint64 { return f.unresolved }

// NumInsts returns the number of decoded instructions.
func (f *Function) NumInsts() int { return f.insts }

func (f *Function) String() string {
	return fmt.Sprintf("%s@0x%x", f.Name, f.Start)
}

func sortBlocks(bs []*Block) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Start < bs[j].Start })
}
