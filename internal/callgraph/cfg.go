package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"cfgrecover/internal/cfg"
)

// Successor conditions. Unconditional flow has none.
const (
	CondTaken    = "T"
	CondNotTaken = "F"
	CondIndirect = "I"
)

// BuildCFG converts every function of p into a lattice.FuncCFG.
func BuildCFG(p *cfg.Program) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, fn := range p.Functions() {
		if len(fn.Blocks()) == 0 {
			continue
		}
		cg.Funcs = append(cg.Funcs, BuildFuncCFG(fn))
	}
	return cg
}

// BuildFuncCFG maps one parsed function to a lattice.FuncCFG. Block IDs
// follow address order; Start and End are byte offsets from the function
// entry. Calls are attached to the block that ends with them.
func BuildFuncCFG(fn *cfg.Function) *lattice.FuncCFG {
	fn.Lock()
	defer fn.Unlock()

	ids := make(map[*cfg.Block]int, len(fn.Blocks()))
	for i, b := range fn.Blocks() {
		ids[b] = i
	}
	callsAt := make(map[*cfg.Block][]cfg.CallSite)
	for _, c := range fn.Calls() {
		callsAt[c.Block] = append(callsAt[c.Block], c)
	}

	lcfg := &lattice.FuncCFG{Name: fn.Name}
	for i, b := range fn.Blocks() {
		lb := &lattice.BasicBlock{
			ID:    i,
			Start: int(b.Start - fn.Start),
			End:   int(b.End - fn.Start),
		}

		b.Lock()
		intra := 0
		for _, e := range b.Targets() {
			if !e.Intraproc {
				continue
			}
			id, ok := ids[e.Dst]
			if !ok {
				continue
			}
			intra++
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: id, Cond: condOf(e.Type)})
		}
		b.Unlock()
		lb.Term = intra == 0

		for _, c := range callsAt[b] {
			callee := "indirect"
			if c.Target != 0 {
				callee = calleeName(fn.Program(), c.Target)
			}
			lb.Calls = append(lb.Calls, lattice.CallSite{
				Offset: int(c.Addr - fn.Start),
				Callee: callee,
			})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}

func condOf(t cfg.EdgeType) string {
	switch t {
	case cfg.CondTaken:
		return CondTaken
	case cfg.CondNotTaken:
		return CondNotTaken
	case cfg.Indirect:
		return CondIndirect
	}
	return ""
}

// Summary counts the resolution outcome of one function.
type Summary struct {
	Blocks     int
	Resolved   int
	Unresolved int
	Targets    int
}

// Summarize counts the blocks and indirect branches of fn.
func Summarize(fn *cfg.Function) Summary {
	fn.Lock()
	defer fn.Unlock()
	s := Summary{
		Blocks:     len(fn.Blocks()),
		Resolved:   len(fn.Resolved()),
		Unresolved: len(fn.Unresolved()),
	}
	for _, edges := range fn.Resolved() {
		s.Targets += len(edges)
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d blocks, %d/%d indirect resolved, %d targets",
		s.Blocks, s.Resolved, s.Resolved+s.Unresolved, s.Targets)
}
