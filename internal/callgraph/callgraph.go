// Package callgraph converts recovered programs into lattice graphs for
// rendering.
package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"cfgrecover/internal/cfg"
)

// BuildCallGraph constructs a lattice.Graph from a parsed program. Each
// function becomes a node and each direct call or tail call an edge.
// Indirect calls have no static callee and are skipped.
func BuildCallGraph(p *cfg.Program) *lattice.Graph {
	g := &lattice.Graph{}
	for _, fn := range p.Functions() {
		g.Nodes = append(g.Nodes, fn.Name)
		for _, c := range fn.Calls() {
			if c.Target == 0 {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: fn.Name,
				Callee: calleeName(p, c.Target),
			})
		}
	}
	g.Dedup()
	return g
}

func calleeName(p *cfg.Program, addr uint64) string {
	if fn := p.FunctionAt(addr); fn != nil {
		return fn.Name
	}
	return fmt.Sprintf("0x%x", addr)
}
