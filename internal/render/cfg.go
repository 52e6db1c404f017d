package render

import (
	"fmt"
	"strings"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/disasm"
)

// maxLines caps the instructions shown per block.
const maxLines = 12

// BlockInsts decodes the instructions of b from src.
func BlockInsts(src cfg.CodeSource, b *cfg.Block) ([]disasm.Inst, error) {
	data, err := src.Read(b.Start, int(b.End-b.Start))
	if err != nil {
		return nil, fmt.Errorf("render: read %v: %w", b, err)
	}
	return disasm.Disassemble(data, disasm.Options{Arch: src.Arch(), BaseAddr: b.Start}), nil
}

// CFGDOT renders one function's basic-block graph as DOT. Each block lists
// its instructions; resolved indirect edges are drawn dashed and blocks
// ending in an unresolved indirect jump are highlighted.
func CFGDOT(fn *cfg.Function, src cfg.CodeSource, t Theme) (string, error) {
	fn.Lock()
	defer fn.Unlock()
	if len(fn.Blocks()) == 0 {
		return "", nil
	}
	unresolved := make(map[uint64]bool, len(fn.Unresolved()))
	for _, a := range fn.Unresolved() {
		unresolved[a] = true
	}

	var b strings.Builder
	b.WriteString("digraph cfg {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  nodesep=0.3;\n")
	b.WriteString("  ranksep=0.4;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Courier,monospace\", fontsize=8, fontcolor=%q, margin=\"0.08,0.04\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.7, arrowsize=0.5, arrowhead=vee];\n")
	fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
	fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"9\" color=\"%s\">%s</font>>;\n",
		t.TextColor, dotEscape(fn.String()))
	b.WriteByte('\n')

	for _, blk := range fn.Blocks() {
		insts, err := BlockInsts(src, blk)
		if err != nil {
			return "", err
		}
		var lines []string
		for _, inst := range insts {
			lines = append(lines, dotEscape(fmt.Sprintf("0x%x: %s", inst.Addr, inst.Text)))
		}
		// Truncate long blocks.
		if len(lines) > maxLines {
			kept := append(lines[:5], fmt.Sprintf("... (%d more)", len(lines)-10))
			lines = append(kept, lines[len(lines)-5:]...)
		}
		label := strings.Join(lines, "<br align=\"left\"/>") + "<br align=\"left\"/>"

		attrs := ""
		if blk == fn.Entry() {
			attrs = fmt.Sprintf(", penwidth=1.5, color=%q", t.EntryBorder)
		}
		blk.Lock()
		term := len(blk.Targets()) == 0
		blk.Unlock()
		switch {
		case unresolved[blk.Last]:
			attrs += fmt.Sprintf(", fillcolor=%q", t.UnresolvedFill)
		case term:
			attrs += fmt.Sprintf(", fillcolor=%q", t.TermFill)
		}
		fmt.Fprintf(&b, "  %s [label=<%s>%s];\n", blockID(blk.Start), label, attrs)
	}
	b.WriteByte('\n')

	for _, blk := range fn.Blocks() {
		blk.Lock()
		targets := blk.Targets()
		blk.Unlock()
		from := blockID(blk.Start)
		for _, e := range targets {
			if !e.Intraproc {
				continue
			}
			to := blockID(e.Dst.Start)
			switch e.Type {
			case cfg.CondTaken:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">T</font>>];\n",
					from, to, t.EdgeTaken, t.EdgeTaken)
			case cfg.CondNotTaken:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">F</font>>];\n",
					from, to, t.EdgeNotTaken, t.EdgeNotTaken)
			case cfg.Indirect:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=dashed];\n", from, to, t.EdgeIndirect)
			default:
				fmt.Fprintf(&b, "  %s -> %s [color=%q];\n", from, to, t.EdgeDirect)
			}
		}
	}

	b.WriteString("}\n")
	return b.String(), nil
}
