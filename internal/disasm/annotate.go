package disasm

import (
	"fmt"
	"sort"
	"strings"
)

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation.
type Annotator func(inst Inst) string

// TargetAnnotator names the targets of direct calls and jumps.
func TargetAnnotator(lookup SymbolLookup) Annotator {
	return func(inst Inst) string {
		if !inst.HasTarget || lookup == nil {
			return ""
		}
		if name, ok := lookup(inst.Target); ok {
			return fmt.Sprintf("<%s>", name)
		}
		return ""
	}
}

// TableAnnotator lists the resolved targets of indirect jumps, keyed by
// branch address.
func TableAnnotator(targets map[uint64][]uint64) Annotator {
	return func(inst Inst) string {
		if inst.Cat != IndirectJump {
			return ""
		}
		ts, ok := targets[inst.Addr]
		if !ok {
			return "unresolved"
		}
		sorted := append([]uint64(nil), ts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		parts := make([]string, len(sorted))
		for i, t := range sorted {
			parts[i] = fmt.Sprintf("0x%x", t)
		}
		return fmt.Sprintf("table[%d] %s", len(sorted), strings.Join(parts, " "))
	}
}

// ThunkAnnotator marks calls that materialise the program counter.
func ThunkAnnotator(src CodeReader) Annotator {
	return func(inst Inst) string {
		def, ok := IsThunk(src, inst)
		if !ok {
			return ""
		}
		return fmt.Sprintf("pc thunk: %s = 0x%x", def.Reg, def.Value)
	}
}
