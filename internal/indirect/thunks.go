package indirect

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/diag"
	"cfgrecover/internal/disasm"
	"cfgrecover/internal/expr"
	"cfgrecover/internal/slicing"
)

// ThunkInfo records that after the call at CallSite, Reg holds Value.
type ThunkInfo struct {
	CallSite uint64
	Reg      expr.Region
	Value    uint64 // return address plus any immediate adjustment
	Block    *cfg.Block
	DefAt    uint64 // instruction that writes Reg on the caller side
	AdjustAt uint64 // folded add reg, imm; 0 if none
}

// Thunks maps call-site addresses to the registers their thunks load.
type Thunks map[uint64][]ThunkInfo

// FindThunks scans the blocks of reach in address order for calls to PC
// thunks. A block that cannot be decoded is scanned up to the failure.
func FindThunks(reach mapset.Set[*cfg.Block], src cfg.CodeSource, d *diag.Diags) Thunks {
	blocks := reach.ToSlice()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start < blocks[j].Start })

	out := make(Thunks)
	for _, b := range blocks {
		insts, err := slicing.DecodeBlock(src, b)
		for _, inst := range insts {
			if inst.Cat != disasm.Call {
				continue
			}
			def, ok := disasm.IsThunk(src, inst)
			if !ok {
				continue
			}
			ti := ThunkInfo{CallSite: inst.Addr, Reg: def.Reg, Value: def.Value, Block: b, DefAt: def.DefAt}
			if adj, ok := adjustment(src, def); ok {
				ti.Value += uint64(adj)
				ti.AdjustAt = def.Next
			}
			if src.Arch().PtrSize() == 4 {
				ti.Value &= 0xffffffff
			}
			out[inst.Addr] = append(out[inst.Addr], ti)
		}
		if err != nil && d != nil {
			d.Addf(b.Start, diag.UnreadableBlock, "thunk scan: %v", err)
		}
	}
	return out
}

// adjustment returns the immediate of an add into the thunk register that
// directly follows the definition.
func adjustment(src cfg.CodeSource, def disasm.ThunkDef) (int64, bool) {
	buf, err := src.Read(def.Next, 16)
	if err != nil {
		return 0, false
	}
	inst, err := disasm.Decode(src.Arch(), buf, def.Next)
	if err != nil || inst.X86.Op != x86asm.ADD {
		return 0, false
	}
	r, ok := inst.X86.Args[0].(x86asm.Reg)
	if !ok {
		return 0, false
	}
	if reg, ok := disasm.RegRegion(r); !ok || reg != def.Reg {
		return 0, false
	}
	imm, ok := inst.X86.Args[1].(x86asm.Imm)
	if !ok {
		return 0, false
	}
	return int64(imm), true
}

// Overrides converts the thunks into slicer overrides: the defining
// instruction assigns the constant, and the call and the folded add
// contribute nothing.
func (t Thunks) Overrides() map[uint64][]slicing.Assignment {
	out := make(map[uint64][]slicing.Assignment)
	for _, infos := range t {
		for _, ti := range infos {
			if _, ok := out[ti.CallSite]; !ok {
				out[ti.CallSite] = []slicing.Assignment{}
			}
			out[ti.DefAt] = append(out[ti.DefAt], slicing.Assignment{
				Out:  ti.Reg,
				Expr: expr.Const(int64(ti.Value)),
			})
			if ti.AdjustAt != 0 {
				out[ti.AdjustAt] = []slicing.Assignment{}
			}
		}
	}
	return out
}
