package indirect

import (
	"cfgrecover/internal/cfg"
	"cfgrecover/internal/expr"
	"cfgrecover/internal/slicing"
)

// FormatKind is the recognised shape of an indirect branch.
type FormatKind uint8

const (
	Unknown FormatKind = iota
	JumpTable
	VarArg
)

func (k FormatKind) String() string {
	switch k {
	case JumpTable:
		return "jump_table"
	case VarArg:
		return "vararg"
	}
	return "unknown"
}

// Format is the classification of one branch target computation.
type Format struct {
	Kind       FormatKind
	Target     *expr.Node // over Index only
	Index      expr.Region
	Shape      expr.TableShape // JumpTable only
	IndexLoc   *slicing.Assignment
	MemLoc     *slicing.Assignment
	ConstAddrs []uint64
}

// Classify interprets the result of a format walk. The jump-table form
// wins; the var-arg form is only considered in the entry block.
func Classify(fn *cfg.Function, blk *cfg.Block, pred *slicing.Predicate) Format {
	f := Format{ConstAddrs: pred.ConstAddrs}
	if pred.Found {
		f.Kind = JumpTable
		f.Target = pred.Target
		f.Index = pred.Shape.Index
		f.Shape = pred.Shape
		f.IndexLoc = pred.IndexLoc
		f.MemLoc = pred.MemLoc
		return f
	}
	if blk != fn.Entry() || pred.Residual == nil {
		return f
	}
	if r, ok := expr.MatchVarArg(pred.Residual); ok {
		f.Kind = VarArg
		f.Target = pred.Residual
		f.Index = r
	}
	return f
}
