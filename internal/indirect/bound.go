package indirect

import (
	"cfgrecover/internal/arch"
	"cfgrecover/internal/interval"
	"cfgrecover/internal/slicing"
)

// ResolveBound bounds the index of f. scan reports that no bound was
// proven and the conservative scan bound is returned instead.
func ResolveBound(sl *slicing.Slicer, f Format, a arch.Arch) (bound interval.StridedInterval, scan bool) {
	if f.Kind == VarArg {
		return interval.VarArgBound, false
	}
	if f.IndexLoc == nil {
		return interval.ScanBound, true
	}
	pred := &slicing.Predicate{Kind: slicing.IndexPred, Index: f.Index, SearchControlDeps: true}
	sl.Backward(*f.IndexLoc, pred)
	if pred.Exact {
		return pred.Bound, false
	}
	if !a.BoundedByteReads() {
		pred = &slicing.Predicate{Kind: slicing.IndexPred, Index: f.Index, SearchControlDeps: true, ByteRead: true}
		sl.Backward(*f.IndexLoc, pred)
		if pred.Exact {
			return pred.Bound, false
		}
	}
	return interval.ScanBound, true
}
