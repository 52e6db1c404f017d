package slicing

import (
	"cfgrecover/internal/expr"
	"cfgrecover/internal/interval"
)

// PathFacts holds the ranges established for the index along one path.
type PathFacts struct {
	Facts []interval.StridedInterval
}

// Calculate combines per-path facts into a bound for the index. Facts on
// one path are intersected; paths are joined. The bound is exact only if
// every path contributed a fact and the result fits in a table scan.
func Calculate(paths []PathFacts) (interval.StridedInterval, bool) {
	var out interval.StridedInterval
	if len(paths) == 0 {
		return out, false
	}
	first := true
	for _, p := range paths {
		if len(p.Facts) == 0 {
			return interval.StridedInterval{}, false
		}
		cur := p.Facts[0]
		for _, f := range p.Facts[1:] {
			cur = cur.Intersect(f)
		}
		if first {
			out, first = cur, false
			continue
		}
		out = out.Join(cur)
	}
	if out.Empty() || out.Size() > interval.MaxEntries {
		return interval.StridedInterval{}, false
	}
	return out, true
}

// RangeOf returns the values e can take when region r lies in *in. A nil
// in leaves every variable unconstrained. With byteRead, a zero-extended
// one-byte value is known to lie in [0,255].
func RangeOf(e *expr.Node, r expr.Region, in *interval.StridedInterval, byteRead bool) (interval.StridedInterval, bool) {
	none := interval.StridedInterval{}
	if e == nil {
		return none, false
	}
	if v, ok := e.IsConst(); ok {
		return interval.Singleton(v), true
	}
	if v, ok := e.IsVar(); ok {
		if in != nil && v == r {
			return *in, true
		}
		return none, false
	}

	switch e.Op {
	case expr.OpAdd:
		c, rest := expr.SplitSum(e)
		if len(rest) != 1 {
			return none, false
		}
		inner, ok := RangeOf(rest[0], r, in, byteRead)
		if !ok {
			return none, false
		}
		return inner.Shift(c), true
	case expr.OpMul, expr.OpUMul, expr.OpShl:
		k, ok := e.Args[1].IsConst()
		if !ok {
			return none, false
		}
		if e.Op == expr.OpShl {
			if k < 0 || k > 16 {
				return none, false
			}
			k = 1 << uint(k)
		}
		if k <= 0 {
			return none, false
		}
		inner, ok := RangeOf(e.Args[0], r, in, byteRead)
		if !ok {
			return none, false
		}
		return inner.Scale(k), true
	case expr.OpAnd:
		m, ok := e.Args[1].IsConst()
		if !ok || m < 0 {
			return none, false
		}
		mask := interval.New(1, 0, m)
		if inner, ok := RangeOf(e.Args[0], r, in, byteRead); ok && inner.Low >= 0 && inner.High <= m {
			return inner, true
		}
		return mask, true
	case expr.OpZeroExt:
		lim := interval.New(1, 0, widthMax(e.Width))
		if inner, ok := RangeOf(e.Args[0], r, in, byteRead); ok && inner.Low >= 0 && inner.High <= lim.High {
			return inner, true
		}
		if byteRead && e.Width == 1 {
			return lim, true
		}
		return none, false
	case expr.OpSignExt:
		inner, ok := RangeOf(e.Args[0], r, in, byteRead)
		if !ok || inner.Low < 0 || inner.High > widthMax(e.Width)>>1 {
			return none, false
		}
		return inner, true
	case expr.OpLoad:
		if byteRead && e.Width == 1 && !e.Signed {
			return interval.ByteBound, true
		}
	}
	return none, false
}

func widthMax(width int) int64 {
	if width >= 8 {
		return 1<<63 - 1
	}
	return 1<<(8*uint(width)) - 1
}
