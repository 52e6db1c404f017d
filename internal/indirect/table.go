package indirect

import (
	"sort"

	"github.com/apex/log"
	mapset "github.com/deckarep/golang-set/v2"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/diag"
	"cfgrecover/internal/expr"
	"cfgrecover/internal/interval"
)

// Edge is a resolved indirect branch target.
type Edge = cfg.IndirectEdge

// TableRequest describes one table read.
type TableRequest struct {
	Src        cfg.CodeSource
	Addr       uint64 // the branch, for diagnostics
	Target     *expr.Node
	Index      expr.Region
	Bound      interval.StridedInterval
	ReadSize   int  // table entry width; 0 keeps the width in Target
	ZeroExtend bool // entries are unsigned
	Scan       bool // Bound is not proven
	ConstAddrs []uint64

	// FuncEnd 0 means the function extent is unknown.
	FuncStart, FuncEnd uint64

	Diags *diag.Diags
	Log   log.Interface
}

// ReadTable evaluates the target for every index in the bound and returns
// the distinct code addresses in ascending order. The scan stops at the
// first candidate that is not code or lies outside the function, and in
// scan mode at the first candidate that breaks the table's ordering.
func ReadTable(req TableRequest) []Edge {
	l := req.Log
	if l == nil {
		l = log.Log
	}
	stop := func(kind diag.Kind, format string, args ...any) {
		l.Debugf(format, args...)
		if req.Diags != nil {
			req.Diags.Addf(req.Addr, kind, format, args...)
		}
	}

	a := req.Src.Arch()
	env := &expr.Env{
		Vars:        make(map[expr.Region]int64, 1),
		Mem:         req.Src,
		AddrBytes:   a.PtrSize(),
		TableIndex:  req.Index,
		TableWidth:  req.ReadSize,
		TableSigned: !req.ZeroExtend,
	}
	monotonic := req.Scan && a.MonotonicTables()

	targets := mapset.NewThreadUnsafeSet[uint64]()
	var lo, hi, first uint64
	dir := 0
	req.Bound.Each(func(v int64) bool {
		env.Vars[req.Index] = v
		t, err := req.Target.Eval(env)
		if err != nil {
			stop(diag.BadTarget, "index %d: %v", v, err)
			return false
		}
		if !req.Src.IsCode(t) {
			stop(diag.BadTarget, "index %d: 0x%x is not code", v, t)
			return false
		}
		if req.FuncEnd != 0 && (t < req.FuncStart || t >= req.FuncEnd) {
			stop(diag.OutOfRange, "index %d: 0x%x outside [0x%x,0x%x)", v, t, req.FuncStart, req.FuncEnd)
			return false
		}
		if targets.Contains(t) {
			return true
		}
		if targets.Cardinality() == 0 {
			lo, hi, first = t, t, t
			targets.Add(t)
			return true
		}
		if monotonic && ((t > lo && t < hi) || (dir > 0 && t < lo) || (dir < 0 && t > hi)) {
			stop(diag.NonMonotonic, "index %d: 0x%x breaks table order [0x%x,0x%x]", v, t, lo, hi)
			return false
		}
		if dir == 0 {
			dir = 1
			if t < first {
				dir = -1
			}
		}
		lo, hi = min(lo, t), max(hi, t)
		targets.Add(t)
		return true
	})

	for _, c := range req.ConstAddrs {
		if req.Src.IsCode(c) {
			targets.Add(c)
		}
	}
	if targets.Cardinality() == 0 {
		return nil
	}
	addrs := targets.ToSlice()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	edges := make([]Edge, len(addrs))
	for i, t := range addrs {
		edges[i] = Edge{Target: t, Type: cfg.Indirect}
	}
	return edges
}
