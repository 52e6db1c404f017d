// Package indirect resolves the targets of indirect jumps: jump tables,
// tables addressed through PC thunks, and var-arg dispatch jumps.
//
// Resolution never fails hard. Every reason a branch stays unresolved is
// logged at debug level and recorded as a diagnostic.
package indirect

import (
	"fmt"

	"github.com/apex/log"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/diag"
	"cfgrecover/internal/slicing"
)

// Options tunes the analyzer.
type Options struct {
	MaxSliceBlocks int // blocks on one backward path; 0 = 16
	MaxSlicePaths  int // paths per backward walk; 0 = 64
	Logger         log.Interface
}

// Analyzer implements cfg.IndirectResolver. It is safe for concurrent use
// by parser workers; each call works on its own function.
type Analyzer struct {
	src   cfg.CodeSource
	opts  Options
	log   log.Interface
	diags diag.Diags
}

// New returns an analyzer reading code from src.
func New(src cfg.CodeSource, opts Options) *Analyzer {
	l := opts.Logger
	if l == nil {
		l = log.Log
	}
	return &Analyzer{src: src, opts: opts, log: l}
}

// Diagnostics returns everything recorded so far.
func (a *Analyzer) Diagnostics() []diag.Diag { return a.diags.Items() }

// Resolve returns the targets of the indirect jump ending blk. The function
// lock is held for the whole resolution.
func (a *Analyzer) Resolve(fn *cfg.Function, blk *cfg.Block) (bool, []cfg.IndirectEdge) {
	fn.Lock()
	defer fn.Unlock()

	l := a.log.WithFields(log.Fields{"func": fn.Name, "branch": fmt.Sprintf("0x%x", blk.Last)})

	reach := ReachableBlocks(blk)
	thunks := FindThunks(reach, a.src, &a.diags)
	l.WithFields(log.Fields{"reachable": reach.Cardinality(), "thunks": len(thunks)}).Debug("scoped")

	sl := slicing.New(a.src, thunks.Overrides(), slicing.Options{
		MaxBlocks: a.opts.MaxSliceBlocks,
		MaxPaths:  a.opts.MaxSlicePaths,
		Logger:    l,
	})
	start, err := sl.Start(blk)
	if err != nil {
		l.Debugf("start: %v", err)
		a.diags.Addf(blk.Last, diag.DecodeFailed, "%v", err)
		return false, nil
	}

	pred := &slicing.Predicate{Kind: slicing.FormatPred}
	sl.Backward(start, pred)
	f := Classify(fn, blk, pred)
	if f.Kind == Unknown {
		l.WithField("expr", start.Expr.String()).Debug("unrecognized target computation")
		a.diags.Addf(blk.Last, diag.UnrecognizedShape, "target %v", start.Expr)
		return false, nil
	}

	bound, scan := ResolveBound(sl, f, a.src.Arch())
	l.WithFields(log.Fields{
		"format": f.Kind.String(),
		"index":  f.Index.String(),
		"target": f.Target.String(),
		"bound":  bound.String(),
		"scan":   scan,
	}).Debug("classified")
	if scan {
		a.diags.Addf(blk.Last, diag.UnboundedIndex, "index %s unbounded, scanning %v", f.Index, bound)
		if f.Shape.Load == nil {
			// A computed jump has no table whose end a scan could detect.
			return false, nil
		}
	}

	req := TableRequest{
		Src:        a.src,
		Addr:       blk.Last,
		Target:     f.Target,
		Index:      f.Index,
		Bound:      bound,
		Scan:       scan,
		ConstAddrs: f.ConstAddrs,
		Diags:      &a.diags,
		Log:        l,
	}
	if ld := f.Shape.Load; ld != nil {
		req.ReadSize = ld.Width
		req.ZeroExtend = !ld.Signed
	}
	req.FuncStart, req.FuncEnd = a.extent(fn, blk)

	edges := ReadTable(req)
	if len(edges) == 0 {
		return false, nil
	}
	l.WithField("targets", len(edges)).Debug("resolved")
	return true, edges
}

// extent returns the address range of fn when symbol information sizes it.
func (a *Analyzer) extent(fn *cfg.Function, blk *cfg.Block) (uint64, uint64) {
	if fn.Size > 0 {
		return fn.Start, fn.Start + fn.Size
	}
	start, size, ok := a.src.FuncHint(blk.Last)
	if !ok || blk.Last < start || blk.Last >= start+size {
		return 0, 0
	}
	return start, start + size
}
