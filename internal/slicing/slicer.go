package slicing

import (
	"slices"
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/disasm"
	"cfgrecover/internal/expr"
	"cfgrecover/internal/interval"
)

// ErrNoBranch is returned by Start when a block does not end in an
// indirect jump.
var ErrNoBranch = errors.New("slicing: block does not end in an indirect jump")

// PredKind selects what a backward walk looks for.
type PredKind uint8

const (
	// FormatPred substitutes definitions into the branch target until it
	// has jump-table shape over a single index register.
	FormatPred PredKind = iota
	// IndexPred follows the index register backward and collects range
	// facts from masks, narrow reads and guarding comparisons.
	IndexPred
)

// Predicate configures a backward walk and receives its findings.
type Predicate struct {
	Kind PredKind

	// IndexPred inputs.
	Index             expr.Region
	SearchControlDeps bool // use cmp/jcc guards on the path
	ByteRead          bool // a zero-extended one-byte read bounds the index

	// FormatPred results.
	Found      bool
	Shape      expr.TableShape
	Target     *expr.Node // target expression over the index only
	IndexLoc   *Assignment
	MemLoc     *Assignment
	Residual   *expr.Node // first unmatched single-variable target
	ConstAddrs []uint64

	// IndexPred results.
	Paths []PathFacts
	Bound interval.StridedInterval
	Exact bool

	// Truncated is set when a walk hit the path budget.
	Truncated bool
}

// Options bounds a walk.
type Options struct {
	MaxBlocks int // blocks on one path; 0 = 16
	MaxPaths  int // completed paths per walk; 0 = 64
	Logger    log.Interface
}

const (
	defaultMaxBlocks = 16
	defaultMaxPaths  = 64
)

func (o Options) effectiveMaxBlocks() int {
	if o.MaxBlocks > 0 {
		return o.MaxBlocks
	}
	return defaultMaxBlocks
}

func (o Options) effectiveMaxPaths() int {
	if o.MaxPaths > 0 {
		return o.MaxPaths
	}
	return defaultMaxPaths
}

// Slicer walks assignments backward over intraprocedural edges. It caches
// decoded blocks and is not safe for concurrent use.
type Slicer struct {
	src       cfg.CodeSource
	overrides map[uint64][]Assignment
	opts      Options
	log       log.Interface
	insts     map[*cfg.Block][]disasm.Inst
}

// New returns a slicer over src. overrides replaces the converted
// assignments of the instructions at the given addresses; an empty slice
// suppresses them.
func New(src cfg.CodeSource, overrides map[uint64][]Assignment, opts Options) *Slicer {
	l := opts.Logger
	if l == nil {
		l = log.Log
	}
	return &Slicer{
		src:       src,
		overrides: overrides,
		opts:      opts,
		log:       l,
		insts:     make(map[*cfg.Block][]disasm.Inst),
	}
}

// Decode returns the instructions of blk. Decoding stops at the first
// unreadable or invalid instruction; err reports why.
func (s *Slicer) Decode(blk *cfg.Block) ([]disasm.Inst, error) {
	if insts, ok := s.insts[blk]; ok {
		return insts, nil
	}
	insts, err := DecodeBlock(s.src, blk)
	if err == nil {
		s.insts[blk] = insts
	}
	return insts, err
}

// DecodeBlock decodes [blk.Start, blk.End) sequentially.
func DecodeBlock(src cfg.CodeSource, blk *cfg.Block) ([]disasm.Inst, error) {
	var out []disasm.Inst
	for addr := blk.Start; addr < blk.End; {
		buf, err := src.Read(addr, 16)
		if err != nil {
			return out, errors.Wrapf(err, "block %s", blk)
		}
		inst, err := disasm.Decode(src.Arch(), buf, addr)
		if err != nil {
			return out, errors.Wrapf(err, "block %s", blk)
		}
		out = append(out, inst)
		addr = inst.Next()
	}
	return out, nil
}

// Start returns the assignment of the program counter by the indirect jump
// ending blk.
func (s *Slicer) Start(blk *cfg.Block) (Assignment, error) {
	insts, err := s.Decode(blk)
	if err != nil {
		return Assignment{}, err
	}
	if len(insts) == 0 {
		return Assignment{}, ErrNoBranch
	}
	last := insts[len(insts)-1]
	if last.Cat != disasm.IndirectJump {
		return Assignment{}, ErrNoBranch
	}
	for _, a := range s.assigns(last, blk) {
		if a.Out == expr.PC && a.Expr != nil {
			return a, nil
		}
	}
	return Assignment{}, errors.Wrapf(ErrNoBranch, "0x%x: unmodelled target operand", last.Addr)
}

func (s *Slicer) assigns(inst disasm.Inst, blk *cfg.Block) []Assignment {
	if ov, ok := s.overrides[inst.Addr]; ok {
		out := make([]Assignment, len(ov))
		for i, a := range ov {
			a.Addr, a.Block = inst.Addr, blk
			out[i] = a
		}
		return out
	}
	return Convert(inst, blk)
}

// Backward walks from start toward the function entry, filling in pred.
// For FormatPred, start is the program counter assignment from Start. For
// IndexPred, it is the assignment that reads the index; the walk begins
// with the instructions before it.
func (s *Slicer) Backward(start Assignment, pred *Predicate) {
	w := &walker{s: s, pred: pred, maxBlocks: s.opts.effectiveMaxBlocks(), maxPaths: s.opts.effectiveMaxPaths()}
	switch pred.Kind {
	case FormatPred:
		st := state{e: start.Expr}
		if w.formatStep(&st, start) {
			return
		}
		w.walk(start.Block, start.Addr, st, 1, map[*cfg.Block]bool{start.Block: true})
	case IndexPred:
		st := state{e: expr.Var(pred.Index)}
		w.walk(start.Block, start.Addr, st, 1, map[*cfg.Block]bool{start.Block: true})
		pred.Bound, pred.Exact = Calculate(pred.Paths)
		if pred.Truncated {
			pred.Exact = false
		}
	}
}

// guard is a pending conditional branch whose outcome on the current path
// is known.
type guard struct {
	op    x86asm.Op
	taken bool
}

type state struct {
	e *expr.Node

	// format walk
	index    expr.Region
	hasIndex bool
	indexLoc *Assignment
	memLoc   *Assignment

	// index walk
	pending *guard
	facts   []interval.StridedInterval
}

type walker struct {
	s         *Slicer
	pred      *Predicate
	maxBlocks int
	maxPaths  int
	paths     int
	done      bool
}

// walk processes the instructions of blk below upto in reverse, then
// continues into each intraprocedural predecessor.
func (w *walker) walk(blk *cfg.Block, upto uint64, st state, depth int, onPath map[*cfg.Block]bool) {
	if w.done {
		return
	}
	insts, err := w.s.Decode(blk)
	if err != nil {
		w.s.log.WithField("block", blk.String()).Debugf("slice: %v", err)
		w.end(st)
		return
	}
	for i := len(insts) - 1; i >= 0; i-- {
		inst := insts[i]
		if inst.Addr >= upto {
			continue
		}
		if w.step(&st, inst, blk) {
			return
		}
	}

	preds := intraPreds(blk)
	if len(preds) == 0 || depth >= w.maxBlocks {
		w.end(st)
		return
	}
	for _, e := range preds {
		if w.done {
			return
		}
		if onPath[e.Src] {
			w.end(st)
			continue
		}
		next := st
		next.pending = nil
		next.facts = slices.Clone(st.facts)
		if w.pred.Kind == IndexPred && w.pred.SearchControlDeps && (e.Type == cfg.CondTaken || e.Type == cfg.CondNotTaken) {
			if op, ok := w.condOp(e.Src); ok {
				next.pending = &guard{op: op, taken: e.Type == cfg.CondTaken}
			}
		}
		onPath[e.Src] = true
		w.walk(e.Src, e.Src.End, next, depth+1, onPath)
		delete(onPath, e.Src)
	}
}

// step applies one instruction. It reports whether the path ended.
func (w *walker) step(st *state, inst disasm.Inst, blk *cfg.Block) bool {
	if w.pred.Kind == IndexPred && st.pending != nil && setsFlags(inst) {
		g := *st.pending
		st.pending = nil
		if r, k, ok := compareImm(inst); ok {
			if in, ok := guardRange(g, k); ok {
				if rng, ok := RangeOf(st.e, r, &in, w.pred.ByteRead); ok {
					st.facts = append(st.facts, rng)
					w.end(*st)
					return true
				}
			}
		}
	}
	for _, a := range w.s.assigns(inst, blk) {
		var stop bool
		if w.pred.Kind == FormatPred {
			stop = w.formatStep(st, a)
		} else {
			stop = w.indexStep(st, a)
		}
		if stop {
			return true
		}
	}
	return false
}

// formatStep substitutes a into the target expression and checks for
// jump-table shape.
func (w *walker) formatStep(st *state, a Assignment) bool {
	if a.Out != expr.PC {
		if !st.e.Reads(a.Out) || (st.hasIndex && a.Out == st.index) {
			return false
		}
		if a.Expr == nil {
			w.end(*st)
			return true
		}
		st.e = st.e.Substitute(a.Out, a.Expr)
	}
	loc := a
	if a.MemRead > 0 {
		st.memLoc = &loc
	}
	if !st.hasIndex {
		if r, ok := expr.FindIndexing(st.e); ok {
			st.index, st.hasIndex, st.indexLoc = r, true, &loc
		}
	}
	if c, ok := st.e.IsConst(); ok {
		w.constAddr(c)
		w.end(*st)
		return true
	}
	shape, ok := expr.MatchJumpTable(st.e)
	if !ok || (st.hasIndex && shape.Index != st.index) {
		return false
	}
	if !st.hasIndex {
		st.index, st.hasIndex, st.indexLoc = shape.Index, true, &loc
	}
	p := w.pred
	if !p.Found {
		p.Found = true
		p.Shape = shape
		p.Target = st.e
		p.IndexLoc = st.indexLoc
		p.MemLoc = st.memLoc
	}
	w.end(state{})
	return true
}

func (w *walker) constAddr(c int64) {
	v := uint64(c)
	if w.s.src.Arch().PtrSize() == 4 {
		v &= 0xffffffff
	}
	for _, a := range w.pred.ConstAddrs {
		if a == v {
			return
		}
	}
	w.pred.ConstAddrs = append(w.pred.ConstAddrs, v)
}

// indexStep substitutes a into the index expression and records any range
// fact the result implies.
func (w *walker) indexStep(st *state, a Assignment) bool {
	if a.Out == expr.PC || !st.e.Reads(a.Out) {
		return false
	}
	if a.Expr == nil {
		w.end(*st)
		return true
	}
	st.e = st.e.Substitute(a.Out, a.Expr)
	if rng, ok := RangeOf(st.e, expr.Region{}, nil, w.pred.ByteRead); ok {
		st.facts = append(st.facts, rng)
	}
	if len(st.e.Vars()) == 0 {
		w.end(*st)
		return true
	}
	return false
}

// end records a finished path.
func (w *walker) end(st state) {
	w.paths++
	if w.paths >= w.maxPaths {
		w.done = true
		w.pred.Truncated = true
	}
	switch w.pred.Kind {
	case IndexPred:
		w.pred.Paths = append(w.pred.Paths, PathFacts{Facts: slices.Clone(st.facts)})
	case FormatPred:
		if st.e != nil && w.pred.Residual == nil && len(st.e.Vars()) == 1 {
			w.pred.Residual = st.e
		}
	}
}

func (w *walker) condOp(b *cfg.Block) (x86asm.Op, bool) {
	insts, err := w.s.Decode(b)
	if err != nil || len(insts) == 0 {
		return 0, false
	}
	last := insts[len(insts)-1]
	if last.Cat != disasm.CondJump || !last.Arch.IsX86() {
		return 0, false
	}
	return last.X86.Op, true
}

// intraPreds returns the intraprocedural incoming edges of b ordered by
// source address. b's lock is held only while copying.
func intraPreds(b *cfg.Block) []*cfg.Edge {
	b.Lock()
	var out []*cfg.Edge
	for _, e := range b.Sources() {
		if e.Intraproc {
			out = append(out, e)
		}
	}
	b.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Src.Start < out[j].Src.Start })
	return out
}

func setsFlags(inst disasm.Inst) bool {
	if !inst.Arch.IsX86() {
		return false
	}
	switch inst.X86.Op {
	case x86asm.CMP, x86asm.TEST, x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR,
		x86asm.XOR, x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.SHL, x86asm.SHR,
		x86asm.SAR, x86asm.ADC, x86asm.SBB, x86asm.BT, x86asm.CMPXCHG:
		return true
	}
	return false
}

// compareImm matches cmp reg, imm.
func compareImm(inst disasm.Inst) (expr.Region, int64, bool) {
	in := inst.X86
	if in.Op != x86asm.CMP {
		return expr.Region{}, 0, false
	}
	r, ok := in.Args[0].(x86asm.Reg)
	if !ok {
		return expr.Region{}, 0, false
	}
	k, ok := in.Args[1].(x86asm.Imm)
	if !ok {
		return expr.Region{}, 0, false
	}
	reg, ok := disasm.RegRegion(r)
	if !ok || disasm.IsHighByte(r) {
		return expr.Region{}, 0, false
	}
	return reg, int64(k), true
}

// guardRange returns the unsigned range of the compared register implied by
// the branch outcome g against k. Signed conditions yield nothing.
func guardRange(g guard, k int64) (interval.StridedInterval, bool) {
	if k < 0 {
		return interval.StridedInterval{}, false
	}
	upTo := func(hi int64) (interval.StridedInterval, bool) {
		if hi < 0 {
			return interval.StridedInterval{}, false
		}
		if hi == 0 {
			return interval.Singleton(0), true
		}
		return interval.New(1, 0, hi), true
	}
	switch {
	case g.op == x86asm.JA && !g.taken, g.op == x86asm.JBE && g.taken:
		return upTo(k)
	case g.op == x86asm.JAE && !g.taken, g.op == x86asm.JB && g.taken:
		return upTo(k - 1)
	case g.op == x86asm.JE && g.taken, g.op == x86asm.JNE && !g.taken:
		return interval.Singleton(k), true
	}
	return interval.StridedInterval{}, false
}
