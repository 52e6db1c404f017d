package cfg

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// Options controls parsing.
type Options struct {
	Workers     int // parallel function parses; 0 = GOMAXPROCS
	MaxInsts    int // per-function instruction cap; 0 = 200000
	MaxRounds   int // resolve/re-explore rounds per function; 0 = 32
	FollowCalls bool
	Logger      log.Interface
}

const (
	defaultMaxInsts  = 200_000
	defaultMaxRounds = 32
)

func (o Options) effectiveWorkers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (o Options) effectiveMaxInsts() int {
	if o.MaxInsts > 0 {
		return o.MaxInsts
	}
	return defaultMaxInsts
}

func (o Options) effectiveMaxRounds() int {
	if o.MaxRounds > 0 {
		return o.MaxRounds
	}
	return defaultMaxRounds
}

func (o Options) logger() log.Interface {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Log
}

// Program is the set of functions recovered from one code source.
type Program struct {
	Src      CodeSource
	Resolver IndirectResolver

	opts    Options
	log     log.Interface
	mu      sync.Mutex
	funcs   []*Function
	byEntry map[uint64]*Function
	parsed  map[*Function]bool
}

// NewProgram returns an empty program. res may be nil, in which case
// indirect branches stay unresolved.
func NewProgram(src CodeSource, res IndirectResolver, opts Options) *Program {
	return &Program{
		Src:      src,
		Resolver: res,
		opts:     opts,
		log:      opts.logger(),
		byEntry:  make(map[uint64]*Function),
		parsed:   make(map[*Function]bool),
	}
}

// AddFunction registers a function entry. Adding an existing entry returns
// the existing function.
func (p *Program) AddFunction(name string, start, size uint64, fromHint bool) *Function {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(name, start, size, fromHint)
}

func (p *Program) addLocked(name string, start, size uint64, fromHint bool) *Function {
	if fn, ok := p.byEntry[start]; ok {
		return fn
	}
	if name == "" {
		name = fmt.Sprintf("sub_%x", start)
	}
	fn := &Function{Name: name, Start: start, Size: size, FromHint: fromHint, prog: p}
	p.byEntry[start] = fn
	p.funcs = append(p.funcs, fn)
	return fn
}

// FunctionAt returns the function whose entry is addr.
func (p *Program) FunctionAt(addr uint64) *Function {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byEntry[addr]
}

func (p *Program) isEntry(addr uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byEntry[addr]
	return ok
}

// Functions returns the functions sorted by entry address.
func (p *Program) Functions() []*Function {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]*Function(nil), p.funcs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Parse parses a single function and links its calls.
func (p *Program) Parse(fn *Function) {
	p.parseOne(fn)
	p.link()
}

// ParseAll parses every registered function with up to workers goroutines.
// With FollowCalls, direct call targets become new functions and are parsed
// in further passes. ctx only stops scheduling of new functions.
func (p *Program) ParseAll(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = p.opts.effectiveWorkers()
	}
	for pass := 0; ; pass++ {
		todo := p.pending()
		if len(todo) == 0 {
			break
		}
		p.log.WithFields(log.Fields{"pass": pass, "functions": len(todo), "workers": workers}).Debug("parsing")

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, fn := range todo {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				p.parseOne(fn)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("cfg: parse: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cfg: parse: %w", err)
		}
		if !p.opts.FollowCalls {
			break
		}
		p.discoverCallees()
	}
	p.link()
	return nil
}

func (p *Program) pending() []*Function {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Function
	for _, fn := range p.funcs {
		if !p.parsed[fn] {
			p.parsed[fn] = true
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (p *Program) discoverCallees() {
	for _, fn := range p.Functions() {
		for _, c := range fn.Calls() {
			if c.Target == 0 || !p.Src.IsCode(c.Target) {
				continue
			}
			p.AddFunction("", c.Target, 0, false)
		}
	}
}

// link adds interprocedural call edges from call blocks to callee entries.
// It runs after parsing so every entry block exists.
func (p *Program) link() {
	for _, fn := range p.Functions() {
		for _, c := range fn.Calls() {
			if c.Target == 0 {
				continue
			}
			callee := p.FunctionAt(c.Target)
			if callee == nil || callee.Entry() == nil {
				continue
			}
			if hasEdge(c.Block, callee.Entry(), Call) {
				continue
			}
			AddEdge(c.Block, callee.Entry(), Call, false)
		}
	}
}

func hasEdge(src, dst *Block, t EdgeType) bool {
	src.Lock()
	defer src.Unlock()
	for _, e := range src.targets {
		if e.Dst == dst && e.Type == t {
			return true
		}
	}
	return false
}
