package cfg

import (
	"sort"

	"github.com/apex/log"

	"cfgrecover/internal/disasm"
)

// maxFetch covers the longest encoding on every supported architecture.
const maxFetch = 16

// parser explores one function. Exploration and block building alternate:
// each round decodes newly reachable code, rebuilds the block graph from
// the leader set, then asks the resolver about indirect branches that have
// no targets yet. Resolved targets seed the next round.
type parser struct {
	p   *Program
	fn  *Function
	log log.Interface

	insts    map[uint64]disasm.Inst
	leaders  map[uint64]bool
	thunks   map[uint64]bool // call sites of pc thunks
	work     []uint64
	resolved map[uint64][]IndirectEdge
	capped   bool
}

func (p *Program) parseOne(fn *Function) {
	p.mu.Lock()
	p.parsed[fn] = true
	p.mu.Unlock()

	ps := &parser{
		p:        p,
		fn:       fn,
		log:      p.log.WithField("func", fn.Name),
		insts:    make(map[uint64]disasm.Inst),
		leaders:  map[uint64]bool{fn.Start: true},
		thunks:   make(map[uint64]bool),
		work:     []uint64{fn.Start},
		resolved: make(map[uint64][]IndirectEdge),
	}
	ps.run()
}

func (ps *parser) run() {
	rounds := ps.p.opts.effectiveMaxRounds()
	for round := 1; ; round++ {
		ps.explore()
		ps.build()
		if round >= rounds || !ps.resolvePending() {
			break
		}
	}
	ps.finish()
	ps.log.WithFields(log.Fields{
		"blocks":     len(ps.fn.blocks),
		"insts":      len(ps.insts),
		"resolved":   len(ps.fn.resolved),
		"unresolved": len(ps.fn.unresolved),
	}).Debug("parsed")
}

func (ps *parser) push(addr uint64) {
	ps.leaders[addr] = true
	if _, seen := ps.insts[addr]; !seen {
		ps.work = append(ps.work, addr)
	}
}

func (ps *parser) explore() {
	src := ps.p.Src
	a := src.Arch()
	max := ps.p.opts.effectiveMaxInsts()

	for len(ps.work) > 0 {
		addr := ps.work[len(ps.work)-1]
		ps.work = ps.work[:len(ps.work)-1]

		for {
			if _, seen := ps.insts[addr]; seen {
				break
			}
			if len(ps.insts) >= max {
				if !ps.capped {
					ps.log.Warnf("instruction cap %d reached", max)
					ps.capped = true
				}
				return
			}
			if !src.IsCode(addr) {
				ps.log.Debugf("0x%x: not code", addr)
				break
			}
			buf, err := src.Read(addr, maxFetch)
			if err != nil {
				ps.log.Debugf("0x%x: %v", addr, err)
				break
			}
			inst, err := disasm.Decode(a, buf, addr)
			if err != nil {
				ps.log.Debugf("decode: %v", err)
				if inst.Len == 0 {
					inst.Len = 1
				}
				inst.Cat = disasm.Invalid
				ps.insts[addr] = inst
				break
			}
			ps.insts[addr] = inst
			next := inst.Next()

			switch inst.Cat {
			case disasm.Jump:
				if !ps.isTailCall(inst.Target) {
					ps.push(inst.Target)
				}
			case disasm.CondJump:
				ps.push(inst.Target)
				ps.push(next)
			case disasm.Call:
				if _, ok := disasm.IsThunk(src, inst); ok {
					ps.thunks[addr] = true
					addr = next
					continue
				}
				ps.push(next)
			case disasm.IndirectCall:
				ps.push(next)
			case disasm.Other:
				if ps.leaders[next] {
					ps.push(next)
					break
				}
				addr = next
				continue
			}
			break
		}
	}
}

func (ps *parser) isTailCall(target uint64) bool {
	return target != ps.fn.Start && ps.p.isEntry(target)
}

// endsBlock reports whether inst is the last instruction of its block.
func (ps *parser) endsBlock(inst disasm.Inst) bool {
	switch inst.Cat {
	case disasm.Call:
		return !ps.thunks[inst.Addr]
	case disasm.IndirectCall:
		return true
	}
	return inst.EndsBlock()
}

// build partitions the decoded instructions into blocks and recreates all
// intraprocedural edges.
func (ps *parser) build() {
	addrs := make([]uint64, 0, len(ps.insts))
	for a := range ps.insts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var blocks []*Block
	byStart := make(map[uint64]*Block)
	var cur *Block
	var prev disasm.Inst
	for _, a := range addrs {
		inst := ps.insts[a]
		if cur == nil || ps.leaders[a] || prev.Next() != a || ps.endsBlock(prev) {
			cur = &Block{Start: a, Func: ps.fn}
			blocks = append(blocks, cur)
			byStart[a] = cur
		}
		cur.End = inst.Next()
		cur.Last = a
		prev = inst
	}

	var calls []CallSite
	for _, b := range blocks {
		last := ps.insts[b.Last]
		next := byStart[b.End]
		switch last.Cat {
		case disasm.Jump:
			if dst := byStart[last.Target]; dst != nil && !ps.isTailCall(last.Target) {
				AddEdge(b, dst, Direct, true)
			} else {
				calls = append(calls, CallSite{Block: b, Addr: last.Addr, Target: last.Target})
			}
		case disasm.CondJump:
			if dst := byStart[last.Target]; dst != nil {
				AddEdge(b, dst, CondTaken, true)
			}
			if next != nil {
				AddEdge(b, next, CondNotTaken, true)
			}
		case disasm.Call, disasm.IndirectCall:
			if last.Cat == disasm.Call && ps.thunks[last.Addr] {
				if next != nil {
					AddEdge(b, next, Fallthrough, true)
				}
				break
			}
			calls = append(calls, CallSite{Block: b, Addr: last.Addr, Target: last.Target})
			if next != nil {
				AddEdge(b, next, CallFT, true)
			}
		case disasm.IndirectJump:
			for _, e := range ps.resolved[last.Addr] {
				if dst := byStart[e.Target]; dst != nil {
					AddEdge(b, dst, Indirect, true)
				}
			}
		case disasm.Return, disasm.Halt, disasm.Invalid:
		default:
			if next != nil {
				AddEdge(b, next, Fallthrough, true)
			}
		}
	}

	ps.fn.Lock()
	ps.fn.blocks = blocks
	ps.fn.byStart = byStart
	ps.fn.entry = byStart[ps.fn.Start]
	ps.fn.calls = calls
	ps.fn.insts = len(ps.insts)
	ps.fn.Unlock()
}

// resolvePending asks the resolver about indirect branches without targets.
// It reports whether anything was newly resolved, in which case the graph
// must be rebuilt.
func (ps *parser) resolvePending() bool {
	if ps.p.Resolver == nil {
		return false
	}
	changed := false
	for _, b := range ps.fn.blocks {
		last := ps.insts[b.Last]
		if last.Cat != disasm.IndirectJump {
			continue
		}
		if _, done := ps.resolved[last.Addr]; done {
			continue
		}
		ok, edges := ps.p.Resolver.Resolve(ps.fn, b)
		if !ok {
			continue
		}
		ps.resolved[last.Addr] = edges
		changed = true
		for _, e := range edges {
			ps.push(e.Target)
		}
	}
	return changed
}

func (ps *parser) finish() {
	var unresolved []uint64
	resolved := make(map[uint64][]IndirectEdge, len(ps.resolved))
	for _, b := range ps.fn.blocks {
		last := ps.insts[b.Last]
		if last.Cat != disasm.IndirectJump {
			continue
		}
		if edges, ok := ps.resolved[last.Addr]; ok {
			resolved[last.Addr] = edges
		} else {
			unresolved = append(unresolved, last.Addr)
		}
	}
	ps.fn.Lock()
	ps.fn.resolved = resolved
	ps.fn.unresolved = unresolved
	ps.fn.Unlock()
}
