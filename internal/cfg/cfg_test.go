package cfg

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cfgrecover/internal/arch"
	"cfgrecover/internal/elfx"
)

// image maps code at 0x1000, padded with nops to 0x100 bytes.
func image(code []byte) *elfx.Image {
	text := make([]byte, 0x100)
	for i := range text {
		text[i] = 0x90
	}
	copy(text, code)
	return elfx.NewImage(arch.X86, binary.LittleEndian, []elfx.Segment{
		{Addr: 0x1000, Data: text, Exec: true},
	}, nil)
}

// at places code fragments at offsets from 0x1000.
func at(frags map[int][]byte) []byte {
	buf := make([]byte, 0x40)
	for i := range buf {
		buf[i] = 0x90
	}
	for off, b := range frags {
		copy(buf[off:], b)
	}
	return buf
}

type edge struct {
	Src, Dst uint64
	Type     EdgeType
}

func edges(fn *Function) []edge {
	var out []edge
	for _, b := range fn.Blocks() {
		for _, e := range b.Targets() {
			out = append(out, edge{e.Src.Start, e.Dst.Start, e.Type})
		}
	}
	return out
}

func starts(fn *Function) []uint64 {
	var out []uint64
	for _, b := range fn.Blocks() {
		out = append(out, b.Start)
	}
	return out
}

func TestParseDiamond(t *testing.T) {
	// cmp eax, 0 ; je 0x1007 ; inc eax ; nop ; ret
	img := image([]byte{0x83, 0xf8, 0x00, 0x74, 0x02, 0x40, 0x90, 0xc3})
	p := NewProgram(img, nil, Options{})
	fn := p.AddFunction("f", 0x1000, 0, false)
	p.Parse(fn)

	if diff := cmp.Diff([]uint64{0x1000, 0x1005, 0x1007}, starts(fn)); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
	want := []edge{
		{0x1000, 0x1007, CondTaken},
		{0x1000, 0x1005, CondNotTaken},
		{0x1005, 0x1007, Fallthrough},
	}
	if diff := cmp.Diff(want, edges(fn)); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
	if fn.Entry() != fn.BlockAt(0x1000) {
		t.Errorf("entry = %v", fn.Entry())
	}
	if b := fn.BlockAt(0x1000); b.Last != 0x1003 || b.End != 0x1005 {
		t.Errorf("entry block last 0x%x end 0x%x", b.Last, b.End)
	}
	if fn.NumInsts() != 5 {
		t.Errorf("insts = %d, want 5", fn.NumInsts())
	}
}

// call 0x1010 ; ret ; ... 0x1010 xor eax, eax ; ret
var caller = at(map[int][]byte{
	0x00: {0xe8, 0x0b, 0x00, 0x00, 0x00, 0xc3},
	0x10: {0x31, 0xc0, 0xc3},
})

func TestParseAllFollowCalls(t *testing.T) {
	tests := []struct {
		name   string
		follow bool
		funcs  []string
	}{
		{"follow", true, []string{"f", "sub_1010"}},
		{"no-follow", false, []string{"f"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProgram(image(caller), nil, Options{FollowCalls: tt.follow})
			fn := p.AddFunction("f", 0x1000, 0, false)
			if err := p.ParseAll(context.Background(), 4); err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, f := range p.Functions() {
				names = append(names, f.Name)
			}
			if diff := cmp.Diff(tt.funcs, names); diff != "" {
				t.Errorf("functions mismatch (-want +got):\n%s", diff)
			}

			want := []edge{{0x1000, 0x1005, CallFT}}
			if tt.follow {
				want = append(want, edge{0x1000, 0x1010, Call})
			}
			if diff := cmp.Diff(want, edges(fn)); diff != "" {
				t.Errorf("edges mismatch (-want +got):\n%s", diff)
			}
			calls := fn.Calls()
			if len(calls) != 1 || calls[0].Target != 0x1010 || calls[0].Addr != 0x1000 {
				t.Errorf("calls = %+v", calls)
			}
		})
	}
}

func TestParseTailCall(t *testing.T) {
	// jmp 0x1010 ; ... 0x1010 ret
	img := image(at(map[int][]byte{0x00: {0xeb, 0x0e}, 0x10: {0xc3}}))
	p := NewProgram(img, nil, Options{})
	f := p.AddFunction("f", 0x1000, 0, false)
	g := p.AddFunction("g", 0x1010, 0, false)
	if err := p.ParseAll(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if len(f.Blocks()) != 1 {
		t.Fatalf("tail call target parsed into caller: %v", f.Blocks())
	}
	out := f.Entry().Targets()
	if len(out) != 1 || out[0].Type != Call || out[0].Intraproc || out[0].Dst != g.Entry() {
		t.Errorf("tail call edge = %+v", out)
	}
	if src := g.Entry().Sources(); len(src) != 1 || src[0].Src != f.Entry() {
		t.Errorf("callee sources = %+v", src)
	}
}

func TestParseThunkCallDoesNotSplit(t *testing.T) {
	// call 0x1005 ; pop ebx ; ret
	img := image([]byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x5b, 0xc3})
	p := NewProgram(img, nil, Options{FollowCalls: true})
	fn := p.AddFunction("f", 0x1000, 0, false)
	if err := p.ParseAll(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{0x1000}, starts(fn)); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
	if len(fn.Calls()) != 0 || len(p.Functions()) != 1 {
		t.Errorf("thunk treated as a call: %+v", fn.Calls())
	}
}

// fakeResolver maps indirect branch addresses to fixed targets.
type fakeResolver struct {
	mu      sync.Mutex
	targets map[uint64][]uint64
	calls   map[uint64]int
}

func (r *fakeResolver) Resolve(fn *Function, blk *Block) (bool, []IndirectEdge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[uint64]int)
	}
	r.calls[blk.Last]++
	ts, ok := r.targets[blk.Last]
	if !ok {
		return false, nil
	}
	var out []IndirectEdge
	for _, t := range ts {
		out = append(out, IndirectEdge{Target: t, Type: Indirect})
	}
	return true, out
}

func TestParseIndirect(t *testing.T) {
	// jmp eax ; ... 0x1010 ret ; 0x1012 ret
	img := image(at(map[int][]byte{0x00: {0xff, 0xe0}, 0x10: {0xc3}, 0x12: {0xc3}}))
	res := &fakeResolver{targets: map[uint64][]uint64{0x1000: {0x1010, 0x1012}}}
	p := NewProgram(img, res, Options{})
	fn := p.AddFunction("f", 0x1000, 0, false)
	p.Parse(fn)

	want := []edge{{0x1000, 0x1010, Indirect}, {0x1000, 0x1012, Indirect}}
	if diff := cmp.Diff(want, edges(fn)); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
	if got := fn.Resolved()[0x1000]; len(got) != 2 {
		t.Errorf("resolved = %v", fn.Resolved())
	}
	if len(fn.Unresolved()) != 0 {
		t.Errorf("unresolved = %x", fn.Unresolved())
	}
	if res.calls[0x1000] != 1 {
		t.Errorf("resolver asked %d times, want once", res.calls[0x1000])
	}
}

func TestParseUnresolved(t *testing.T) {
	img := image([]byte{0xff, 0xe0})
	p := NewProgram(img, &fakeResolver{}, Options{})
	fn := p.AddFunction("f", 0x1000, 0, false)
	p.Parse(fn)
	if diff := cmp.Diff([]uint64{0x1000}, fn.Unresolved()); diff != "" {
		t.Errorf("unresolved mismatch (-want +got):\n%s", diff)
	}
	if len(fn.Entry().Targets()) != 0 {
		t.Errorf("edges from unresolved branch: %v", fn.Entry().Targets())
	}
}

func TestParseMaxRounds(t *testing.T) {
	// a chain of indirect jumps, each resolved to the next
	img := image(at(map[int][]byte{0x00: {0xff, 0xe0}, 0x10: {0xff, 0xe0}, 0x20: {0xff, 0xe0}}))
	res := &fakeResolver{targets: map[uint64][]uint64{0x1000: {0x1010}, 0x1010: {0x1020}, 0x1020: {0x1000}}}

	tests := []struct {
		rounds     int
		unresolved []uint64
	}{
		{1, []uint64{0x1000}},
		{2, []uint64{0x1010}},
		{0, nil},
	}
	for _, tt := range tests {
		p := NewProgram(img, res, Options{MaxRounds: tt.rounds})
		fn := p.AddFunction("f", 0x1000, 0, false)
		p.Parse(fn)
		if diff := cmp.Diff(tt.unresolved, fn.Unresolved()); diff != "" {
			t.Errorf("rounds %d: unresolved mismatch (-want +got):\n%s", tt.rounds, diff)
		}
	}
}

func TestParseInstructionCap(t *testing.T) {
	p := NewProgram(image(nil), nil, Options{MaxInsts: 3})
	fn := p.AddFunction("f", 0x1000, 0, false)
	p.Parse(fn)
	if fn.NumInsts() != 3 {
		t.Errorf("insts = %d, want 3", fn.NumInsts())
	}
	if len(fn.Blocks()) != 1 {
		t.Errorf("blocks = %v", fn.Blocks())
	}
}

func TestParseStopsAtNonCode(t *testing.T) {
	// jmp to an unmapped address leaves a single block with no edges
	img := image([]byte{0xe9, 0xfb, 0x0f, 0x00, 0x00})
	p := NewProgram(img, nil, Options{})
	fn := p.AddFunction("f", 0x1000, 0, false)
	p.Parse(fn)
	if len(fn.Blocks()) != 1 || len(fn.Entry().Targets()) != 0 {
		t.Errorf("blocks = %v edges = %v", fn.Blocks(), edges(fn))
	}
}

func TestAddFunctionDedup(t *testing.T) {
	p := NewProgram(image(nil), nil, Options{})
	a := p.AddFunction("", 0x1000, 0, false)
	b := p.AddFunction("other", 0x1000, 8, true)
	if a != b || a.Name != "sub_1000" {
		t.Errorf("AddFunction = %v, %v", a, b)
	}
	if p.FunctionAt(0x1000) != a || p.FunctionAt(0x1001) != nil {
		t.Error("FunctionAt lookup mismatch")
	}
}

func TestEdgeTypeString(t *testing.T) {
	tests := []struct {
		t    EdgeType
		want string
	}{
		{Direct, "direct"},
		{CondNotTaken, "cond_not_taken"},
		{CallFT, "call_ft"},
		{Indirect, "indirect"},
		{EdgeType(42), "edge(42)"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestParseAllCanceled(t *testing.T) {
	p := NewProgram(image([]byte{0xc3}), nil, Options{})
	p.AddFunction("f", 0x1000, 0, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.ParseAll(ctx, 1); err == nil {
		t.Error("ParseAll with canceled context succeeded")
	}
}
