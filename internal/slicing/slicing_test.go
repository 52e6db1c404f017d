package slicing

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"

	"cfgrecover/internal/arch"
	"cfgrecover/internal/cfg"
	"cfgrecover/internal/disasm"
	"cfgrecover/internal/elfx"
	"cfgrecover/internal/expr"
	"cfgrecover/internal/interval"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		a    arch.Arch
		code []byte
		want []string
		read int
		zext bool
	}{
		{"mov_table", arch.X86, []byte{0x8b, 0x0c, 0x83}, []string{"cx = load32(add(bx, mul(ax, 0x4)))"}, 4, true},
		{"movzx_byte", arch.X86, []byte{0x0f, 0xb6, 0x81, 0x00, 0x30, 0x00, 0x00}, []string{"ax = load8(add(cx, 0x3000))"}, 1, true},
		{"movsxd", arch.X86_64, []byte{0x48, 0x63, 0x04, 0x82}, []string{"ax = load32s(add(dx, mul(ax, 0x4)))"}, 4, false},
		{"lea_rip", arch.X86_64, []byte{0x48, 0x8d, 0x05, 0x10, 0x00, 0x00, 0x00}, []string{"ax = 0x17"}, 0, false},
		{"xor_self", arch.X86, []byte{0x31, 0xc0}, []string{"ax = 0x0"}, 0, false},
		{"shl", arch.X86, []byte{0xc1, 0xe0, 0x02}, []string{"ax = shl(ax, 0x2)"}, 0, false},
		{"add_reg", arch.X86, []byte{0x01, 0xd9}, []string{"cx = add(cx, bx)"}, 0, false},
		{"jmp_table", arch.X86, []byte{0xff, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00}, []string{"pc = load32(add(0x2000, mul(ax, 0x4)))"}, 4, true},
		{"jmp_reg", arch.X86_64, []byte{0xff, 0xe0}, []string{"pc = ax"}, 0, false},
		{"pop", arch.X86, []byte{0x5b}, []string{"bx = <nil>", "sp = <nil>"}, 0, false},
		{"high_byte", arch.X86, []byte{0x8a, 0xe3}, []string{"ax = <nil>"}, 0, false},
		{"cmp", arch.X86, []byte{0x83, 0xf8, 0x03}, nil, 0, false},
		{"call", arch.X86, []byte{0xe8, 0, 0, 0, 0}, []string{"ax = <nil>", "cx = <nil>", "dx = <nil>", "sp = <nil>"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := disasm.Decode(tt.a, tt.code, 0)
			if err != nil {
				t.Fatal(err)
			}
			as := Convert(inst, nil)
			var got []string
			for _, a := range as {
				got = append(got, a.Out.String()+" = "+a.Expr.String())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("%s: mismatch (-want +got):\n%s", inst.Text, diff)
			}
			if len(as) == 1 && (as[0].MemRead != tt.read || as[0].ZeroExtend != tt.zext) {
				t.Errorf("read = %d zext = %v, want %d %v", as[0].MemRead, as[0].ZeroExtend, tt.read, tt.zext)
			}
		})
	}
}

func parse(t *testing.T, a arch.Arch, code []byte) (*cfg.Function, *elfx.Image) {
	t.Helper()
	table := make([]byte, 0x40)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(table[i*4:], uint32(0x1100+i*0x10))
	}
	img := elfx.NewImage(a, binary.LittleEndian, []elfx.Segment{
		{Addr: 0x1000, Data: code, Exec: true},
		{Addr: 0x2000, Data: table},
	}, nil)
	p := cfg.NewProgram(img, nil, cfg.Options{})
	fn := p.AddFunction("f", 0x1000, 0, false)
	p.Parse(fn)
	return fn, img
}

// cmp eax, 3 ; ja out ; jmp [0x2000+eax*4] ; out: ret
var absSwitch = []byte{
	0x83, 0xf8, 0x03,
	0x77, 0x07,
	0xff, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00,
	0xc3,
}

func TestFormatAbsolute(t *testing.T) {
	fn, img := parse(t, arch.X86, absSwitch)
	blk := fn.BlockAt(0x1005)
	if blk == nil {
		t.Fatalf("no block at 0x1005: %v", fn.Blocks())
	}
	s := New(img, nil, Options{})
	start, err := s.Start(blk)
	if err != nil {
		t.Fatal(err)
	}
	pred := &Predicate{Kind: FormatPred}
	s.Backward(start, pred)
	if !pred.Found {
		t.Fatal("table not recognised")
	}
	if pred.Shape.Index != expr.Reg("ax") || pred.Shape.Base != 0x2000 || pred.Shape.Scale != 4 {
		t.Errorf("shape = %+v", pred.Shape)
	}
	if pred.IndexLoc == nil || pred.IndexLoc.Addr != 0x1005 {
		t.Errorf("index loc = %v, want the jump", pred.IndexLoc)
	}

	idx := &Predicate{Kind: IndexPred, Index: pred.Shape.Index, SearchControlDeps: true}
	s.Backward(*pred.IndexLoc, idx)
	if !idx.Exact {
		t.Fatalf("bound not exact: %+v", idx.Paths)
	}
	if want := interval.New(1, 0, 3); !idx.Bound.Equal(want) {
		t.Errorf("bound = %v, want %v", idx.Bound, want)
	}
}

// 32-bit PIC switch through a call/pop thunk:
//
//	0x1000 call 0x1005
//	0x1005 pop ebx
//	0x1006 add ebx, 0xffb
//	0x100c cmp eax, 3
//	0x100f ja 0x101b
//	0x1011 mov ecx, [ebx+eax*4]
//	0x1014 add ecx, ebx
//	0x1016 jmp ecx
var picSwitch = []byte{
	0xe8, 0x00, 0x00, 0x00, 0x00,
	0x5b,
	0x81, 0xc3, 0xfb, 0x0f, 0x00, 0x00,
	0x83, 0xf8, 0x03,
	0x77, 0x0a,
	0x8b, 0x0c, 0x83,
	0x01, 0xd9,
	0xff, 0xe1,
	0x90, 0x90, 0x90,
	0xc3,
}

func TestFormatPIC(t *testing.T) {
	fn, img := parse(t, arch.X86, picSwitch)
	blk := fn.BlockAt(0x1011)
	if blk == nil {
		t.Fatalf("no block at 0x1011: %v", fn.Blocks())
	}
	ov := map[uint64][]Assignment{
		0x1000: {},
		0x1005: {{Out: expr.Reg("bx"), Expr: expr.Const(0x1005)}},
	}
	s := New(img, ov, Options{})
	start, err := s.Start(blk)
	if err != nil {
		t.Fatal(err)
	}
	pred := &Predicate{Kind: FormatPred}
	s.Backward(start, pred)
	if !pred.Found {
		t.Fatalf("table not recognised, residual %v", pred.Residual)
	}
	want := expr.TableShape{Index: expr.Reg("ax"), Scale: 4, Base: 0x2000, Offset: 0x2000, Relative: true}
	got := pred.Shape
	got.Load = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if pred.IndexLoc == nil || pred.IndexLoc.Addr != 0x1011 {
		t.Errorf("index loc = %v", pred.IndexLoc)
	}
	if pred.MemLoc == nil || pred.MemLoc.MemRead != 4 {
		t.Errorf("mem loc = %v", pred.MemLoc)
	}

	idx := &Predicate{Kind: IndexPred, Index: expr.Reg("ax"), SearchControlDeps: true}
	s.Backward(*pred.IndexLoc, idx)
	if !idx.Exact || !idx.Bound.Equal(interval.New(1, 0, 3)) {
		t.Errorf("bound = %v exact %v", idx.Bound, idx.Exact)
	}

	// Without guards the index stays unbounded.
	idx = &Predicate{Kind: IndexPred, Index: expr.Reg("ax")}
	s.Backward(*pred.IndexLoc, idx)
	if idx.Exact {
		t.Errorf("unguarded bound = %v, want inexact", idx.Bound)
	}
}

func TestFormatConstTarget(t *testing.T) {
	// mov eax, 0x1008 ; jmp eax ; ... ; 0x1008: ret
	code := []byte{0xb8, 0x08, 0x10, 0x00, 0x00, 0xff, 0xe0, 0x90, 0xc3}
	fn, img := parse(t, arch.X86, code)
	s := New(img, nil, Options{})
	start, err := s.Start(fn.BlockAt(0x1000))
	if err != nil {
		t.Fatal(err)
	}
	pred := &Predicate{Kind: FormatPred}
	s.Backward(start, pred)
	if pred.Found {
		t.Error("constant target reported as table")
	}
	if diff := cmp.Diff([]uint64{0x1008}, pred.ConstAddrs); diff != "" {
		t.Errorf("const addrs (-want +got):\n%s", diff)
	}
}

func TestStartRejectsNonIndirect(t *testing.T) {
	fn, img := parse(t, arch.X86, []byte{0xc3})
	if _, err := New(img, nil, Options{}).Start(fn.Entry()); err == nil {
		t.Error("ret accepted as indirect jump")
	}
}

func TestRangeOf(t *testing.T) {
	ax := expr.Reg("ax")
	in := interval.New(1, 0, 5)
	tests := []struct {
		name     string
		e        *expr.Node
		in       *interval.StridedInterval
		byteRead bool
		want     interval.StridedInterval
		ok       bool
	}{
		{"var", expr.Var(ax), &in, false, in, true},
		{"unconstrained", expr.Var(ax), nil, false, interval.StridedInterval{}, false},
		{"const", expr.Const(7), nil, false, interval.Singleton(7), true},
		{"shift", expr.Add(expr.Var(ax), expr.Const(-2)), &in, false, interval.New(1, -2, 3), true},
		{"scale", expr.Mul(expr.Var(ax), expr.Const(4)), &in, false, interval.New(4, 0, 20), true},
		{"shl", expr.Shl(expr.Var(ax), expr.Const(3)), &in, false, interval.New(8, 0, 40), true},
		{"mask", expr.Bin(expr.OpAnd, expr.Var(ax), expr.Const(0xf)), nil, false, interval.New(1, 0, 15), true},
		{"zext-no-byte", expr.ZeroExt(expr.Var(ax), 1), nil, false, interval.StridedInterval{}, false},
		{"zext-byte", expr.ZeroExt(expr.Var(ax), 1), nil, true, interval.ByteBound, true},
		{"zext-inner", expr.ZeroExt(expr.Var(ax), 1), &in, false, in, true},
		{"byte-load", expr.Load(expr.Var(ax), 1, false), nil, true, interval.ByteBound, true},
		{"signed-byte-load", expr.Load(expr.Var(ax), 1, true), nil, true, interval.StridedInterval{}, false},
	}
	for _, tt := range tests {
		got, ok := RangeOf(tt.e, ax, tt.in, tt.byteRead)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("%s: range = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name  string
		paths []PathFacts
		want  interval.StridedInterval
		exact bool
	}{
		{"none", nil, interval.StridedInterval{}, false},
		{"single", []PathFacts{{Facts: []interval.StridedInterval{interval.New(1, 0, 9)}}}, interval.New(1, 0, 9), true},
		{"intersect", []PathFacts{{Facts: []interval.StridedInterval{interval.New(1, 0, 255), interval.New(1, 0, 9)}}}, interval.New(1, 0, 9), true},
		{"join", []PathFacts{
			{Facts: []interval.StridedInterval{interval.New(1, 0, 3)}},
			{Facts: []interval.StridedInterval{interval.Singleton(7)}},
		}, interval.New(1, 0, 7), true},
		{"path-without-fact", []PathFacts{
			{Facts: []interval.StridedInterval{interval.New(1, 0, 3)}},
			{},
		}, interval.StridedInterval{}, false},
		{"too-large", []PathFacts{{Facts: []interval.StridedInterval{interval.New(1, 0, 1000)}}}, interval.StridedInterval{}, false},
	}
	for _, tt := range tests {
		got, exact := Calculate(tt.paths)
		if exact != tt.exact {
			t.Errorf("%s: exact = %v, want %v", tt.name, exact, tt.exact)
			continue
		}
		if exact && !got.Equal(tt.want) {
			t.Errorf("%s: bound = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGuardRange(t *testing.T) {
	tests := []struct {
		op    x86asm.Op
		taken bool
		k     int64
		want  interval.StridedInterval
		ok    bool
	}{
		{x86asm.JA, false, 5, interval.New(1, 0, 5), true},
		{x86asm.JA, true, 5, interval.StridedInterval{}, false},
		{x86asm.JAE, false, 5, interval.New(1, 0, 4), true},
		{x86asm.JB, true, 5, interval.New(1, 0, 4), true},
		{x86asm.JBE, true, 5, interval.New(1, 0, 5), true},
		{x86asm.JE, true, 2, interval.Singleton(2), true},
		{x86asm.JNE, false, 2, interval.Singleton(2), true},
		{x86asm.JG, false, 5, interval.StridedInterval{}, false},
		{x86asm.JA, false, -1, interval.StridedInterval{}, false},
		{x86asm.JB, true, 0, interval.StridedInterval{}, false},
	}
	for _, tt := range tests {
		got, ok := guardRange(guard{op: tt.op, taken: tt.taken}, tt.k)
		if ok != tt.ok {
			t.Errorf("%v taken=%v k=%d: ok = %v, want %v", tt.op, tt.taken, tt.k, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("%v taken=%v k=%d: range = %v, want %v", tt.op, tt.taken, tt.k, got, tt.want)
		}
	}
}

// Two guarded predecessors join into a block that masks the index three
// times before the table jump:
//
//	0x1000 cmp eax, 7
//	0x1003 jbe 0x100b
//	0x1005 cmp eax, 3
//	0x1008 jbe 0x100b
//	0x100a ret
//	0x100b and eax, 0xf (x3)
//	0x1014 jmp [0x2000+eax*4]
var joinSwitch = []byte{
	0x83, 0xf8, 0x07,
	0x76, 0x06,
	0x83, 0xf8, 0x03,
	0x76, 0x01,
	0xc3,
	0x83, 0xe0, 0x0f,
	0x83, 0xe0, 0x0f,
	0x83, 0xe0, 0x0f,
	0xff, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00,
}

func TestIndexJoinKeepsPathFacts(t *testing.T) {
	fn, img := parse(t, arch.X86, joinSwitch)
	blk := fn.BlockAt(0x100b)
	if blk == nil {
		t.Fatalf("no block at 0x100b: %v", fn.Blocks())
	}
	s := New(img, nil, Options{})
	start, err := s.Start(blk)
	if err != nil {
		t.Fatal(err)
	}
	pred := &Predicate{Kind: FormatPred}
	s.Backward(start, pred)
	if !pred.Found || pred.IndexLoc == nil {
		t.Fatalf("table not recognised, residual %v", pred.Residual)
	}

	idx := &Predicate{Kind: IndexPred, Index: pred.Shape.Index, SearchControlDeps: true}
	s.Backward(*pred.IndexLoc, idx)
	if len(idx.Paths) != 2 {
		t.Fatalf("paths = %+v, want 2", idx.Paths)
	}
	for i, want := range []interval.StridedInterval{interval.New(1, 0, 7), interval.New(1, 0, 3)} {
		facts := idx.Paths[i].Facts
		if len(facts) == 0 || !facts[len(facts)-1].Equal(want) {
			t.Errorf("path %d facts = %v, want last %v", i, facts, want)
		}
	}
	if want := interval.New(1, 0, 7); !idx.Exact || !idx.Bound.Equal(want) {
		t.Errorf("bound = %v exact %v, want %v", idx.Bound, idx.Exact, want)
	}
}
