package interval

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValues(t *testing.T) {
	tests := []struct {
		name string
		in   StridedInterval
		want []int64
	}{
		{"stride4", New(4, 0, 12), []int64{0, 4, 8, 12}},
		{"truncated", New(4, 0, 14), []int64{0, 4, 8, 12}},
		{"offset", New(3, 5, 11), []int64{5, 8, 11}},
		{"singleton", Singleton(7), []int64{7}},
		{"stride0", StridedInterval{Stride: 0, Low: 3, High: 100}, []int64{3}},
		{"empty", StridedInterval{Stride: 1, Low: 2, High: 1}, nil},
		{"negative", New(2, -4, 0), []int64{-4, -2, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Values()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Values() mismatch (-want +got):\n%s", diff)
			}
			if int64(len(got)) != tt.in.Size() {
				t.Errorf("Size() = %d, len(Values()) = %d", tt.in.Size(), len(got))
			}
		})
	}
}

func TestValues_Capped(t *testing.T) {
	got := New(1, 0, 100000).Values()
	if len(got) != MaxEntries {
		t.Fatalf("len = %d, want %d", len(got), MaxEntries)
	}
	if got[len(got)-1] != MaxEntries-1 {
		t.Errorf("last = %d, want %d", got[len(got)-1], MaxEntries-1)
	}
	if n := len(ScanBound.Values()); n != 256 {
		t.Errorf("ScanBound values = %d, want 256", n)
	}
	if n := len(VarArgBound.Values()); n != 9 {
		t.Errorf("VarArgBound values = %d, want 9", n)
	}
}

func TestValues_NoOverflow(t *testing.T) {
	const maxInt = int64(^uint64(0) >> 1)
	got := New(1<<62, maxInt-(1<<62), maxInt).Values()
	if len(got) != 2 {
		t.Fatalf("values = %v, want 2 entries", got)
	}
}

func TestEach_StopsEarly(t *testing.T) {
	var seen []int64
	New(1, 0, 10).Each(func(v int64) bool {
		seen = append(seen, v)
		return v < 2
	})
	if diff := cmp.Diff([]int64{0, 1, 2}, seen); diff != "" {
		t.Errorf("Each mismatch (-want +got):\n%s", diff)
	}
}

func TestContains(t *testing.T) {
	s := New(4, 0, 12)
	for _, v := range []int64{0, 4, 8, 12} {
		if !s.Contains(v) {
			t.Errorf("Contains(%d) = false", v)
		}
	}
	for _, v := range []int64{-4, 1, 13, 16} {
		if s.Contains(v) {
			t.Errorf("Contains(%d) = true", v)
		}
	}
	if !Singleton(5).Contains(5) || Singleton(5).Contains(6) {
		t.Error("singleton membership wrong")
	}
}

func TestIntersect(t *testing.T) {
	tests := []struct {
		a, b StridedInterval
		want StridedInterval
	}{
		{New(4, 0, 40), New(1, 5, 20), New(4, 8, 20)},
		{New(1, 0, 255), New(1, 0, 7), New(1, 0, 7)},
		{Singleton(3), New(1, 0, 7), Singleton(3)},
		{New(4, 0, 40), New(1, 41, 50), StridedInterval{Stride: 1, Low: 1, High: 0}},
		{New(4, 0, 40), New(1, 2, 5), Singleton(4)},
	}
	for _, tt := range tests {
		got := tt.a.Intersect(tt.b)
		if !got.Equal(tt.want) {
			t.Errorf("%v ∩ %v = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		a, b StridedInterval
		want StridedInterval
	}{
		{Singleton(0), Singleton(4), New(4, 0, 4)},
		{New(4, 0, 8), New(4, 12, 16), New(4, 0, 16)},
		{New(4, 0, 8), New(2, 10, 12), New(2, 0, 12)},
		{StridedInterval{Stride: 1, Low: 1, High: 0}, New(1, 3, 4), New(1, 3, 4)},
	}
	for _, tt := range tests {
		got := tt.a.Join(tt.b)
		if !got.Equal(tt.want) {
			t.Errorf("%v ⊔ %v = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	if got := New(4, 0, 12).String(); got != "4[0,12]" {
		t.Errorf("String() = %q", got)
	}
	if got := (StridedInterval{Stride: 1, Low: 1, High: 0}).String(); got != "∅" {
		t.Errorf("String() = %q", got)
	}
}

func TestShiftScale(t *testing.T) {
	s := New(1, 0, 5)
	if got := s.Shift(3); !got.Equal(New(1, 3, 8)) {
		t.Errorf("Shift(3) = %v, want 1[3,8]", got)
	}
	if got := s.Scale(4); !got.Equal(New(4, 0, 20)) {
		t.Errorf("Scale(4) = %v, want 4[0,20]", got)
	}
	if got := Singleton(2).Scale(8); !got.Equal(Singleton(16)) {
		t.Errorf("singleton Scale(8) = %v", got)
	}
	empty := New(1, 1, 0)
	if !empty.Shift(5).Empty() || !empty.Scale(2).Empty() {
		t.Error("empty interval must stay empty")
	}
}
