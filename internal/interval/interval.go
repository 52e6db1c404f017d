// Package interval implements the strided-interval abstract domain used to
// bound jump-table index variables.
package interval

import "fmt"

// MaxEntries caps how many values a single interval enumerates. A table
// larger than this is treated as a misinterpretation rather than scanned.
const MaxEntries = 256

// StridedInterval denotes {Low, Low+Stride, Low+2*Stride, ...} ∩ [Low, High].
// Stride 0 denotes the singleton {Low}. Low > High denotes the empty set.
type StridedInterval struct {
	Stride int64
	Low    int64
	High   int64
}

var (
	// ScanBound is the conservative bound used when no dataflow bound exists.
	ScanBound = StridedInterval{Stride: 1, Low: 0, High: 255}
	// ByteBound is the range of a zero-extended one-byte read.
	ByteBound = StridedInterval{Stride: 1, Low: 0, High: 255}
	// VarArgBound bounds the index of a variable-argument dispatch jump.
	VarArgBound = StridedInterval{Stride: 1, Low: 0, High: 8}
)

// New returns the interval {low, low+stride, ...} ∩ [low, high].
// A negative stride is normalised to its absolute value.
func New(stride, low, high int64) StridedInterval {
	if stride < 0 {
		stride = -stride
	}
	return StridedInterval{Stride: stride, Low: low, High: high}
}

// Singleton returns {v}.
func Singleton(v int64) StridedInterval {
	return StridedInterval{Stride: 0, Low: v, High: v}
}

// Empty reports whether the interval contains no values.
func (s StridedInterval) Empty() bool {
	return s.Low > s.High
}

// Size returns the number of values in the interval.
func (s StridedInterval) Size() int64 {
	switch {
	case s.Empty():
		return 0
	case s.Stride == 0:
		return 1
	}
	return (s.High-s.Low)/s.Stride + 1
}

// Contains reports whether v is a member of the interval.
func (s StridedInterval) Contains(v int64) bool {
	if s.Empty() || v < s.Low || v > s.High {
		return false
	}
	if s.Stride == 0 {
		return v == s.Low
	}
	return (v-s.Low)%s.Stride == 0
}

// Each calls fn with every value in ascending order until fn returns false
// or MaxEntries values have been produced.
func (s StridedInterval) Each(fn func(v int64) bool) {
	if s.Empty() {
		return
	}
	if s.Stride == 0 {
		fn(s.Low)
		return
	}
	n := 0
	for v := s.Low; v <= s.High && n < MaxEntries; v += s.Stride {
		if !fn(v) {
			return
		}
		n++
		if v > s.High-s.Stride {
			// next step would overflow or pass High
			return
		}
	}
}

// Values returns the members of the interval in ascending order, capped at
// MaxEntries.
func (s StridedInterval) Values() []int64 {
	var out []int64
	s.Each(func(v int64) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Intersect returns the values of s that also lie in [o.Low, o.High]. The
// result keeps the stride of s, re-aligned to the new lower bound.
func (s StridedInterval) Intersect(o StridedInterval) StridedInterval {
	if s.Empty() || o.Empty() {
		return StridedInterval{Stride: 1, Low: 1, High: 0}
	}
	if s.Stride == 0 {
		if o.Low <= s.Low && s.Low <= o.High {
			return s
		}
		return StridedInterval{Stride: 1, Low: 1, High: 0}
	}
	low := s.Low
	if o.Low > low {
		low = s.Low + ceilDiv(o.Low-s.Low, s.Stride)*s.Stride
	}
	high := min(s.High, o.High)
	if low > high {
		return StridedInterval{Stride: 1, Low: 1, High: 0}
	}
	high = low + (high-low)/s.Stride*s.Stride
	if low == high {
		return Singleton(low)
	}
	return StridedInterval{Stride: s.Stride, Low: low, High: high}
}

// Join returns the smallest interval containing both s and o. The stride is
// the gcd of both strides and the distance between the lower bounds.
func (s StridedInterval) Join(o StridedInterval) StridedInterval {
	if s.Empty() {
		return o
	}
	if o.Empty() {
		return s
	}
	stride := gcd(gcd(s.Stride, o.Stride), abs(s.Low-o.Low))
	low := min(s.Low, o.Low)
	high := max(s.High, o.High)
	if low == high {
		return Singleton(low)
	}
	if stride == 0 {
		stride = 1
	}
	return StridedInterval{Stride: stride, Low: low, High: high}
}

// Shift returns {v + c : v in s}.
func (s StridedInterval) Shift(c int64) StridedInterval {
	if s.Empty() {
		return s
	}
	return StridedInterval{Stride: s.Stride, Low: s.Low + c, High: s.High + c}
}

// Scale returns {v * k : v in s}. k must be positive.
func (s StridedInterval) Scale(k int64) StridedInterval {
	if s.Empty() || k <= 0 {
		return s
	}
	return StridedInterval{Stride: s.Stride * k, Low: s.Low * k, High: s.High * k}
}

// Equal reports whether s and o denote the same set.
func (s StridedInterval) Equal(o StridedInterval) bool {
	if s.Empty() || o.Empty() {
		return s.Empty() == o.Empty()
	}
	if s.Size() == 1 || o.Size() == 1 {
		return s.Size() == o.Size() && s.Low == o.Low
	}
	return s == o
}

func (s StridedInterval) String() string {
	if s.Empty() {
		return "∅"
	}
	return fmt.Sprintf("%d[%d,%d]", s.Stride, s.Low, s.High)
}

func gcd(a, b int64) int64 {
	a, b = abs(a), abs(b)
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
