// Package diag records non-fatal issues encountered while recovering control
// flow. Nothing in the resolver fails hard; every degradation lands here.
package diag

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Kind classifies a diagnostic.
type Kind string

const (
	UnrecognizedShape Kind = "unrecognized_shape"
	UnreadableBlock   Kind = "unreadable_block"
	UnboundedIndex    Kind = "unbounded_index"
	BadTarget         Kind = "bad_target"
	OutOfRange        Kind = "out_of_range"
	NonMonotonic      Kind = "non_monotonic"
	DecodeFailed      Kind = "decode_failed"
)

// Diag records one issue at a code address.
type Diag struct {
	Addr uint64 `json:"addr"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics. It is safe for concurrent use since parser
// workers share one instance per program.
type Diags struct {
	mu    sync.Mutex
	items []Diag
	seen  mapset.Set[Diag]
}

// Add records a diagnostic. A branch retried in a later parse round reports
// the same issue again; identical repeats are dropped.
func (d *Diags) Add(addr uint64, kind Kind, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = mapset.NewThreadUnsafeSet[Diag]()
	}
	it := Diag{Addr: addr, Kind: kind, Msg: msg}
	if !d.seen.Add(it) {
		return
	}
	d.items = append(d.items, it)
}

func (d *Diags) Addf(addr uint64, kind Kind, format string, args ...any) {
	d.Add(addr, kind, fmt.Sprintf(format, args...))
}

// Items returns a copy of the recorded diagnostics.
func (d *Diags) Items() []Diag {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Diag, len(d.items))
	copy(out, d.items)
	return out
}

func (d *Diags) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Count returns how many diagnostics of the given kind were recorded.
func (d *Diags) Count(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}
