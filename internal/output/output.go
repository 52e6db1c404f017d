// Package output writes recovery results to files.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"cfgrecover/internal/callgraph"
	"cfgrecover/internal/cfg"
	"cfgrecover/internal/diag"
	"cfgrecover/internal/disasm"
)

// FuncRecord summarises one parsed function.
type FuncRecord struct {
	Name       string   `json:"name"`
	Start      uint64   `json:"start"`
	Size       uint64   `json:"size,omitempty"`
	FromHint   bool     `json:"from_hint,omitempty"`
	Blocks     int      `json:"blocks"`
	Insts      int      `json:"insts"`
	Resolved   int      `json:"resolved"`
	Unresolved []uint64 `json:"unresolved,omitempty"`
}

// IndirectRecord lists the resolved targets of one indirect branch.
type IndirectRecord struct {
	Func    string   `json:"func"`
	Branch  uint64   `json:"branch"`
	Targets []uint64 `json:"targets"`
}

// Summary totals a run.
type Summary struct {
	Arch        string         `json:"arch"`
	Functions   int            `json:"functions"`
	Blocks      int            `json:"blocks"`
	Resolved    int            `json:"resolved"`
	Unresolved  int            `json:"unresolved"`
	Targets     int            `json:"targets"`
	Diagnostics map[string]int `json:"diagnostics,omitempty"`
}

// Records builds the per-function and per-branch records of p in address
// order.
func Records(p *cfg.Program) ([]FuncRecord, []IndirectRecord) {
	var funcs []FuncRecord
	var edges []IndirectRecord
	for _, fn := range p.Functions() {
		fn.Lock()
		funcs = append(funcs, FuncRecord{
			Name:       fn.Name,
			Start:      fn.Start,
			Size:       fn.Size,
			FromHint:   fn.FromHint,
			Blocks:     len(fn.Blocks()),
			Insts:      fn.NumInsts(),
			Resolved:   len(fn.Resolved()),
			Unresolved: fn.Unresolved(),
		})
		branches := make([]uint64, 0, len(fn.Resolved()))
		for a := range fn.Resolved() {
			branches = append(branches, a)
		}
		sort.Slice(branches, func(i, j int) bool { return branches[i] < branches[j] })
		for _, a := range branches {
			rec := IndirectRecord{Func: fn.Name, Branch: a, Targets: []uint64{}}
			for _, e := range fn.Resolved()[a] {
				rec.Targets = append(rec.Targets, e.Target)
			}
			edges = append(edges, rec)
		}
		fn.Unlock()
	}
	return funcs, edges
}

// Summarize totals p and its diagnostics.
func Summarize(p *cfg.Program, diags []diag.Diag) Summary {
	s := Summary{Arch: p.Src.Arch().String()}
	for _, fn := range p.Functions() {
		fs := callgraph.Summarize(fn)
		s.Functions++
		s.Blocks += fs.Blocks
		s.Resolved += fs.Resolved
		s.Unresolved += fs.Unresolved
		s.Targets += fs.Targets
	}
	if len(diags) > 0 {
		s.Diagnostics = make(map[string]int)
		for _, d := range diags {
			s.Diagnostics[string(d.Kind)]++
		}
	}
	return s
}

// WriteResults writes functions.jsonl, indirect.jsonl, diagnostics.jsonl
// and summary.json into dir.
func WriteResults(dir string, p *cfg.Program, diags []diag.Diag) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	funcs, edges := Records(p)
	if err := writeJSONL(filepath.Join(dir, "functions.jsonl"), funcs); err != nil {
		return err
	}
	if err := writeJSONL(filepath.Join(dir, "indirect.jsonl"), edges); err != nil {
		return err
	}
	if err := writeJSONL(filepath.Join(dir, "diagnostics.jsonl"), diags); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "summary.json"), Summarize(p, diags))
}

// EncodeJSONL writes one JSON object per line.
func EncodeJSONL[T any](w io.Writer, recs []T) error {
	enc := json.NewEncoder(w)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return fmt.Errorf("output: encode: %w", err)
		}
	}
	return nil
}

// WriteASM writes disassembled instructions to asm/<name>.txt.
func WriteASM(dir string, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}

	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// WriteDOT writes a DOT graph to <name>.dot in dir.
func WriteDOT(dir, name, dot string) error {
	path := filepath.Join(dir, name+".dot")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	return os.WriteFile(path, []byte(dot), 0644)
}

func writeJSONL[T any](path string, recs []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()
	if err := EncodeJSONL(f, recs); err != nil {
		return fmt.Errorf("output: %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
