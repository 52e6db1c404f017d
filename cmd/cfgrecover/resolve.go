package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/zboralski/lattice/render"

	"cfgrecover/internal/callgraph"
	"cfgrecover/internal/elfx"
	"cfgrecover/internal/output"
	cfgrender "cfgrecover/internal/render"
)

func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	var c common
	c.register(fs)
	dot := fs.Bool("dot", false, "write per-function CFG and call graph DOT files")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.check(); err != nil {
		return err
	}

	img, err := elfx.Open(c.bin)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer img.Close()

	p, an, err := recoverProgram(context.Background(), img, &c)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	diags := an.Diagnostics()
	if err := output.WriteResults(c.out, p, diags); err != nil {
		return err
	}
	printSummary(os.Stderr, output.Summarize(p, diags))

	if *dot {
		dir := filepath.Join(c.out, "cfg")
		for _, fn := range p.Functions() {
			text, err := cfgrender.CFGDOT(fn, img, cfgrender.NASA)
			if err != nil {
				return err
			}
			if text == "" {
				continue
			}
			if err := output.WriteDOT(dir, fmt.Sprintf("%s_%x", fn.Name, fn.Start), text); err != nil {
				return err
			}
		}
		title := filepath.Base(c.bin)
		if err := output.WriteDOT(c.out, "callgraph", render.DOT(callgraph.BuildCallGraph(p), title+" call graph")); err != nil {
			return err
		}
		if err := output.WriteDOT(c.out, "cfg", render.DOTCFG(callgraph.BuildCFG(p), title+" CFG")); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", c.out)
	return nil
}

// printSummary writes the run totals with diagnostic counts ordered by kind.
func printSummary(w io.Writer, s output.Summary) {
	fmt.Fprintf(w, "functions: %d, blocks: %d\n", s.Functions, s.Blocks)
	fmt.Fprintf(w, "indirect jumps: %d resolved (%d targets), %d unresolved\n",
		s.Resolved, s.Targets, s.Unresolved)
	for _, kind := range slices.Sorted(maps.Keys(s.Diagnostics)) {
		fmt.Fprintf(w, "  %-20s %d\n", kind, s.Diagnostics[kind])
	}
}
