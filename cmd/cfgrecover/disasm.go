package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/disasm"
	"cfgrecover/internal/elfx"
	"cfgrecover/internal/output"
	"cfgrecover/internal/render"
)

func cmdDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	var c common
	c.register(fs)

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

	p, _, err := recoverProgram(context.Background(), img, &c)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	_, edges := output.Records(p)
	targets := make(map[uint64][]uint64, len(edges))
	for _, e := range edges {
		targets[e.Branch] = e.Targets
	}
	names := make(map[uint64]string)
	for _, fn := range p.Functions() {
		names[fn.Start] = fn.Name
	}
	lookup := disasm.MapLookup(names)
	annotators := []disasm.Annotator{
		disasm.TableAnnotator(targets),
		disasm.ThunkAnnotator(img),
		disasm.TargetAnnotator(lookup),
	}

	written := 0
	for _, fn := range p.Functions() {
		insts, err := functionInsts(img, fn)
		if err != nil {
			return err
		}
		if len(insts) == 0 {
			continue
		}
		name := fmt.Sprintf("%s_%x", fn.Name, fn.Start)
		if err := output.WriteASM(c.out, name, insts, lookup, annotators...); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written++
	}
	fmt.Fprintf(os.Stderr, "wrote %d functions to %s/asm\n", written, c.out)
	return nil
}

// functionInsts decodes every block of fn in address order.
func functionInsts(src cfg.CodeSource, fn *cfg.Function) ([]disasm.Inst, error) {
	fn.Lock()
	blocks := fn.Blocks()
	fn.Unlock()
	var out []disasm.Inst
	for _, b := range blocks {
		insts, err := render.BlockInsts(src, b)
		if err != nil {
			return nil, err
		}
		out = append(out, insts...)
	}
	return out, nil
}
