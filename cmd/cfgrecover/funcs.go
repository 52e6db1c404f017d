package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"cfgrecover/internal/elfx"
)

func cmdFuncs(args []string) error {
	fs := flag.NewFlagSet("funcs", flag.ExitOnError)
	bin := fs.String("bin", "", "path to ELF binary")
	verbose := fs.Bool("v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bin == "" {
		return fmt.Errorf("--bin is required")
	}
	setVerbose(*verbose)

	img, err := elfx.Open(*bin)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer img.Close()

	hints, err := selectFuncs(img, fs.Args())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, h := range hints {
		fmt.Fprintf(tw, "0x%x\t%d\t%s\n", h.Addr, h.Size, h.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: %s, %d functions\n", *bin, img.Arch(), len(hints))
	return nil
}
