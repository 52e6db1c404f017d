package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"cfgrecover/internal/cfg"
	"cfgrecover/internal/elfx"
	"cfgrecover/internal/indirect"
)

// funcList collects repeated --func flags.
type funcList []string

func (f *funcList) String() string { return strings.Join(*f, ",") }

func (f *funcList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// common holds the flags shared by resolve and disasm.
type common struct {
	bin       string
	out       string
	funcs     funcList
	follow    bool
	workers   int
	maxRounds int
	maxInsts  int
	verbose   bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.bin, "bin", "", "path to ELF binary")
	fs.StringVar(&c.out, "out", "", "output directory")
	fs.Var(&c.funcs, "func", "function name or address (repeatable)")
	fs.BoolVar(&c.follow, "follow-calls", false, "parse direct call targets as functions")
	fs.IntVar(&c.workers, "workers", 0, "parallel function parses (0 = GOMAXPROCS)")
	fs.IntVar(&c.maxRounds, "max-rounds", 0, "resolve rounds per function (0 = default)")
	fs.IntVar(&c.maxInsts, "max-insts", 0, "instruction cap per function (0 = default)")
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
}

func (c *common) check() error {
	if c.bin == "" || c.out == "" {
		return fmt.Errorf("--bin and --out are required")
	}
	setVerbose(c.verbose)
	return nil
}

// parseAddr accepts hex with a 0x prefix or decimal.
func parseAddr(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// selectFuncs resolves --func arguments against the symbol table. With no
// arguments every function symbol is selected, falling back to the entry
// point for stripped binaries.
func selectFuncs(img *elfx.Image, args []string) ([]elfx.Hint, error) {
	if len(args) == 0 {
		if hints := img.Functions(); len(hints) > 0 {
			return hints, nil
		}
		if img.Entry() == 0 {
			return nil, errors.New("no function symbols and no entry point")
		}
		return []elfx.Hint{{Name: "_start", Addr: img.Entry()}}, nil
	}
	var out []elfx.Hint
	for _, a := range args {
		if h, ok := img.Lookup(a); ok {
			out = append(out, h)
			continue
		}
		addr, err := parseAddr(a)
		if err != nil {
			return nil, errors.Errorf("unknown function %q", a)
		}
		if !img.IsCode(addr) {
			return nil, errors.Errorf("0x%x is not in an executable segment", addr)
		}
		h := elfx.Hint{Addr: addr}
		if start, size, ok := img.FuncHint(addr); ok && start == addr {
			h.Size = size
		}
		if name, ok := img.Name(addr); ok {
			h.Name = name
		}
		out = append(out, h)
	}
	return out, nil
}

// recoverProgram parses the selected functions of img with the indirect resolver
// wired in.
func recoverProgram(ctx context.Context, img *elfx.Image, c *common) (*cfg.Program, *indirect.Analyzer, error) {
	hints, err := selectFuncs(img, c.funcs)
	if err != nil {
		return nil, nil, err
	}
	logger := log.WithField("bin", c.bin)
	an := indirect.New(img, indirect.Options{Logger: logger})
	p := cfg.NewProgram(img, an, cfg.Options{
		Workers:     c.workers,
		MaxInsts:    c.maxInsts,
		MaxRounds:   c.maxRounds,
		FollowCalls: c.follow,
		Logger:      logger,
	})
	for _, h := range hints {
		p.AddFunction(h.Name, h.Addr, h.Size, len(c.funcs) == 0)
	}
	fmt.Fprintf(os.Stderr, "%s: %s, %d functions\n", c.bin, img.Arch(), len(hints))

	if err := p.ParseAll(ctx, c.workers); err != nil {
		return nil, nil, err
	}
	return p, an, nil
}
