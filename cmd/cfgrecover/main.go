package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	log.SetHandler(cli.New(os.Stderr))
	log.SetLevel(log.WarnLevel)

	var err error
	switch os.Args[1] {
	case "resolve":
		err = cmdResolve(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "funcs":
		err = cmdFuncs(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `cfgrecover: control-flow recovery with indirect branch resolution

Usage:
  cfgrecover resolve --bin <path> --out <dir>   Parse functions, resolve indirect jumps, write JSONL
  cfgrecover disasm  --bin <path> --out <dir>   Annotated disassembly per function
  cfgrecover funcs   --bin <path>               List function symbols

Flags:
  --bin <path>          ELF binary (x86, x86-64, AArch64)
  --out <dir>           Output directory
  --func <name|addr>    Restrict to one function (repeatable)
  --follow-calls        Parse direct call targets as functions
  --workers <n>         Parallel function parses (0 = GOMAXPROCS)
  --max-rounds <n>      Resolve/re-explore rounds per function
  --max-insts <n>       Instruction cap per function
  --dot                 Write per-function CFG and call graph DOT files
  -v                    Debug logging
`)
}

// setVerbose raises the log level for -v.
func setVerbose(v bool) {
	if v {
		log.SetLevel(log.DebugLevel)
	}
}
