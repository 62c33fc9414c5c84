// Command yakvdb-bench is a CLI benchmark and inspection driver for a
// yakvdb store. It reaches the store only through the public Store API, the
// way any external collaborator would; the one internal package it imports
// is randkey, to generate data for the load subcommand.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/hmarui66/yakvdb"
	"github.com/hmarui66/yakvdb/internal/randkey"
)

const usage = `Usage: yakvdb-bench <command> [options]

Commands:
  put <file> <key> <value>   Insert or update one entry
  get <file> <key>           Look up one entry
  del <file> <key>           Remove one entry
  dump <file> [--raw]        Print a pre-order listing of the whole tree,
                              or raw page bytes with --raw
  check <file>                Verify every parent/child separator invariant
  load <file>                 Populate a fresh file with random entries
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	if len(args) == 0 {
		fmt.Fprint(errOut, usage)
		return 1
	}

	switch args[0] {
	case "put":
		return cmdPut(out, errOut, args[1:])
	case "get":
		return cmdGet(out, errOut, args[1:])
	case "del":
		return cmdDel(out, errOut, args[1:])
	case "dump":
		return cmdDump(out, errOut, args[1:])
	case "check":
		return cmdCheck(out, errOut, args[1:])
	case "load":
		return cmdLoad(out, errOut, args[1:])
	default:
		fmt.Fprintf(errOut, "unknown command %q\n\n%s", args[0], usage)
		return 1
	}
}

func cmdPut(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 3 {
		fmt.Fprintln(errOut, "usage: yakvdb-bench put <file> <key> <value>")
		return 1
	}

	s, err := yakvdb.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer s.Close()

	if err := s.Insert([]byte(fs.Arg(1)), []byte(fs.Arg(2))); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

func cmdGet(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "usage: yakvdb-bench get <file> <key>")
		return 1
	}

	s, err := yakvdb.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer s.Close()

	val, err := s.Lookup([]byte(fs.Arg(1)))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	if val == nil {
		fmt.Fprintln(errOut, "not found")
		return 1
	}
	fmt.Fprintln(out, string(val))
	return 0
}

func cmdDel(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("del", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "usage: yakvdb-bench del <file> <key>")
		return 1
	}

	s, err := yakvdb.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer s.Close()

	if err := s.Remove([]byte(fs.Arg(1))); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

func cmdDump(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(errOut)
	raw := fs.Bool("raw", false, "render raw page bytes as a hex dump instead of the parsed tree listing")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: yakvdb-bench dump <file> [--raw]")
		return 1
	}

	s, err := yakvdb.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer s.Close()

	if *raw {
		if err := s.DumpRaw(out); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
		return 0
	}

	if err := s.Dump(out); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

func cmdCheck(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: yakvdb-bench check <file>")
		return 1
	}

	s, err := yakvdb.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer s.Close()

	if err := s.Check(); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	fmt.Fprintln(out, "ok")
	return 0
}

func cmdLoad(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	fs.SetOutput(errOut)
	count := fs.IntP("count", "n", 1000, "number of entries to generate")
	keyLen := fs.Int("key-len", 8, "key length in bytes")
	valLen := fs.Int("val-len", 8, "value length in bytes")
	pageBytes := fs.Uint32P("page-bytes", "p", 4096, "fixed page size for a freshly created file")
	seed := fs.Int64P("seed", "s", 42, "random seed")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: yakvdb-bench load <file> [options]")
		return 1
	}

	path := fs.Arg(0)
	s, err := yakvdb.Make(path, *pageBytes)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer s.Close()

	gen := randkey.New(*seed)
	for _, kv := range gen.KV(*count, *keyLen, *valLen) {
		if err := s.Insert(kv[0], kv[1]); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}
	fmt.Fprintf(out, "loaded %d entries into %s\n", *count, path)
	return 0
}
