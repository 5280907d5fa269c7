// Command pmemctl formats, inspects, and restores bittern-cache PMEM
// caches from the command line: the Go equivalent of the original's
// bc_tool/bc_hash, built the teacher pack's way — one FlagSet per
// subcommand, parsed with spf13/pflag.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	if len(args) == 0 {
		printUsage(errOut)

		return 2
	}

	ctx := context.Background()

	switch args[0] {
	case "format":
		return cmdFormat(ctx, out, errOut, args[1:])
	case "dump-header":
		return cmdDumpHeader(ctx, out, errOut, args[1:])
	case "restore":
		return cmdRestore(ctx, out, errOut, args[1:])
	case "hash":
		return cmdHash(out, errOut, args[1:])
	case "-h", "--help", "help":
		printUsage(out)

		return 0
	default:
		fmt.Fprintf(errOut, "pmemctl: unknown command %q\n", args[0])
		printUsage(errOut)

		return 2
	}
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `Usage: pmemctl <command> [flags]

Commands:
  format        format a new cache device/file
  dump-header   print the adopted header of an existing cache
  restore       run the mount-time restore pass and print its counters
  hash          print the HighwayHash-128 digest of a file's bytes

Run "pmemctl <command> -h" for flags specific to a command.
`)
}
