package main

import (
	"encoding/hex"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

func cmdHash(out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(errOut)

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "pmemctl hash: usage: pmemctl hash <file>")

		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(errOut, "pmemctl hash:", err)

		return 1
	}

	sum := pmemhash.Sum(data)
	fmt.Fprintln(out, hex.EncodeToString(sum[:]))

	return 0
}
