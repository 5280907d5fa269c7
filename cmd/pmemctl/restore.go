package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/bittern-cache/pmem/internal/engine"
)

func cmdRestore(ctx context.Context, out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(errOut)

	path := fs.StringP("path", "p", "", "path to the cache file or block device (required)")
	blockDevice := fs.Bool("block-device", false, "treat path as a BlockDevice/Interleaved cache instead of auto-detecting")
	auto := fs.Bool("auto", true, "auto-detect block-device vs. regular file from the file mode")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *path == "" {
		last, lastErr := readLastDevice()
		if lastErr != nil {
			fmt.Fprintln(errOut, "pmemctl restore:", lastErr)

			return 1
		}

		if last == "" {
			fmt.Fprintln(errOut, "pmemctl restore: --path is required (no last-known device recorded)")
			fs.PrintDefaults()

			return 2
		}

		*path = last
		fmt.Fprintf(out, "using last-known device %s\n", *path)
	}

	var (
		e   *engine.Engine
		err error
	)

	if *auto && !*blockDevice {
		e, err = engine.OpenAuto(ctx, *path)
	} else {
		e, err = engine.Open(ctx, *path, *blockDevice)
	}

	if err != nil {
		fmt.Fprintln(errOut, "pmemctl restore:", err)

		return 1
	}
	defer e.Close() //nolint:errcheck

	if err := recordLastDevice(*path); err != nil {
		fmt.Fprintln(errOut, "pmemctl restore:", err)

		return 1
	}

	fmt.Fprintln(out, e.RestoreStats().String())

	return 0
}
