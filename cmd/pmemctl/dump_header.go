package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/bittern-cache/pmem/internal/engine"
)

func cmdDumpHeader(ctx context.Context, out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("dump-header", flag.ContinueOnError)
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
			fmt.Fprintln(errOut, "pmemctl dump-header:", lastErr)

			return 1
		}

		if last == "" {
			fmt.Fprintln(errOut, "pmemctl dump-header: --path is required (no last-known device recorded)")
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
		fmt.Fprintln(errOut, "pmemctl dump-header:", err)

		return 1
	}
	defer e.Close() //nolint:errcheck

	if err := recordLastDevice(*path); err != nil {
		fmt.Fprintln(errOut, "pmemctl dump-header:", err)

		return 1
	}

	hdr := e.Header()
	fmt.Fprintf(out, "name:              %s\n", hdr.Name)
	fmt.Fprintf(out, "uuid:              %s\n", hdr.UUID)
	fmt.Fprintf(out, "device_name:       %s\n", hdr.DeviceName)
	fmt.Fprintf(out, "device_uuid:       %s\n", hdr.DeviceUUID)
	fmt.Fprintf(out, "cache_layout:      %s\n", hdr.CacheLayout)
	fmt.Fprintf(out, "cache_blocks:      %d\n", hdr.CacheBlocks)
	fmt.Fprintf(out, "cache_block_size:  %d\n", hdr.CacheBlockSize)
	fmt.Fprintf(out, "mcb_size_bytes:    %d\n", hdr.McbSizeBytes)
	fmt.Fprintf(out, "cache_size_bytes:  %d\n", hdr.CacheSizeBytes)
	fmt.Fprintf(out, "first_offset:      %d\n", hdr.FirstOffset)
	fmt.Fprintf(out, "first_data_offset: %d\n", hdr.FirstDataOffset)
	fmt.Fprintf(out, "xid_first:         %d\n", hdr.XidFirst)
	fmt.Fprintf(out, "xid_current:       %d\n", hdr.XidCurrent)
	fmt.Fprintf(out, "api_name:          %s\n", e.ApiName())

	return 0
}
