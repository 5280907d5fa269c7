package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/bittern-cache/pmem/internal/engine"
)

func cmdFormat(ctx context.Context, out, errOut *os.File, args []string) int {
	fs := flag.NewFlagSet("format", flag.ContinueOnError)
	fs.SetOutput(errOut)

	path := fs.StringP("path", "p", "", "path to the cache file or block device (required)")
	name := fs.String("name", "", "cache name stored in the header (default from config)")
	device := fs.String("device", "", "backing device name stored in the header (default from config)")
	deviceSize := fs.Int64("device-size", 0, "backing device size in bytes (0 skips the size check)")
	blocks := fs.Uint64("blocks", 0, "number of cache blocks (required)")
	blockDevice := fs.Bool("block-device", false, "format for the BlockDevice/Interleaved layout instead of DirectMemory/Sequential")
	configPath := fs.String("config", "", "path to a JWCC config file (default: .pmemctl.json in the working directory)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *path == "" || *blocks == 0 {
		fmt.Fprintln(errOut, "pmemctl format: --path and --blocks are required")
		fs.PrintDefaults()

		return 2
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(errOut, "pmemctl format:", err)

		return 1
	}

	cfg, cfgFile, err := LoadConfig(workDir, *configPath)
	if err != nil {
		fmt.Fprintln(errOut, "pmemctl format:", err)

		return 1
	}

	if cfgFile != "" {
		fmt.Fprintf(out, "using config %s\n", cfgFile)
	}

	cacheName := *name
	if cacheName == "" {
		cacheName = cfg.CacheName
	}

	deviceName := *device
	if deviceName == "" {
		deviceName = cfg.DeviceName
	}

	e, err := engine.Allocate(ctx, engine.FormatOptions{
		Path:            *path,
		CacheName:       cacheName,
		DeviceName:      deviceName,
		DeviceSizeBytes: *deviceSize,
		CacheBlocks:     *blocks,
		BlockDevice:     *blockDevice,
	})
	if err != nil {
		fmt.Fprintln(errOut, "pmemctl format:", err)

		return 1
	}
	defer e.Close() //nolint:errcheck

	if err := recordLastDevice(*path); err != nil {
		fmt.Fprintln(errOut, "pmemctl format:", err)

		return 1
	}

	hdr := e.Header()
	fmt.Fprintf(out, "formatted %s: layout=%s blocks=%d cache_size_bytes=%d uuid=%s\n",
		*path, hdr.CacheLayout, hdr.CacheBlocks, hdr.CacheSizeBytes, hdr.UUID)

	return 0
}
