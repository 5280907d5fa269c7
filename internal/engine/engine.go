// Package engine implements the PMEM engine facade (spec §4's component
// 7): it selects a storage provider at open time, owns the header
// manager and its periodic updater, and dispatches every engine
// operation of spec.md §6 to the chosen provider, maintaining the
// statistics counters of §4.8 along the way. Re-exported as the module's
// root package, github.com/bittern-cache/pmem.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/pmemheader"
	"github.com/bittern-cache/pmem/internal/provider"
	"github.com/bittern-cache/pmem/internal/provider/blockdev"
	"github.com/bittern-cache/pmem/internal/provider/directmem"
	"github.com/bittern-cache/pmem/internal/reqctx"
	"github.com/bittern-cache/pmem/internal/restore"
	"github.com/bittern-cache/pmem/internal/stats"
	"github.com/bittern-cache/pmem/pkg/fs"
)

// ErrIO is passed to the completion callback of the Engine calls that take
// one once the header manager has entered its terminal ErrorFailAll state
// (spec §4.5/§7).
var ErrIO = errors.New("engine: header manager has failed, engine is in ErrorFailAll state")

// FormatOptions configures Allocate (spec §4.1/§6: cache creation).
type FormatOptions struct {
	Path            string
	CacheName       string
	DeviceName      string
	DeviceSizeBytes int64
	CacheBlocks     uint64
	BlockDevice     bool // true selects Interleaved/BlockDevice; false selects Sequential/DirectMemory
}

// Engine is the open-cache handle the upper cache-policy layer drives.
type Engine struct {
	prov   provider.Provider
	geom   layout.Geometry
	hdrMgr *pmemheader.Manager

	mapPool    *reqctx.Pool
	workerPool *reqctx.Pool

	stats        stats.Counters
	restoreStats stats.RestoreCounters
}

func mcbSizeFor(blockDevice bool) uint64 {
	if blockDevice {
		return layout.Page
	}

	return layout.PackedMetaSize
}

func layoutKindFor(blockDevice bool) layout.Kind {
	if blockDevice {
		return layout.Interleaved
	}

	return layout.Sequential
}

// Allocate formats a brand-new cache at opts.Path: writes both header
// copies and initializes every block's metadata to Invalid, then opens
// it as Open would. It uses pkg/fs.NewReal() to touch the filesystem; use
// AllocateWithFS to format against a test double such as pkg/fs.Chaos.
func Allocate(ctx context.Context, opts FormatOptions) (*Engine, error) {
	return AllocateWithFS(ctx, fs.NewReal(), opts)
}

// AllocateWithFS is Allocate against an explicit fsys.
func AllocateWithFS(ctx context.Context, fsys fs.FS, opts FormatOptions) (*Engine, error) {
	kind := layoutKindFor(opts.BlockDevice)
	mcb := mcbSizeFor(opts.BlockDevice)

	geom, err := layout.NewGeometry(kind, mcb, opts.CacheBlocks, opts.DeviceSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("engine: allocate: %w", err)
	}

	if err := sizeFile(opts.Path, geom.CacheSizeBytes()); err != nil {
		return nil, fmt.Errorf("engine: allocate: %w", err)
	}

	prov, err := openProvider(fsys, opts.Path, geom, opts.BlockDevice)
	if err != nil {
		return nil, fmt.Errorf("engine: allocate: %w", err)
	}

	hdr := pmemformat.Header{
		Version:         pmemformat.HeaderVersion,
		HeaderSizeBytes: pmemformat.HeaderSize,
		CacheLayout:     kind,
		CacheBlocks:     geom.Blocks(),
		CacheBlockSize:  layout.Page,
		McbSizeBytes:    geom.McbSize(),
		CacheSizeBytes:  uint64(geom.CacheSizeBytes()), //nolint:gosec
		FirstOffset:     uint64(geom.FirstOffset()),     //nolint:gosec
		FirstDataOffset: uint64(geom.FirstDataOffset()), //nolint:gosec
		UUID:            uuid.New(),
		Name:            opts.CacheName,
		DeviceUUID:      uuid.New(),
		DeviceName:      opts.DeviceName,
		XidFirst:        1,
		XidCurrent:      1,
	}

	buf, err := hdr.Encode()
	if err != nil {
		_ = prov.Close()

		return nil, fmt.Errorf("engine: allocate: encode header: %w", err)
	}

	if err := prov.WriteSync(ctx, pmemformat.Header0Offset, buf); err != nil {
		_ = prov.Close()

		return nil, fmt.Errorf("engine: allocate: write H0: %w", err)
	}

	if err := prov.WriteSync(ctx, pmemformat.Header1Offset, buf); err != nil {
		_ = prov.Close()

		return nil, fmt.Errorf("engine: allocate: write H1: %w", err)
	}

	if err := initializeAllBlocks(ctx, prov, geom); err != nil {
		_ = prov.Close()

		return nil, fmt.Errorf("engine: allocate: %w", err)
	}

	if err := prov.Close(); err != nil {
		return nil, fmt.Errorf("engine: allocate: %w", err)
	}

	return OpenWithFS(ctx, fsys, opts.Path, opts.BlockDevice)
}

func initializeAllBlocks(ctx context.Context, prov provider.Provider, geom layout.Geometry) error {
	meta := pmemformat.BlockMetadata{
		State:        pmemformat.StateInvalid,
		DeviceSector: pmemformat.InvalidSector,
	}

	for block := uint64(1); block <= geom.Blocks(); block++ {
		meta.BlockID = block
		buf := meta.Encode()

		physical := make([]byte, geom.McbSize())
		copy(physical, buf)

		if err := prov.WriteSync(ctx, geom.MetaOffset(block), physical); err != nil {
			return fmt.Errorf("initialize block %d: %w", block, err)
		}
	}

	return nil
}

func sizeFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open/create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", path, size, err)
	}

	return nil
}

func openProvider(fsys fs.FS, path string, geom layout.Geometry, blockDevice bool) (provider.Provider, error) {
	if blockDevice {
		return blockdev.Open(fsys, path, geom)
	}

	return directmem.Open(fsys, path, geom)
}

func detectBlockDevice(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	return info.Mode()&os.ModeDevice != 0, nil
}

// Open opens an already-formatted cache at path, running the restore
// engine and starting the header manager's periodic updater. It uses
// pkg/fs.NewReal(); use OpenWithFS to open against a test double.
// blockDevice selects which provider/layout to assume; pass the value
// detectBlockDevice(path) would report, or let Open auto-detect by
// passing -1-equivalent via OpenAuto.
func Open(ctx context.Context, path string, blockDevice bool) (*Engine, error) {
	return OpenWithFS(ctx, fs.NewReal(), path, blockDevice)
}

// OpenWithFS is Open against an explicit fsys.
func OpenWithFS(ctx context.Context, fsys fs.FS, path string, blockDevice bool) (*Engine, error) {
	// A geometry of one block only sizes the *first* provider instance,
	// opened just far enough to read the fixed-offset header copies and
	// learn the cache's real block count. directmem needs this two-step
	// open because its mmap length is fixed at Open time; blockdev's
	// Pread/Pwrite have no such constraint but go through the same path
	// for one code path across both providers.
	probeGeom, err := layout.NewGeometry(layoutKindFor(blockDevice), mcbSizeFor(blockDevice), 1, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	probeProv, err := openProvider(fsys, path, probeGeom, blockDevice)
	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	peeked, _, err := restore.PeekHeader(ctx, probeProv)
	closeErr := probeProv.Close()

	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	if closeErr != nil {
		return nil, fmt.Errorf("engine: open: %w", closeErr)
	}

	geom, err := layout.NewGeometry(peeked.CacheLayout, peeked.McbSizeBytes, peeked.CacheBlocks, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: open: header describes invalid geometry: %w", err)
	}

	prov, err := openProvider(fsys, path, geom, blockDevice)
	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	outcome, err := restore.Restore(ctx, prov)
	if err != nil {
		_ = prov.Close()

		return nil, fmt.Errorf("engine: open: %w", err)
	}

	e := &Engine{
		prov:       prov,
		geom:       geom,
		hdrMgr:     pmemheader.NewManager(prov, outcome.Header, outcome.LastCopy),
		mapPool:    reqctx.NewPool(reqctx.PoolMap),
		workerPool: reqctx.NewPool(reqctx.PoolThread),
	}
	e.restoreStats.Record(outcome.Result)
	e.hdrMgr.StartPeriodicUpdates(ctx)

	return e, nil
}

// OpenAuto is Open with the provider kind auto-detected from path's file
// mode, per spec.md §9's "block device, detected via os.ModeDevice"
// decision recorded in DESIGN.md.
func OpenAuto(ctx context.Context, path string) (*Engine, error) {
	blockDevice, err := detectBlockDevice(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	return Open(ctx, path, blockDevice)
}

// RestoreStats returns the most recent restore pass's counters.
func (e *Engine) RestoreStats() *stats.RestoreCounters { return &e.restoreStats }

// Stats returns the engine's steady-state operation counters.
func (e *Engine) Stats() *stats.Counters { return &e.stats }

// ApiName reports the provider variant in use, per spec.md §6's naming
// convention for introspection.
func (e *Engine) ApiName() string {
	if e.prov.CacheLayout() == layout.Interleaved {
		return "block-device"
	}

	return "direct-memory"
}

// PageSizeTransferOnly reports the underlying provider's capability flag.
func (e *Engine) PageSizeTransferOnly() bool { return e.prov.PageSizeTransferOnly() }

// CacheLayout reports the underlying provider's layout.
func (e *Engine) CacheLayout() layout.Kind { return e.prov.CacheLayout() }

// Geometry returns the cache's current on-pmem geometry.
func (e *Engine) Geometry() layout.Geometry { return e.geom }

// Header returns a copy of the in-memory header.
func (e *Engine) Header() pmemformat.Header { return e.hdrMgr.Current() }

// MapPool returns the short-lived "map"-style bounce-buffer pool (spec
// §4.7), for callers that need to construct a *reqctx.Context.
func (e *Engine) MapPool() *reqctx.Pool { return e.mapPool }

// WorkerPool returns the long-lived "thread"-style bounce-buffer pool.
func (e *Engine) WorkerPool() *reqctx.Pool { return e.workerPool }

func (e *Engine) checkAlive() error {
	if e.hdrMgr.Failed() {
		return ErrIO
	}

	return nil
}

// MetadataAsyncWrite dispatches to the provider, recording stats.
func (e *Engine) MetadataAsyncWrite(rc *reqctx.Context, block uint64, state pmemformat.State, done provider.Callback) {
	if err := e.checkAlive(); err != nil {
		done(err)

		return
	}

	start := time.Now()
	e.stats.MetadataWriteAsync.Add(1)
	e.prov.MetadataAsyncWrite(rc, block, state, func(err error) {
		e.stats.MetadataLatency.Observe(time.Since(start))
		done(err)
	})
}

// DataGetPageRead dispatches to the provider, recording stats.
func (e *Engine) DataGetPageRead(rc *reqctx.Context, block uint64, done provider.Callback) {
	if err := e.checkAlive(); err != nil {
		done(err)

		return
	}

	start := time.Now()
	e.stats.DataGetPageRead.Add(1)
	e.prov.DataGetPageRead(rc, block, func(err error) {
		e.stats.DataLatency.Observe(time.Since(start))
		done(err)
	})
}

// DataPutPageRead dispatches to the provider, recording stats.
func (e *Engine) DataPutPageRead(rc *reqctx.Context) {
	e.stats.DataPutPageRead.Add(1)
	e.prov.DataPutPageRead(rc)
}

// DataConvertReadToWrite dispatches to the provider, recording stats.
func (e *Engine) DataConvertReadToWrite(rc *reqctx.Context) {
	e.stats.DataConvertReadToWrite.Add(1)
	e.prov.DataConvertReadToWrite(rc)
}

// DataCloneReadToWrite dispatches to the provider, recording stats.
func (e *Engine) DataCloneReadToWrite(rc *reqctx.Context, src *reqctx.Context, block uint64, done provider.Callback) {
	if err := e.checkAlive(); err != nil {
		done(err)

		return
	}

	e.stats.DataCloneReadToWrite.Add(1)
	e.prov.DataCloneReadToWrite(rc, src, block, done)
}

// DataGetPageWrite dispatches to the provider, recording stats.
func (e *Engine) DataGetPageWrite(rc *reqctx.Context, block uint64, done provider.Callback) {
	if err := e.checkAlive(); err != nil {
		done(err)

		return
	}

	e.stats.DataGetPageWrite.Add(1)
	e.prov.DataGetPageWrite(rc, block, done)
}

// DataPutPageWrite dispatches to the provider, recording stats. state
// must be StateClean or StateDirty (spec §4.2).
func (e *Engine) DataPutPageWrite(rc *reqctx.Context, state pmemformat.State, done provider.Callback) {
	if state != pmemformat.StateClean && state != pmemformat.StateDirty {
		panic("engine: DataPutPageWrite requires StateClean or StateDirty")
	}

	if err := e.checkAlive(); err != nil {
		done(err)

		return
	}

	start := time.Now()
	e.stats.DataPutPageWrite.Add(1)
	e.prov.DataPutPageWrite(rc, state, func(err error) {
		e.stats.DataLatency.Observe(time.Since(start))
		e.stats.DataPutPageWriteMeta.Add(1)
		done(err)
	})
}

// Close stops the header manager's periodic updater and closes the
// underlying provider.
func (e *Engine) Close() error {
	e.hdrMgr.StopPeriodicUpdates()

	if err := e.prov.Close(); err != nil {
		return fmt.Errorf("engine: close: %w", err)
	}

	return nil
}
