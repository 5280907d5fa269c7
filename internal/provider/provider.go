// Package provider defines the storage-backend abstraction (spec §4.2):
// the operation set both the DirectMemory (mmap) and BlockDevice (bounce
// buffer + worker queue) backends implement, so the engine facade can
// drive either one identically.
package provider

import (
	"context"
	"errors"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/reqctx"
)

// ErrClosed is returned by any operation issued against a Provider after
// Close has completed.
var ErrClosed = errors.New("provider: closed")

// Callback is invoked exactly once when an asynchronous operation
// completes, with a nil error on success. Providers never retain a
// Callback past its single invocation.
type Callback func(error)

// Provider is the storage-backend operation set spec §4.2 requires of
// both DirectMemory and BlockDevice. Every method is safe for concurrent
// use by multiple callers, each with its own *reqctx.Context.
type Provider interface {
	// ReadSync reads len(buf) bytes at the given offset synchronously
	// (header copies, and metadata and data pages during restore).
	ReadSync(ctx context.Context, offset int64, buf []byte) error

	// WriteSync writes buf to the given offset synchronously, issuing
	// whatever durability barrier (msync/fsync) the backend requires
	// before returning (invariant I1: no header write is acknowledged
	// until durable).
	WriteSync(ctx context.Context, offset int64, buf []byte) error

	// MetadataAsyncWrite stamps rc's staged BlockMetadata record with
	// state and persists it for block, invoking done when the write (and
	// any barrier the backend needs) has completed.
	MetadataAsyncWrite(rc *reqctx.Context, block uint64, state pmemformat.State, done Callback)

	// DataGetPageRead binds rc for reading block's data page: a direct
	// pmem slice for DirectMemory, or a populated bounce buffer for
	// BlockDevice. done fires once the page is readable through
	// rc.DataVaddr().
	DataGetPageRead(rc *reqctx.Context, block uint64, done Callback)

	// DataPutPageRead releases a page bound by DataGetPageRead without
	// persisting any change (the read path never dirties a page).
	DataPutPageRead(rc *reqctx.Context)

	// DataConvertReadToWrite upgrades rc's already-bound read view into a
	// write view in place, without reissuing the underlying I/O
	// (DirectMemory: the same mmap slice becomes writable; BlockDevice:
	// the same bounce buffer is reused).
	DataConvertReadToWrite(rc *reqctx.Context)

	// DataCloneReadToWrite binds rc for writing block, seeded with a
	// physical copy of src's currently-bound page (used when a caller
	// must preserve its read view of src while writing block).
	DataCloneReadToWrite(rc *reqctx.Context, src *reqctx.Context, block uint64, done Callback)

	// DataGetPageWrite binds rc for writing block's data page from
	// scratch (no read seed). done fires once the page is writable
	// through rc.DataVaddr().
	DataGetPageWrite(rc *reqctx.Context, block uint64, done Callback)

	// DataPutPageWrite persists the page bound by DataGetPageWrite or
	// DataConvertReadToWrite/DataCloneReadToWrite and writes a metadata
	// record stamped with state (Clean or Dirty), atomically from the
	// caller's view; invokes done once at the end.
	DataPutPageWrite(rc *reqctx.Context, state pmemformat.State, done Callback)

	// PageSizeTransferOnly reports whether this backend only ever moves
	// whole pages (BlockDevice: true, since every I/O goes through a
	// page-sized bounce buffer) or can address data directly
	// (DirectMemory: false).
	PageSizeTransferOnly() bool

	// CacheLayout reports the on-pmem layout this backend imposes
	// (Sequential for DirectMemory, Interleaved for BlockDevice — spec
	// §4.1 binds each provider to exactly one layout).
	CacheLayout() layout.Kind

	// Close releases the provider's resources (unmap, stop workers).
	// Further calls return ErrClosed.
	Close() error
}
