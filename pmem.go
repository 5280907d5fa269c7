// Package pmem is the public surface of the bittern-cache PMEM engine: a
// byte-addressable or block-device-backed write-back cache with a
// crash-safe, double-buffered superblock and mount-time restore (spec
// §4's component 7). It re-exports internal/engine so callers never
// import an internal package directly.
package pmem

import (
	"context"

	"github.com/bittern-cache/pmem/internal/engine"
	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/provider"
	"github.com/bittern-cache/pmem/internal/reqctx"
	"github.com/bittern-cache/pmem/internal/stats"
	"github.com/bittern-cache/pmem/pkg/fs"
)

// ErrIO is passed to the completion callback of the Engine calls that take
// one once the header manager has entered its terminal failed state.
var ErrIO = engine.ErrIO

// Engine is an open cache handle.
type Engine = engine.Engine

// FormatOptions configures Allocate.
type FormatOptions = engine.FormatOptions

// Context is a per-request context, bracketed by tag words, that carries
// a staging metadata record and bounce-buffer binding across an Engine
// call's async boundary.
type Context = reqctx.Context

// Pool is a slab pool of page-sized bounce buffers a Context draws from.
type Pool = reqctx.Pool

// BufferState is the data-view binding state of a Context.
type BufferState = reqctx.BufferState

// State is a cache block's persistable lifecycle state.
type State = pmemformat.State

// Geometry is the immutable on-pmem layout of an allocated cache.
type Geometry = layout.Geometry

// Callback is invoked exactly once when an asynchronous Engine operation
// completes.
type Callback = provider.Callback

// Counters are the engine's steady-state operation counters.
type Counters = stats.Counters

// RestoreCounters are the most recent mount-time restore pass's counters.
type RestoreCounters = stats.RestoreCounters

// State values a caller may pass to DataPutPageWrite/MetadataAsyncWrite.
const (
	StateInvalid = pmemformat.StateInvalid
	StateClean   = pmemformat.StateClean
	StateDirty   = pmemformat.StateDirty
)

// Pool kinds, per spec §4.7.
const (
	PoolMap    = reqctx.PoolMap
	PoolThread = reqctx.PoolThread
)

// Allocate formats a brand-new cache at opts.Path and opens it.
func Allocate(ctx context.Context, opts FormatOptions) (*Engine, error) {
	return engine.Allocate(ctx, opts)
}

// AllocateWithFS is Allocate against an explicit pkg/fs.FS, for tests
// that need fault injection at format time.
func AllocateWithFS(ctx context.Context, fsys fs.FS, opts FormatOptions) (*Engine, error) {
	return engine.AllocateWithFS(ctx, fsys, opts)
}

// Open opens an already-formatted cache at path. blockDevice selects
// BlockDevice/Interleaved when true, DirectMemory/Sequential when false.
func Open(ctx context.Context, path string, blockDevice bool) (*Engine, error) {
	return engine.Open(ctx, path, blockDevice)
}

// OpenWithFS is Open against an explicit pkg/fs.FS.
func OpenWithFS(ctx context.Context, fsys fs.FS, path string, blockDevice bool) (*Engine, error) {
	return engine.OpenWithFS(ctx, fsys, path, blockDevice)
}

// OpenAuto is Open with blockDevice auto-detected from path's file mode.
func OpenAuto(ctx context.Context, path string) (*Engine, error) {
	return engine.OpenAuto(ctx, path)
}

// NewContext allocates and initializes a Context, ready for Setup.
func NewContext() *Context {
	c := &Context{}
	reqctx.Initialize(c)

	return c
}

// NewPool creates a bounce-buffer Pool of the given kind.
func NewPool(kind reqctx.PoolKind) *Pool {
	return reqctx.NewPool(kind)
}
