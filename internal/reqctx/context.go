// Package reqctx implements the per-request context pool (spec §4.7):
// caller-provided, tag-bracketed state that carries a staging metadata
// record and a data-buffer descriptor across the engine's async
// boundaries, plus the bounce-buffer slab pools the BlockDevice provider
// draws from.
package reqctx

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
)

// tag words bracket every Context for memory-corruption detection (spec
// §3/§4.7). A mismatch is a programming error, not a recoverable
// condition (spec §7), so accessors panic rather than return an error.
const (
	tagHeadWant uint64 = 0xB177E54100000001
	tagTailWant uint64 = 0xB177E54100000002
)

// BufferState replaces the original DoubleBuffering|PmemRead|PmemWrite
// bitmask (spec §9 REDESIGN FLAGS) with an explicit enum of valid buffer
// states, with transitions made explicit by the providers that drive
// them instead of being implicit in flag combinations.
type BufferState uint8

const (
	// BufferIdle: no data view is currently bound.
	BufferIdle BufferState = iota
	// BufferReadBoundDirect: bound for reading directly into pmem
	// (DirectMemory provider; no bounce buffer).
	BufferReadBoundDirect
	// BufferReadBoundBounce: bound for reading via a bounce buffer
	// (BlockDevice provider).
	BufferReadBoundBounce
	// BufferWriteBoundDirect: bound for writing directly into pmem.
	BufferWriteBoundDirect
	// BufferWriteBoundBounce: bound for writing via a bounce buffer.
	BufferWriteBoundBounce
	// BufferReadWriteBounce: a bounce buffer mid-conversion from a read
	// view to a write view (DataConvertReadToWrite); both a read and a
	// write handle are momentarily valid over the same bounce page.
	BufferReadWriteBounce
)

// Direction is the I/O direction a Context is currently routed for when
// deferred onto a provider's worker queue.
type Direction uint8

// Direction values.
const (
	DirectionNone Direction = iota
	DirectionRead
	DirectionWrite
)

// Context is the per in-flight-operation state described by spec §3/§4.7.
// The zero value is not usable; call Initialize, then Setup before use,
// and always Destroy when the request completes.
type Context struct {
	tagHead uint64

	// Meta stages the BlockMetadata record a metadata write will persist,
	// or the one a restore/read populates for the caller to inspect.
	Meta pmemformat.BlockMetadata

	// blockID is the block this context is currently bound to.
	blockID uint64

	bufferState BufferState
	busy        atomic.Int32 // strictly 0 or 1; asserts detect double-use

	// owned is the bounce buffer this Context leased from its Pool, or
	// nil when bound directly to pmem (DirectMemory provider).
	owned     []byte
	ownedPool *Pool

	// active is the buffer currently exposed to the caller via
	// DataVaddr: either owned (bounce) or a direct pmem slice handed in
	// by BindDirect.
	active []byte

	// Routing fields for a request deferred onto a worker queue (spec
	// §3). Setup resets Direction and Callback; the providers in this
	// module neither set nor read these fields.
	Direction     Direction
	TargetSector  uint64
	StartedAt     time.Time
	Callback      func(error)

	tagTail uint64
}

// Initialize sets the tag words and zeroes the rest of ctx. Call once
// before the Context's first use (it is not reset by Destroy, which only
// releases the bounce buffer — callers reuse a Context across many
// requests the way the teacher's slab-backed types are pooled).
func Initialize(ctx *Context) {
	*ctx = Context{}
	ctx.tagHead = tagHeadWant
	ctx.tagTail = tagTailWant
}

func (c *Context) checkTags() {
	if c.tagHead != tagHeadWant || c.tagTail != tagTailWant {
		panic("reqctx: tag word corruption — Context used without Initialize, or memory overrun")
	}
}

// Setup acquires a bounce buffer (when pool is non-nil) for block and
// marks the Context busy. cloneFrom, if non-zero, is stored in
// Meta.BlockID; it does not itself move any bytes, and the providers'
// DataCloneReadToWrite takes its seed view from the src Context rather
// than from this field.
func (c *Context) Setup(pool *Pool, block uint64, cloneFrom uint64) error {
	c.checkTags()

	if !c.busy.CompareAndSwap(0, 1) {
		panic("reqctx: Setup called on a Context already in use")
	}

	c.blockID = block
	c.bufferState = BufferIdle
	c.Direction = DirectionNone
	c.Callback = nil

	if pool != nil {
		buf, err := pool.acquire()
		if err != nil {
			c.busy.Store(0)

			return fmt.Errorf("reqctx: setup block %d: %w", block, err)
		}

		c.owned = buf
		c.ownedPool = pool
	}

	if cloneFrom != 0 {
		c.Meta.BlockID = cloneFrom
	}

	return nil
}

// Destroy releases ctx's bounce buffer back to its pool (if any) and
// marks the Context free for the next Setup.
func (c *Context) Destroy() {
	c.checkTags()

	if c.ownedPool != nil {
		c.ownedPool.release(c.owned)
	}

	c.owned = nil
	c.ownedPool = nil
	c.active = nil
	c.bufferState = BufferIdle

	if !c.busy.CompareAndSwap(1, 0) {
		panic("reqctx: Destroy called on a Context not currently in use")
	}
}

// BlockID returns the block this Context is currently bound to.
func (c *Context) BlockID() uint64 {
	c.checkTags()

	return c.blockID
}

// BufferState returns the current buffer-binding state.
func (c *Context) BufferState() BufferState {
	c.checkTags()

	return c.bufferState
}

// BindDirect binds a direct pmem slice (DirectMemory provider; no bounce
// buffer involved) as the active data view in the given state.
func (c *Context) BindDirect(data []byte, state BufferState) {
	c.checkTags()
	c.active = data
	c.bufferState = state
}

// BindBounce binds ctx's owned bounce buffer as the active data view.
// Panics if Setup was not called with a non-nil pool.
func (c *Context) BindBounce(state BufferState) {
	c.checkTags()

	if c.owned == nil {
		panic("reqctx: BindBounce with no owned bounce buffer")
	}

	c.active = c.owned
	c.bufferState = state
}

// PeekBounceForFill returns ctx's owned bounce buffer directly, for a
// provider to fill via positioned I/O before calling BindBounce. Unlike
// DataVaddr, this does not require a buffer to already be bound. Panics
// if Setup was not called with a non-nil pool.
func (c *Context) PeekBounceForFill() []byte {
	c.checkTags()

	if c.owned == nil {
		panic("reqctx: PeekBounceForFill with no owned bounce buffer")
	}

	return c.owned
}

// Unbind clears the active data view, returning the Context to Idle
// without releasing the owned bounce buffer (that happens at Destroy).
func (c *Context) Unbind() {
	c.checkTags()
	c.active = nil
	c.bufferState = BufferIdle
}

// DataVaddr returns the currently-bound data buffer. Panics if nothing is
// bound (spec §4.7: "assert it is bound").
func (c *Context) DataVaddr() []byte {
	c.checkTags()

	if c.bufferState == BufferIdle || c.active == nil {
		panic("reqctx: DataVaddr called while no data page is bound")
	}

	return c.active
}

// DataPage reports the page index backing the bound data view. Exposed
// for parity with the original's distinct vaddr/page accessors; in Go
// both the pointer and the "page handle" are just this slice's identity,
// so DataPage returns the same slice as DataVaddr.
func (c *Context) DataPage() []byte {
	return c.DataVaddr()
}

// Pool kinds, per spec §4.7: one for short-lived "map"-style callers, one
// for long-lived "thread"-style worker callers. Both hand out identical
// page-sized buffers from an unbounded sync.Pool; the kind is only a
// label reported by Kind, and neither pool has a capacity setting.
type PoolKind uint8

// Pool kinds.
const (
	PoolMap PoolKind = iota
	PoolThread
)

// Pool is a slab pool of page-aligned, page-sized bounce buffers.
type Pool struct {
	kind PoolKind
	pool sync.Pool
}

// NewPool creates a Pool of the given kind.
func NewPool(kind PoolKind) *Pool {
	p := &Pool{kind: kind}
	p.pool.New = func() any {
		return make([]byte, layout.Page)
	}

	return p
}

// Kind returns which of the two conventional pools this is.
func (p *Pool) Kind() PoolKind { return p.kind }

func (p *Pool) acquire() ([]byte, error) {
	buf, ok := p.pool.Get().([]byte)
	if !ok || len(buf) != layout.Page {
		return nil, fmt.Errorf("reqctx: pool returned a malformed buffer")
	}

	clear(buf)

	return buf, nil
}

func (p *Pool) release(buf []byte) {
	if buf == nil {
		return
	}

	p.pool.Put(buf) //nolint:staticcheck // sync.Pool.Put of a slice is intentional here
}
