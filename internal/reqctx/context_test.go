package reqctx_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/reqctx"
)

func TestContext_SetupDestroyLifecycle(t *testing.T) {
	pool := reqctx.NewPool(reqctx.PoolMap)

	var ctx reqctx.Context

	reqctx.Initialize(&ctx)

	require.NoError(t, ctx.Setup(pool, 7, 0))
	require.Equal(t, uint64(7), ctx.BlockID())
	require.Equal(t, reqctx.BufferIdle, ctx.BufferState())

	buf := ctx.PeekBounceForFill()
	require.Len(t, buf, layout.Page)

	ctx.BindBounce(reqctx.BufferReadBoundBounce)
	require.Equal(t, reqctx.BufferReadBoundBounce, ctx.BufferState())
	require.Equal(t, buf, ctx.DataVaddr())

	ctx.Unbind()
	require.Equal(t, reqctx.BufferIdle, ctx.BufferState())

	ctx.Destroy()
}

func TestContext_CloneFromSeedsMetaBlockID(t *testing.T) {
	var ctx reqctx.Context

	reqctx.Initialize(&ctx)

	require.NoError(t, ctx.Setup(nil, 3, 9))
	require.Equal(t, uint64(9), ctx.Meta.BlockID)

	ctx.Destroy()
}

func TestContext_DoubleSetupPanics(t *testing.T) {
	var ctx reqctx.Context

	reqctx.Initialize(&ctx)
	require.NoError(t, ctx.Setup(nil, 1, 0))

	require.Panics(t, func() {
		_ = ctx.Setup(nil, 1, 0)
	})

	ctx.Destroy()
}

func TestContext_DestroyWithoutSetupPanics(t *testing.T) {
	var ctx reqctx.Context

	reqctx.Initialize(&ctx)

	require.Panics(t, ctx.Destroy)
}

func TestContext_DataVaddrWithoutBindPanics(t *testing.T) {
	var ctx reqctx.Context

	reqctx.Initialize(&ctx)
	require.NoError(t, ctx.Setup(nil, 1, 0))

	require.Panics(t, func() {
		ctx.DataVaddr()
	})

	ctx.Destroy()
}

func TestContext_UninitializedUsePanics(t *testing.T) {
	var ctx reqctx.Context

	require.Panics(t, func() {
		_ = ctx.BlockID()
	})
}

func TestContext_BindBounceWithoutPoolPanics(t *testing.T) {
	var ctx reqctx.Context

	reqctx.Initialize(&ctx)
	require.NoError(t, ctx.Setup(nil, 1, 0))

	require.Panics(t, func() {
		ctx.BindBounce(reqctx.BufferReadBoundBounce)
	})

	ctx.Destroy()
}

func TestPool_AcquireReturnsZeroedPageSizedBuffer(t *testing.T) {
	pool := reqctx.NewPool(reqctx.PoolThread)
	require.Equal(t, reqctx.PoolThread, pool.Kind())

	var ctx reqctx.Context

	reqctx.Initialize(&ctx)
	require.NoError(t, ctx.Setup(pool, 1, 0))

	buf := ctx.PeekBounceForFill()
	buf[0] = 0xFF
	ctx.Destroy()

	var ctx2 reqctx.Context

	reqctx.Initialize(&ctx2)
	require.NoError(t, ctx2.Setup(pool, 2, 0))

	got := ctx2.PeekBounceForFill()
	require.Len(t, got, layout.Page)

	for _, b := range got {
		require.Zero(t, b)
	}

	ctx2.Destroy()
}
