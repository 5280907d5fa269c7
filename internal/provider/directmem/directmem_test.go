package directmem_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/provider/directmem"
	"github.com/bittern-cache/pmem/internal/reqctx"
	"github.com/bittern-cache/pmem/pkg/fs"
)

func newTestFile(t *testing.T, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache.bin")
	f, err := os.Create(path) //nolint:gosec
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	return path
}

func openTestProvider(t *testing.T) (*directmem.Provider, layout.Geometry) {
	t.Helper()

	geom, err := layout.NewGeometry(layout.Sequential, layout.PackedMetaSize, 4, 0)
	require.NoError(t, err)

	path := newTestFile(t, geom.CacheSizeBytes())

	p, err := directmem.Open(fs.NewReal(), path, geom)
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close() })

	return p, geom
}

func TestDirectmem_ReadSyncWriteSyncRoundTrip(t *testing.T) {
	p, _ := openTestProvider(t)

	want := []byte("header-copy-bytes")
	require.NoError(t, p.WriteSync(context.Background(), 0, want))

	got := make([]byte, len(want))
	require.NoError(t, p.ReadSync(context.Background(), 0, got))
	require.Equal(t, want, got)
}

func TestDirectmem_WriteSyncOutOfRangeErrors(t *testing.T) {
	p, geom := openTestProvider(t)

	err := p.WriteSync(context.Background(), geom.CacheSizeBytes(), []byte{1})
	require.Error(t, err)
}

func TestDirectmem_DataWriteThenReadRoundTrips(t *testing.T) {
	p, _ := openTestProvider(t)

	var writeCtx reqctx.Context

	reqctx.Initialize(&writeCtx)
	require.NoError(t, writeCtx.Setup(nil, 1, 0))

	p.DataGetPageWrite(&writeCtx, 1, func(err error) { require.NoError(t, err) })

	page := writeCtx.DataVaddr()
	for i := range page {
		page[i] = 0x42
	}

	p.DataPutPageWrite(&writeCtx, pmemformat.StateDirty, func(err error) { require.NoError(t, err) })
	writeCtx.Destroy()

	var readCtx reqctx.Context

	reqctx.Initialize(&readCtx)
	require.NoError(t, readCtx.Setup(nil, 1, 0))

	p.DataGetPageRead(&readCtx, 1, func(err error) { require.NoError(t, err) })

	got := readCtx.DataVaddr()
	for _, b := range got {
		require.Equal(t, byte(0x42), b)
	}

	p.DataPutPageRead(&readCtx)
	readCtx.Destroy()
}

func TestDirectmem_CloseThenOperateReturnsErrClosed(t *testing.T) {
	p, _ := openTestProvider(t)

	require.NoError(t, p.Close())

	err := p.WriteSync(context.Background(), 0, []byte{1})
	require.Error(t, err)

	// Close is idempotent.
	require.NoError(t, p.Close())
}

func TestDirectmem_OpenRejectsUndersizedFile(t *testing.T) {
	geom, err := layout.NewGeometry(layout.Sequential, layout.PackedMetaSize, 4, 0)
	require.NoError(t, err)

	path := newTestFile(t, geom.CacheSizeBytes()-1)

	_, err = directmem.Open(fs.NewReal(), path, geom)
	require.Error(t, err)
}
