package layout_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/internal/layout"
)

// TestOffsets_ScenarioFromSpec reproduces the worked example of spec.md
// §8 scenario 6 (N=4, PAGE=4096, first_offset=262144) for both layouts.
// The Interleaved meta_off(4) value below (290816) is the value the
// formulas in spec.md §4.1 actually produce; spec.md's own worked text
// states 291840 for that one figure, which does not match its own
// data_off(i)+PAGE definition (290816). This test follows the formula
// over the inconsistent worked number.
func TestOffsets_ScenarioFromSpec(t *testing.T) {
	seq, err := layout.NewGeometry(layout.Sequential, 64, 4, 0)
	require.NoError(t, err)
	require.Equal(t, int64(262144), seq.MetaOffset(1))
	require.Equal(t, int64(262336), seq.MetaOffset(4))
	require.Equal(t, int64(266240), seq.DataOffset(1))
	require.Equal(t, int64(278528), seq.DataOffset(4))

	inter, err := layout.NewGeometry(layout.Interleaved, layout.Page, 4, 0)
	require.NoError(t, err)
	require.Equal(t, int64(262144), inter.DataOffset(1))
	require.Equal(t, int64(266240), inter.MetaOffset(1))
	require.Equal(t, int64(270336), inter.DataOffset(2))
	require.Equal(t, int64(290816), inter.MetaOffset(4))
}

func TestNewGeometry_RejectsMismatchedMcbSize(t *testing.T) {
	_, err := layout.NewGeometry(layout.Interleaved, 64, 4, 0)
	require.ErrorIs(t, err, layout.ErrInterleavedRequiresPage)

	_, err = layout.NewGeometry(layout.Sequential, 100, 4, 0)
	require.ErrorIs(t, err, layout.ErrInvalidMcbSize)
}

func TestNewGeometry_RejectsZeroBlocks(t *testing.T) {
	_, err := layout.NewGeometry(layout.Sequential, 64, 0, 0)
	require.ErrorIs(t, err, layout.ErrZeroBlocks)
}

func TestNewGeometry_EnforcesDeviceSizeInvariant(t *testing.T) {
	g, err := layout.NewGeometry(layout.Sequential, 64, 1000, 0)
	require.NoError(t, err)

	_, err = layout.NewGeometry(layout.Sequential, 64, 1000, g.CacheSizeBytes()-1)
	require.ErrorIs(t, err, layout.ErrCacheExceedsDevice)

	_, err = layout.NewGeometry(layout.Sequential, 64, 1000, g.CacheSizeBytes())
	require.NoError(t, err)
}

// TestOffsets_Totality is property P1: for both layouts, every offset is
// page-aligned, lies within [first_offset, cache_size_bytes - PAGE], and
// no two blocks' metadata/data ranges overlap.
func TestOffsets_Totality(t *testing.T) {
	for _, kind := range []layout.Kind{layout.Sequential, layout.Interleaved} {
		kind := kind

		mcb := uint64(layout.PackedMetaSize)
		if kind == layout.Interleaved {
			mcb = layout.Page
		}

		const n = 200

		g, err := layout.NewGeometry(kind, mcb, n, 0)
		require.NoError(t, err)

		type span struct{ lo, hi int64 }

		var spans []span

		for i := uint64(1); i <= n; i++ {
			dataOff := g.DataOffset(i)
			metaOff := g.MetaOffset(i)

			require.Zero(t, dataOff%layout.Page, "data offset must be page-aligned")
			require.GreaterOrEqual(t, dataOff, g.FirstOffset())
			require.LessOrEqual(t, dataOff, g.CacheSizeBytes()-layout.Page)

			require.GreaterOrEqual(t, metaOff, g.FirstOffset())
			require.LessOrEqual(t, metaOff+int64(mcb), g.CacheSizeBytes())

			spans = append(spans, span{dataOff, dataOff + layout.Page})
			spans = append(spans, span{metaOff, metaOff + int64(mcb)})
		}

		for i, a := range spans {
			for j, b := range spans {
				if i == j {
					continue
				}

				overlap := a.lo < b.hi && b.lo < a.hi
				require.False(t, overlap, "kind=%v spans %d and %d overlap: %+v %+v", kind, i, j, a, b)
			}
		}
	}
}

func FuzzMaxBlocksForSize(f *testing.F) {
	f.Add(int64(64 * 1024 * 1024))
	f.Add(int64(256 * 1024))
	f.Add(int64(1024 * 1024 * 1024))

	f.Fuzz(func(t *testing.T, size int64) {
		if size <= 0 || size > 1<<40 {
			t.Skip()
		}

		for _, kind := range []layout.Kind{layout.Sequential, layout.Interleaved} {
			mcb := uint64(layout.PackedMetaSize)
			if kind == layout.Interleaved {
				mcb = layout.Page
			}

			n := layout.MaxBlocksForSize(kind, mcb, size)
			if n == 0 {
				return
			}

			g, err := layout.NewGeometry(kind, mcb, n, 0)
			require.NoError(t, err)
			require.LessOrEqual(t, g.CacheSizeBytes(), size)
		}
	})
}
