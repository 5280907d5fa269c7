package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/internal/restore"
	"github.com/bittern-cache/pmem/internal/stats"
)

func TestHistogram_ObserveTracksCountAndMean(t *testing.T) {
	var h stats.Histogram

	require.Zero(t, h.Count())
	require.Zero(t, h.MeanMicros())

	h.Observe(10 * time.Microsecond)
	h.Observe(30 * time.Microsecond)

	require.Equal(t, uint64(2), h.Count())
	require.InDelta(t, 20.0, h.MeanMicros(), 0.001)
}

func TestCounters_ObservePmemTransferBucketsBySizeAndDirection(t *testing.T) {
	var c stats.Counters

	c.ObservePmemTransfer(false, 4096)
	c.ObservePmemTransfer(false, 512)
	c.ObservePmemTransfer(true, 4096)
	c.ObservePmemTransfer(true, 8192)

	require.Equal(t, uint64(1), c.PmemRead4K.Load())
	require.Equal(t, uint64(1), c.PmemReadNot4K.Load())
	require.Equal(t, uint64(1), c.PmemWrite4K.Load())
	require.Equal(t, uint64(1), c.PmemWriteNot4K.Load())
}

func TestRestoreCounters_RecordOverwritesPreviousPass(t *testing.T) {
	var rc stats.RestoreCounters

	rc.Record(restore.Result{
		InvalidMetadataBlocks: 1,
		CleanBlocks:           2,
		DirtyBlocks:           3,
		TransientBlocks:       4,
		TotalBlocks:           10,
	})
	require.Equal(t, uint64(10), rc.TotalBlocks.Load())

	rc.Record(restore.Result{TotalBlocks: 99})
	require.Equal(t, uint64(99), rc.TotalBlocks.Load())
	require.Zero(t, rc.CleanBlocks.Load())
}

func TestRestoreCounters_StringContainsAllFields(t *testing.T) {
	var rc stats.RestoreCounters

	rc.Record(restore.Result{
		CleanBlocks: 5,
		DirtyBlocks: 1,
		TotalBlocks: 6,
	})

	s := rc.String()
	require.Contains(t, s, "clean=5")
	require.Contains(t, s, "dirty=1")
	require.Contains(t, s, "total=6")
}
