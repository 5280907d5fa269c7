// Package stats implements the engine's observable-but-not-correctness
// counters (spec §4.8): one atomic counter per operation kind, plus a
// small fixed-bucket latency histogram, plus the restore-phase counters
// of spec §4.6. No third-party metrics client is wired in here: nothing
// in this module exports these over a wire protocol for a collector to
// scrape, so there is no transport for a richer client to serve (see
// DESIGN.md).
package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bittern-cache/pmem/internal/restore"
)

// latencyBucketsUs are upper bounds, in microseconds, for the fixed-bucket
// histogram. The last bucket catches everything above latencyBucketsUs's
// final entry.
var latencyBucketsUs = [...]int64{10, 50, 100, 500, 1000, 5000, 10000, 50000}

// Histogram is a small fixed-bucket latency histogram, safe for
// concurrent use.
type Histogram struct {
	buckets [len(latencyBucketsUs) + 1]atomic.Uint64
	count   atomic.Uint64
	sumUs   atomic.Uint64
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	us := d.Microseconds()

	idx := len(latencyBucketsUs)

	for i, bound := range latencyBucketsUs {
		if us <= bound {
			idx = i

			break
		}
	}

	h.buckets[idx].Add(1)
	h.count.Add(1)
	h.sumUs.Add(uint64(us)) //nolint:gosec // latencies are non-negative in practice
}

// Count returns the number of samples observed.
func (h *Histogram) Count() uint64 { return h.count.Load() }

// MeanMicros returns the mean latency in microseconds, or 0 if no
// samples have been observed.
func (h *Histogram) MeanMicros() float64 {
	n := h.count.Load()
	if n == 0 {
		return 0
	}

	return float64(h.sumUs.Load()) / float64(n)
}

// Counters is the engine's full set of operation counters, one field per
// operation kind named in spec.md §4.8.
type Counters struct {
	MetadataReadAsync  atomic.Uint64
	MetadataWriteAsync atomic.Uint64

	DataGetPageRead         atomic.Uint64
	DataGetPageReadAsync    atomic.Uint64
	DataPutPageRead         atomic.Uint64
	DataGetPageWrite        atomic.Uint64
	DataPutPageWrite        atomic.Uint64
	DataPutPageWriteAsync   atomic.Uint64
	DataPutPageWriteMeta    atomic.Uint64
	DataConvertReadToWrite  atomic.Uint64
	DataCloneReadToWrite    atomic.Uint64

	PmemRead4K    atomic.Uint64
	PmemWrite4K   atomic.Uint64
	PmemReadNot4K atomic.Uint64
	PmemWriteNot4K atomic.Uint64

	PmemMakeReqWQ atomic.Uint64

	MetadataLatency Histogram
	DataLatency     Histogram
}

// ObservePmemTransfer records a raw pmem-level transfer, bucketed by
// whether it was exactly one page (4K) or not, per spec.md §4.8.
func (c *Counters) ObservePmemTransfer(write bool, n int) {
	switch {
	case write && n == pageSize:
		c.PmemWrite4K.Add(1)
	case write:
		c.PmemWriteNot4K.Add(1)
	case n == pageSize:
		c.PmemRead4K.Add(1)
	default:
		c.PmemReadNot4K.Add(1)
	}
}

const pageSize = 4096

// RestoreCounters mirrors restore.Result as atomics, so a long-lived
// engine can keep exposing the most recent restore pass's counts
// alongside its steady-state operation counters.
type RestoreCounters struct {
	InvalidMetadataBlocks atomic.Uint64
	InvalidDataBlocks     atomic.Uint64
	CleanBlocks           atomic.Uint64
	DirtyBlocks           atomic.Uint64
	TransientBlocks       atomic.Uint64
	TotalBlocks           atomic.Uint64

	CorruptMetadata     atomic.Uint64
	HashCorruptMetadata atomic.Uint64
	HashCorruptData     atomic.Uint64
	HeaderCopiesCorrupt atomic.Uint64
}

// Record stores a restore.Result into the atomic counters, overwriting
// whatever the previous restore pass (if any) recorded.
func (r *RestoreCounters) Record(res restore.Result) {
	r.InvalidMetadataBlocks.Store(res.InvalidMetadataBlocks)
	r.InvalidDataBlocks.Store(res.InvalidDataBlocks)
	r.CleanBlocks.Store(res.CleanBlocks)
	r.DirtyBlocks.Store(res.DirtyBlocks)
	r.TransientBlocks.Store(res.TransientBlocks)
	r.TotalBlocks.Store(res.TotalBlocks)
	r.CorruptMetadata.Store(res.CorruptMetadata)
	r.HashCorruptMetadata.Store(res.HashCorruptMetadata)
	r.HashCorruptData.Store(res.HashCorruptData)
	r.HeaderCopiesCorrupt.Store(res.HeaderCopiesCorrupt)
}

// String renders a one-line human-readable summary, used by pmemctl.
func (r *RestoreCounters) String() string {
	return fmt.Sprintf(
		"invalid(meta=%d,data=%d) clean=%d dirty=%d transient=%d total=%d corrupt(meta=%d,hash_meta=%d,hash_data=%d,header=%d)",
		r.InvalidMetadataBlocks.Load(), r.InvalidDataBlocks.Load(),
		r.CleanBlocks.Load(), r.DirtyBlocks.Load(), r.TransientBlocks.Load(), r.TotalBlocks.Load(),
		r.CorruptMetadata.Load(), r.HashCorruptMetadata.Load(), r.HashCorruptData.Load(), r.HeaderCopiesCorrupt.Load(),
	)
}
