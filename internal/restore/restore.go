// Package restore implements the mount-time restore engine (spec §4.6):
// validate both header copies, adopt the authoritative one, then scan
// every block's metadata (and, where persistable, its data hash) to
// classify the block for the upper cache-policy layer.
package restore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/provider"
	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

// ErrHeaderCorrupt is returned when neither header copy validates.
var ErrHeaderCorrupt = errors.New("restore: both header copies are corrupt")

// RestoredBlock is one block's classification result, handed to the
// upper cache-policy layer for persistable states.
type RestoredBlock struct {
	BlockID  uint64
	Sector   uint64
	State    pmemformat.State
	Xid      uint64
	DataHash pmemhash.Sum128
}

// Result accumulates the six success and four corruption counters of
// spec §4.6/§4.8, plus the classified blocks themselves.
//
// The six success counters split Invalid into a metadata-side and a
// data-side count per spec.md §9 Open Question 2 (both are incremented
// for an Invalid slot even though no data is read, matching the
// original's observed behavior — see DESIGN.md), alongside Clean,
// Dirty, Transient, and a Total convenience count.
//
// The four corruption counters are CorruptMetadata (magic mismatch or
// an unrecognized state value — spec.md §4.6 maps both to the same
// label), HashCorruptMetadata, HashCorruptData, and HeaderCopiesCorrupt
// (how many of the two header copies failed their own validation in
// step 1, before either was adopted).
type Result struct {
	InvalidMetadataBlocks uint64
	InvalidDataBlocks     uint64
	CleanBlocks           uint64
	DirtyBlocks           uint64
	TransientBlocks       uint64
	TotalBlocks           uint64

	CorruptMetadata     uint64
	HashCorruptMetadata uint64
	HashCorruptData     uint64
	HeaderCopiesCorrupt uint64

	Blocks []RestoredBlock
}

// Outcome is the full result of a restore pass: the adopted header, the
// index of the on-pmem copy it was read from (0 or 1, for the header
// manager to alternate correctly on its next write), and the
// classification Result.
type Outcome struct {
	Header   pmemformat.Header
	LastCopy int
	Result   Result
}

// Restore implements spec.md §4.6 steps 1-4 against the given provider.
// The geometry used for the per-block scan is derived entirely from the
// adopted header's own fields (layout, mcb_size, block count) — a caller
// never needs to know the cache's geometry in advance to restore it.
func Restore(ctx context.Context, p provider.Provider) (Outcome, error) {
	hdr, lastCopy, headerCorruptCount, err := adoptHeader(ctx, p)
	if err != nil {
		return Outcome{}, err
	}

	geom, err := layout.NewGeometry(hdr.CacheLayout, hdr.McbSizeBytes, hdr.CacheBlocks, 0)
	if err != nil {
		return Outcome{}, fmt.Errorf("restore: adopted header has invalid geometry: %w", err)
	}

	result := Result{HeaderCopiesCorrupt: headerCorruptCount}

	metaBuf := make([]byte, pmemformat.MetadataLogicalSize)
	dataBuf := make([]byte, layout.Page)

	for block := uint64(1); block <= hdr.CacheBlocks; block++ {
		off := geom.MetaOffset(block)

		if err := p.ReadSync(ctx, off, metaBuf); err != nil {
			return Outcome{}, fmt.Errorf("restore: read metadata for block %d: %w", block, err)
		}

		meta, err := pmemformat.DecodeMetadata(metaBuf)
		if err != nil {
			classifyMetadataError(&result, err)

			continue
		}

		if meta.BlockID != block {
			result.CorruptMetadata++

			continue
		}

		result.TotalBlocks++

		switch {
		case meta.State.IsTransient():
			result.TransientBlocks++
		case meta.State == pmemformat.StateInvalid:
			result.InvalidMetadataBlocks++
			result.InvalidDataBlocks++
		case meta.State == pmemformat.StateClean, meta.State == pmemformat.StateDirty:
			dataOff := geom.DataOffset(block)

			if err := p.ReadSync(ctx, dataOff, dataBuf); err != nil {
				return Outcome{}, fmt.Errorf("restore: read data for block %d: %w", block, err)
			}

			gotHash := pmemhash.Sum(dataBuf)
			if !gotHash.Equal(meta.HashData) {
				result.HashCorruptData++

				continue
			}

			if meta.State == pmemformat.StateClean {
				result.CleanBlocks++
			} else {
				result.DirtyBlocks++
			}

			result.Blocks = append(result.Blocks, RestoredBlock{
				BlockID:  block,
				Sector:   meta.DeviceSector,
				State:    meta.State,
				Xid:      meta.Xid,
				DataHash: meta.HashData,
			})
		}
	}

	return Outcome{Header: hdr, LastCopy: lastCopy, Result: result}, nil
}

func classifyMetadataError(result *Result, err error) {
	switch {
	case errors.Is(err, pmemformat.ErrMetadataHashMismatch):
		result.HashCorruptMetadata++
	case errors.Is(err, pmemformat.ErrMetadataBadMagic), errors.Is(err, pmemformat.ErrMetadataBadState):
		result.CorruptMetadata++
	default:
		result.CorruptMetadata++
	}
}

// PeekHeader runs spec.md §4.6 steps 1-3 (adopt the authoritative header
// copy) without the per-block scan, so a caller whose provider needs to
// be sized or reopened according to the cache's real geometry (as
// directmem's mmap does) can learn that geometry cheaply first.
func PeekHeader(ctx context.Context, p provider.Provider) (pmemformat.Header, int, error) {
	hdr, lastCopy, _, err := adoptHeader(ctx, p)

	return hdr, lastCopy, err
}

// adoptHeader implements spec.md §4.6 steps 1-3: read and independently
// validate both copies, then adopt the valid one with the higher xid,
// ties going to H1 (the explicit tie-break rule of §4.6 step 3).
func adoptHeader(ctx context.Context, p provider.Provider) (pmemformat.Header, int, uint64, error) {
	h0, err0 := readHeaderCopy(ctx, p, pmemformat.Header0Offset)
	h1, err1 := readHeaderCopy(ctx, p, pmemformat.Header1Offset)

	var corruptCount uint64

	if err0 != nil {
		corruptCount++
	}

	if err1 != nil {
		corruptCount++
	}

	switch {
	case err0 != nil && err1 != nil:
		return pmemformat.Header{}, 0, corruptCount, fmt.Errorf("%w: H0: %v, H1: %v", ErrHeaderCorrupt, err0, err1)
	case err0 != nil:
		return adoptAndConfirm(ctx, p, h1, 1, corruptCount)
	case err1 != nil:
		return adoptAndConfirm(ctx, p, h0, 0, corruptCount)
	case h1.XidCurrent >= h0.XidCurrent:
		return adoptAndConfirm(ctx, p, h1, 1, corruptCount)
	default:
		return adoptAndConfirm(ctx, p, h0, 0, corruptCount)
	}
}

func readHeaderCopy(ctx context.Context, p provider.Provider, offset int64) (pmemformat.Header, error) {
	buf := make([]byte, pmemformat.HeaderSize)

	if err := p.ReadSync(ctx, offset, buf); err != nil {
		return pmemformat.Header{}, fmt.Errorf("read: %w", err)
	}

	h, err := pmemformat.Decode(buf)
	if err != nil {
		return pmemformat.Header{}, err
	}

	return h, nil
}

// adoptAndConfirm applies the xid+2 bump (so subsequent writes strictly
// exceed either stored copy) and re-reads the adopted offset to confirm
// it is still valid, per spec.md §4.6 step 3's "re-read to confirm".
func adoptAndConfirm(ctx context.Context, p provider.Provider, adopted pmemformat.Header, copyIdx int, corruptCount uint64) (pmemformat.Header, int, uint64, error) {
	offset := pmemformat.Header0Offset
	if copyIdx == 1 {
		offset = pmemformat.Header1Offset
	}

	if _, err := readHeaderCopy(ctx, p, int64(offset)); err != nil {
		return pmemformat.Header{}, 0, corruptCount, fmt.Errorf("restore: re-read confirmation of adopted copy %d failed: %w", copyIdx, err)
	}

	adopted.XidCurrent += 2

	return adopted, copyIdx, corruptCount, nil
}
