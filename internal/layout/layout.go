// Package layout implements the pure, total on-pmem offset calculations
// for cache blocks, for both the Sequential (byte-addressable pmem) and
// Interleaved (block device) arrangements.
package layout

import (
	"errors"
	"fmt"
)

// Kind discriminates the two on-pmem arrangements.
type Kind uint8

const (
	// Sequential packs all metadata cells together, followed by all data
	// pages. Used by the DirectMemory provider.
	Sequential Kind = iota
	// Interleaved pairs each block's data page with its metadata page so
	// a block's two halves are physically adjacent. Used by the
	// BlockDevice provider.
	Interleaved
)

func (k Kind) String() string {
	switch k {
	case Sequential:
		return "Sequential"
	case Interleaved:
		return "Interleaved"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ByteTag returns the on-pmem byte encoding of the layout kind ('S' or
// 'I'), per the header record's cache_layout field (spec §6).
func (k Kind) ByteTag() byte {
	if k == Interleaved {
		return 'I'
	}

	return 'S'
}

// KindFromByteTag is the inverse of ByteTag. ok is false for any value
// other than 'S' or 'I'.
func KindFromByteTag(b byte) (kind Kind, ok bool) {
	switch b {
	case 'S':
		return Sequential, true
	case 'I':
		return Interleaved, true
	default:
		return 0, false
	}
}

// Page is the fixed cache-block size. The spec fixes cache_block_size to
// one page; this implementation uses the conventional 4 KiB page, matching
// the concrete scenarios in spec.md §8.
const Page = 4096

// PackedMetaSize is the physical size of a packed BlockMetadata record
// (spec §6: 64 bytes), used for Sequential layout's mcb_size.
const PackedMetaSize = 64

// EraseBlockSize is the alignment to which a device's usable size is
// rounded down, so the cache never straddles a flash erase block. The
// original source defines this constant twice (spec.md §9, Open Question
// 3); both definitions agree on the numeric value, so this implementation
// treats it as a single constant.
const EraseBlockSize = 128 * 1024

// FirstOffset is the fixed start of the metadata/data region, after the
// two header copies (spec §6).
const FirstOffset = 256 * 1024

var (
	// ErrInvalidMcbSize is returned when mcb_size is not a packed record
	// size or a full page.
	ErrInvalidMcbSize = errors.New("layout: mcb_size must be PackedMetaSize or Page")
	// ErrInterleavedRequiresPage is returned when Interleaved layout is
	// requested with an mcb_size other than Page.
	ErrInterleavedRequiresPage = errors.New("layout: interleaved layout requires mcb_size == Page")
	// ErrZeroBlocks is returned when N is zero.
	ErrZeroBlocks = errors.New("layout: block count must be > 0")
	// ErrCacheTooSmall is returned when no blocks fit in the requested
	// cache size.
	ErrCacheTooSmall = errors.New("layout: cache size too small to hold any blocks")
	// ErrCacheExceedsDevice is returned when cache_size_bytes exceeds the
	// backing device's size (invariant of spec §4.1).
	ErrCacheExceedsDevice = errors.New("layout: cache size exceeds device size")
)

// Geometry is the immutable set of parameters the offset formulas of
// spec.md §4.1 are parameterized by. Construct with NewGeometry, never
// directly, so the mcb_size/layout coupling invariant always holds.
type Geometry struct {
	kind            Kind
	blocks          uint64
	mcbSize         uint64
	firstOffset     int64
	firstDataOffset int64
	cacheSizeBytes  int64
}

// NewGeometry derives a Geometry for blocks cache blocks of the given
// layout kind and mcb_size; the cache size in bytes follows from those.
// deviceSizeBytes is the backing device size in bytes (for the I8/§4.1
// device-size invariant).
//
// deviceSizeBytes may be 0 to skip the device-size check (used when the
// device size is not yet known, e.g. during pure offset-formula tests).
func NewGeometry(kind Kind, mcbSize uint64, blocks uint64, deviceSizeBytes int64) (Geometry, error) {
	if blocks == 0 {
		return Geometry{}, ErrZeroBlocks
	}

	switch {
	case mcbSize != PackedMetaSize && mcbSize != Page:
		return Geometry{}, ErrInvalidMcbSize
	case kind == Interleaved && mcbSize != Page:
		return Geometry{}, ErrInterleavedRequiresPage
	}

	g := Geometry{
		kind:        kind,
		blocks:      blocks,
		mcbSize:     mcbSize,
		firstOffset: FirstOffset,
	}

	switch kind {
	case Sequential:
		metaRegion := int64(blocks) * int64(mcbSize) //nolint:gosec // bounded by format-time sizing
		g.firstDataOffset = roundUp(g.firstOffset+metaRegion, Page)
		g.cacheSizeBytes = g.firstDataOffset + int64(blocks)*Page //nolint:gosec
	case Interleaved:
		g.firstDataOffset = g.firstOffset
		g.cacheSizeBytes = g.firstOffset + int64(blocks)*2*Page //nolint:gosec
	default:
		return Geometry{}, fmt.Errorf("layout: unknown kind %v", kind)
	}

	if g.cacheSizeBytes <= g.firstOffset {
		return Geometry{}, ErrCacheTooSmall
	}

	if deviceSizeBytes > 0 && g.cacheSizeBytes > deviceSizeBytes {
		return Geometry{}, fmt.Errorf("%w: cache_size_bytes=%d device_size_bytes=%d",
			ErrCacheExceedsDevice, g.cacheSizeBytes, deviceSizeBytes)
	}

	return g, nil
}

// MaxBlocksForSize returns the largest block count N for which both
// MetaOffset(N) and DataOffset(N) fit within usableSizeBytes, after
// rounding usableSizeBytes down to EraseBlockSize. It returns 0 if not
// even one block fits.
func MaxBlocksForSize(kind Kind, mcbSize uint64, usableSizeBytes int64) uint64 {
	rounded := roundDown(usableSizeBytes, EraseBlockSize)
	if rounded <= FirstOffset {
		return 0
	}

	available := rounded - FirstOffset

	var perBlock int64

	switch kind {
	case Sequential:
		// Binary search would be exact, but the sequential formula is
		// monotonic and cheap to invert directly: N*mcb rounds up to a
		// page boundary before data starts, so slightly undercounting by
		// iterating down from an upper bound is simplest and exact.
		perBlock = int64(mcbSize) + Page //nolint:gosec
	case Interleaved:
		perBlock = 2 * Page
	default:
		return 0
	}

	n := uint64(available / perBlock) //nolint:gosec
	for n > 0 {
		g, err := NewGeometry(kind, mcbSize, n, 0)
		if err == nil && g.cacheSizeBytes <= rounded {
			return n
		}

		n--
	}

	return 0
}

// Kind returns the layout kind.
func (g Geometry) Kind() Kind { return g.kind }

// Blocks returns N, the cache block count.
func (g Geometry) Blocks() uint64 { return g.blocks }

// McbSize returns the per-metadata-cell size in bytes.
func (g Geometry) McbSize() uint64 { return g.mcbSize }

// FirstOffset returns the fixed first_offset_bytes.
func (g Geometry) FirstOffset() int64 { return g.firstOffset }

// FirstDataOffset returns first_data_block_offset_bytes.
func (g Geometry) FirstDataOffset() int64 { return g.firstDataOffset }

// CacheSizeBytes returns the total usable cache size in bytes, i.e. the
// offset one past the last block's last byte.
func (g Geometry) CacheSizeBytes() int64 { return g.cacheSizeBytes }

// MetaOffset returns the byte offset of blockID's metadata cell.
// blockID is 1-based, in [1, Blocks()]. Panics outside that range: a
// caller asking for an out-of-range block id is a programming error, not
// a runtime condition to recover from (spec §7: "invariant violations...
// are treated as programming errors").
func (g Geometry) MetaOffset(blockID uint64) int64 {
	g.mustValidBlockID(blockID)

	switch g.kind {
	case Sequential:
		return g.firstOffset + int64(blockID-1)*int64(g.mcbSize) //nolint:gosec
	case Interleaved:
		return g.DataOffset(blockID) + Page
	default:
		panic("layout: corrupt geometry kind")
	}
}

// DataOffset returns the byte offset of blockID's data page.
func (g Geometry) DataOffset(blockID uint64) int64 {
	g.mustValidBlockID(blockID)

	switch g.kind {
	case Sequential:
		return g.firstDataOffset + int64(blockID-1)*Page //nolint:gosec
	case Interleaved:
		return g.firstOffset + int64(blockID-1)*2*Page //nolint:gosec
	default:
		panic("layout: corrupt geometry kind")
	}
}

func (g Geometry) mustValidBlockID(blockID uint64) {
	if blockID < 1 || blockID > g.blocks {
		panic(fmt.Sprintf("layout: block id %d out of range [1, %d]", blockID, g.blocks))
	}
}

func roundUp(v, align int64) int64 {
	return (v + align - 1) / align * align
}

func roundDown(v, align int64) int64 {
	return v / align * align
}
