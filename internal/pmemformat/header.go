// Package pmemformat defines the bit-exact on-pmem records (the Header
// "superblock" and the per-block BlockMetadata cell) and their
// encode/decode functions. Encoding is explicit little-endian
// encoding/binary, not Go struct layout, because Go does not guarantee a
// struct's in-memory layout matches a fixed wire format (mirroring the
// teacher pack's own slc1Header encodeHeader/decodeHeader approach).
package pmemformat

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

// HeaderMagic identifies a valid header record (spec §6).
const HeaderMagic = 0xf10c5704

// HeaderVersion is the only version this implementation understands.
const HeaderVersion = 11

// HeaderSize is the on-pmem size of a Header record: one page.
const HeaderSize = layout.Page

// Offsets of the copies within the pmem device (spec §6).
const (
	Header0Offset = 0
	Header1Offset = layout.EraseBlockSize
)

const (
	nameMaxLen = 128
	uuidLen    = 16
	spareWords = 64
)

// Header is the in-memory representation of the on-pmem superblock.
type Header struct {
	Version          uint32
	HeaderSizeBytes  uint32
	CacheLayout      layout.Kind
	CacheBlocks      uint64
	CacheBlockSize   uint64
	McbSizeBytes     uint64
	CacheSizeBytes   uint64
	FirstOffset      uint64
	FirstDataOffset  uint64
	UUID             uuid.UUID
	Name             string
	DeviceUUID       uuid.UUID
	DeviceName       string
	XidFirst         uint64
	XidCurrent       uint64
	Spare            [spareWords]uint64
}

// ErrHeaderCorrupt is returned by Validate/Decode when a header fails its
// hash check or any structural sanity check (spec §7: HeaderCorrupt /
// BadMessage).
var ErrHeaderCorrupt = errors.New("pmemformat: header corrupt")

// Encode serializes h into a HeaderSize-byte buffer, computing and storing
// the trailing 128-bit hash over every preceding byte (invariant I1).
func (h Header) Encode() ([]byte, error) {
	if len(h.Name) > nameMaxLen-1 {
		return nil, fmt.Errorf("pmemformat: cache name exceeds %d bytes", nameMaxLen-1)
	}

	if len(h.DeviceName) > nameMaxLen-1 {
		return nil, fmt.Errorf("pmemformat: device name exceeds %d bytes", nameMaxLen-1)
	}

	buf := make([]byte, HeaderSize)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], HeaderMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Version)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.HeaderSizeBytes)
	off += 4
	buf[off] = h.CacheLayout.ByteTag()
	off += 1 + 7 // 7 bytes pad

	binary.LittleEndian.PutUint64(buf[off:], h.CacheBlocks)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.CacheBlockSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.McbSizeBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.CacheSizeBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.FirstOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.FirstDataOffset)
	off += 8

	copy(buf[off:off+uuidLen], h.UUID[:])
	off += uuidLen
	copy(buf[off:off+nameMaxLen], h.Name)
	off += nameMaxLen
	copy(buf[off:off+uuidLen], h.DeviceUUID[:])
	off += uuidLen
	copy(buf[off:off+nameMaxLen], h.DeviceName)
	off += nameMaxLen

	binary.LittleEndian.PutUint64(buf[off:], h.XidFirst)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.XidCurrent)
	off += 8

	for i := range h.Spare {
		binary.LittleEndian.PutUint64(buf[off:], h.Spare[i])
		off += 8
	}

	sum := pmemhash.Sum(buf[:off])
	copy(buf[off:off+pmemhash.Size], sum[:])

	return buf, nil
}

// Decode parses and validates buf (invariant I1: hash covers every field
// except the hash itself). A magic or hash mismatch is ErrHeaderCorrupt.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: buffer too small (%d bytes)", ErrHeaderCorrupt, len(buf))
	}

	off := 0
	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if magic != HeaderMagic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrHeaderCorrupt, magic)
	}

	var h Header

	h.Version = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.HeaderSizeBytes = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	kind, ok := layout.KindFromByteTag(buf[off])
	if !ok {
		return Header{}, fmt.Errorf("%w: bad cache_layout byte %#x", ErrHeaderCorrupt, buf[off])
	}

	h.CacheLayout = kind
	off += 1 + 7

	h.CacheBlocks = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.CacheBlockSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.McbSizeBytes = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.CacheSizeBytes = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.FirstOffset = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.FirstDataOffset = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	copy(h.UUID[:], buf[off:off+uuidLen])
	off += uuidLen
	h.Name = decodeCString(buf[off : off+nameMaxLen])
	off += nameMaxLen
	copy(h.DeviceUUID[:], buf[off:off+uuidLen])
	off += uuidLen
	h.DeviceName = decodeCString(buf[off : off+nameMaxLen])
	off += nameMaxLen

	h.XidFirst = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.XidCurrent = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	for i := range h.Spare {
		h.Spare[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}

	storedSum := pmemhash.Sum128(buf[off : off+pmemhash.Size])

	computed := pmemhash.Sum(buf[:off])
	if !computed.Equal(storedSum) {
		return Header{}, fmt.Errorf("%w: hash mismatch", ErrHeaderCorrupt)
	}

	if h.Version != HeaderVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrHeaderCorrupt, h.Version)
	}

	return h, nil
}

func decodeCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
