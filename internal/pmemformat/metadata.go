package pmemformat

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

// MetadataMagic identifies a valid BlockMetadata record (spec §6).
const MetadataMagic = 0xf10c8a0f

// MetadataLogicalSize is the packed, logical size of a BlockMetadata
// record (spec §6: 64 bytes). The physical on-pmem size may be larger
// (zero-padded to a page for the BlockDevice provider); MetadataLogicalSize
// is always the number of meaningful bytes.
const MetadataLogicalSize = 64

// InvalidSector is the sentinel device_sector value for a block in the
// Invalid state (invariant I7).
const InvalidSector = ^uint64(0) // all-ones == -1 reinterpreted as uint64

// State is a BlockMetadata's persistable lifecycle state (invariant I6).
type State uint32

const (
	// StateInvalid marks a slot holding no cached data.
	StateInvalid State = 0
	// StateClean marks a slot whose data matches the origin.
	StateClean State = 1
	// StateDirty marks a slot whose data has not yet been written back
	// to the origin.
	StateDirty State = 2

	// firstTransientState is the smallest State value that is a
	// recognized, rollback-on-restore transient ("mid-transaction")
	// marker rather than one of the three persistable states or outright
	// corruption. The original C source uses several transient state
	// constants adjacent to Dirty; this implementation treats every value
	// in [firstTransientState, lastTransientState] as one transient
	// category: restore counts such a block as transient and does not
	// report it as restored, whichever sub-state it was. Restore itself
	// does not rewrite the slot.
	firstTransientState State = 3
	lastTransientState  State = 7
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateClean:
		return "Clean"
	case StateDirty:
		return "Dirty"
	default:
		if s.IsTransient() {
			return fmt.Sprintf("Transient(%d)", uint32(s))
		}

		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// IsPersistable reports whether s is one of the three states spec.md
// allows to be durably committed (invariant I6).
func (s State) IsPersistable() bool {
	return s == StateInvalid || s == StateClean || s == StateDirty
}

// IsTransient reports whether s is a recognized mid-transaction marker
// that must be rolled back to Invalid on restore, rather than an error.
func (s State) IsTransient() bool {
	return s >= firstTransientState && s <= lastTransientState
}

// BlockMetadata is the in-memory representation of one cache block's
// persisted metadata cell.
type BlockMetadata struct {
	BlockID      uint64
	DeviceSector uint64 // InvalidSector when State == StateInvalid
	Xid          uint64
	State        State
	HashData     pmemhash.Sum128 // hash of the full data page
}

// ErrMetadataCorrupt wraps every BlockMetadata decode failure. Callers
// should use errors.Is with the more specific sentinels below to tell
// magic corruption from hash corruption from an invalid state value
// (spec §4.6 classification).
var ErrMetadataCorrupt = errors.New("pmemformat: metadata corrupt")

// ErrMetadataBadMagic reports a BlockMetadata record with the wrong magic
// tag (spec §4.6: CorruptMetadata).
var ErrMetadataBadMagic = fmt.Errorf("%w: bad magic", ErrMetadataCorrupt)

// ErrMetadataHashMismatch reports a BlockMetadata record whose own hash
// does not match its bytes (spec §4.6: HashCorruptMetadata).
var ErrMetadataHashMismatch = fmt.Errorf("%w: hash mismatch", ErrMetadataCorrupt)

// ErrMetadataBadState reports a BlockMetadata record whose state value is
// neither persistable nor a recognized transient (spec §4.6:
// CorruptMetadata).
var ErrMetadataBadState = fmt.Errorf("%w: unrecognized state", ErrMetadataCorrupt)

// Encode serializes m into a MetadataLogicalSize-byte buffer. m.HashData
// is the hash of the associated data page (invariant I4); for
// StateInvalid blocks, leave it as a zero Sum128.
func (m BlockMetadata) Encode() []byte {
	buf := make([]byte, MetadataLogicalSize)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], MetadataMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.BlockID)) //nolint:gosec // block ids fit uint32 in practice
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.DeviceSector)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Xid)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.State))
	off += 4

	copy(buf[off:off+pmemhash.Size], m.HashData[:])
	off += pmemhash.Size

	sum := pmemhash.Sum(buf[:off])
	copy(buf[off:off+pmemhash.Size], sum[:])

	return buf
}

// DecodeMetadata parses buf (at least MetadataLogicalSize bytes) into a
// BlockMetadata, classifying corruption per spec §4.6. It does not read
// or validate the associated data page; callers combine this with a data
// hash check to fully satisfy invariant I4.
func DecodeMetadata(buf []byte) (BlockMetadata, error) {
	if len(buf) < MetadataLogicalSize {
		return BlockMetadata{}, fmt.Errorf("%w: buffer too small (%d bytes)", ErrMetadataCorrupt, len(buf))
	}

	off := 0
	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if magic != MetadataMagic {
		return BlockMetadata{}, ErrMetadataBadMagic
	}

	var m BlockMetadata

	m.BlockID = uint64(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	m.DeviceSector = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.Xid = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.State = State(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	copy(m.HashData[:], buf[off:off+pmemhash.Size])
	off += pmemhash.Size

	storedSum := pmemhash.Sum128(buf[off : off+pmemhash.Size])

	computed := pmemhash.Sum(buf[:off])
	if !computed.Equal(storedSum) {
		return BlockMetadata{}, ErrMetadataHashMismatch
	}

	if !m.State.IsPersistable() && !m.State.IsTransient() {
		return BlockMetadata{}, ErrMetadataBadState
	}

	return m, nil
}
