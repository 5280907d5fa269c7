package pmemformat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

// TestBlockMetadata_RoundTrip is property P3: round trip for all three
// persistable states.
func TestBlockMetadata_RoundTrip(t *testing.T) {
	for _, state := range []pmemformat.State{pmemformat.StateInvalid, pmemformat.StateClean, pmemformat.StateDirty} {
		t.Run(state.String(), func(t *testing.T) {
			m := pmemformat.BlockMetadata{
				BlockID:      7,
				DeviceSector: 12345,
				Xid:          9,
				State:        state,
				HashData:     pmemhash.Sum([]byte("some data page contents")),
			}

			if state == pmemformat.StateInvalid {
				m.DeviceSector = pmemformat.InvalidSector
			}

			buf := m.Encode()
			require.Len(t, buf, pmemformat.MetadataLogicalSize)

			got, err := pmemformat.DecodeMetadata(buf)
			require.NoError(t, err)
			require.Equal(t, m, got)
		})
	}
}

func TestBlockMetadata_BadMagic(t *testing.T) {
	m := pmemformat.BlockMetadata{BlockID: 1, State: pmemformat.StateClean, DeviceSector: 1}
	buf := m.Encode()
	buf[0] ^= 0xFF

	_, err := pmemformat.DecodeMetadata(buf)
	require.ErrorIs(t, err, pmemformat.ErrMetadataBadMagic)
}

func TestBlockMetadata_HashMismatch(t *testing.T) {
	m := pmemformat.BlockMetadata{BlockID: 1, State: pmemformat.StateClean, DeviceSector: 1}
	buf := m.Encode()
	buf[8] ^= 0x01 // flip a byte inside device_sector, outside the hash

	_, err := pmemformat.DecodeMetadata(buf)
	require.ErrorIs(t, err, pmemformat.ErrMetadataHashMismatch)
}

func TestBlockMetadata_BadState(t *testing.T) {
	m := pmemformat.BlockMetadata{BlockID: 1, State: 99, DeviceSector: 1}
	buf := m.Encode()

	_, err := pmemformat.DecodeMetadata(buf)
	require.ErrorIs(t, err, pmemformat.ErrMetadataBadState)
}

func TestState_TransientIsNotPersistableButIsRecognized(t *testing.T) {
	m := pmemformat.BlockMetadata{BlockID: 1, State: 4, DeviceSector: 1}
	buf := m.Encode()

	got, err := pmemformat.DecodeMetadata(buf)
	require.NoError(t, err)
	require.True(t, got.State.IsTransient())
	require.False(t, got.State.IsPersistable())
}

func FuzzBlockMetadataRoundTrip(f *testing.F) {
	f.Add(uint64(1), uint64(0), uint64(0), uint32(0))
	f.Add(uint64(100), uint64(9999), uint64(5), uint32(2))

	f.Fuzz(func(t *testing.T, blockID, sector, xid uint64, state uint32) {
		st := pmemformat.State(state % 3) // restrict to persistable states for a clean round trip
		blockID = uint64(uint32(blockID)) // block_id is a u32 field on pmem

		m := pmemformat.BlockMetadata{
			BlockID:      blockID,
			DeviceSector: sector,
			Xid:          xid,
			State:        st,
			HashData:     pmemhash.Sum([]byte{byte(blockID), byte(sector)}),
		}

		buf := m.Encode()

		got, err := pmemformat.DecodeMetadata(buf)
		require.NoError(t, err)
		require.Equal(t, m, got)
	})
}
