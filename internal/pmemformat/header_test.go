package pmemformat_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
)

func sampleHeader(t *testing.T) pmemformat.Header {
	t.Helper()

	return pmemformat.Header{
		Version:         pmemformat.HeaderVersion,
		HeaderSizeBytes: pmemformat.HeaderSize,
		CacheLayout:     layout.Sequential,
		CacheBlocks:     1024,
		CacheBlockSize:  layout.Page,
		McbSizeBytes:    layout.PackedMetaSize,
		CacheSizeBytes:  64 * 1024 * 1024,
		FirstOffset:     layout.FirstOffset,
		FirstDataOffset: 270336,
		UUID:            uuid.New(),
		Name:            "test-cache",
		DeviceUUID:      uuid.New(),
		DeviceName:      "/dev/test0",
		XidFirst:        1,
		XidCurrent:      3,
	}
}

// TestHeader_RoundTrip is property P2.
func TestHeader_RoundTrip(t *testing.T) {
	h := sampleHeader(t)

	buf, err := h.Encode()
	require.NoError(t, err)
	require.Len(t, buf, pmemformat.HeaderSize)

	got, err := pmemformat.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

// TestHeader_BitFlipInvalidates is the other half of P2: flipping any bit
// outside the hash field causes Decode to fail.
func TestHeader_BitFlipInvalidates(t *testing.T) {
	h := sampleHeader(t)

	buf, err := h.Encode()
	require.NoError(t, err)

	hashStart := len(buf) - 1 // somewhere deep in the trailing zero padding is safe to skip
	for _, byteIdx := range []int{0, 4, 20, 68, 200, 356, 372} {
		t.Run("", func(t *testing.T) {
			corrupt := append([]byte(nil), buf...)
			corrupt[byteIdx] ^= 0x01

			_, err := pmemformat.Decode(corrupt)
			require.Error(t, err)
		})
	}

	_ = hashStart
}

func TestHeader_RejectsBadMagic(t *testing.T) {
	h := sampleHeader(t)

	buf, err := h.Encode()
	require.NoError(t, err)

	buf[0] ^= 0xFF

	_, err = pmemformat.Decode(buf)
	require.ErrorIs(t, err, pmemformat.ErrHeaderCorrupt)
}

func TestHeader_RejectsTooSmallBuffer(t *testing.T) {
	_, err := pmemformat.Decode(make([]byte, 10))
	require.ErrorIs(t, err, pmemformat.ErrHeaderCorrupt)
}

func FuzzHeaderRoundTrip(f *testing.F) {
	f.Add("cache-a", "/dev/nvme0n1", uint64(1), uint64(3))
	f.Add("", "", uint64(0), uint64(0))

	f.Fuzz(func(t *testing.T, name, deviceName string, xidFirst, xidCurrent uint64) {
		if len(name) > 127 || len(deviceName) > 127 {
			t.Skip()
		}

		h := pmemformat.Header{
			Version:         pmemformat.HeaderVersion,
			HeaderSizeBytes: pmemformat.HeaderSize,
			CacheLayout:     layout.Sequential,
			CacheBlocks:     1,
			CacheBlockSize:  layout.Page,
			McbSizeBytes:    layout.PackedMetaSize,
			CacheSizeBytes:  1 << 20,
			FirstOffset:     layout.FirstOffset,
			FirstDataOffset: layout.FirstOffset,
			Name:            name,
			DeviceName:      deviceName,
			XidFirst:        xidFirst,
			XidCurrent:      xidCurrent,
		}

		buf, err := h.Encode()
		require.NoError(t, err)

		got, err := pmemformat.Decode(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	})
}
