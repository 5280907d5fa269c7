package pmemhash_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

func TestSum_Deterministic(t *testing.T) {
	data := []byte("a cache block's worth of bytes, or a header's worth")

	a := pmemhash.Sum(data)
	b := pmemhash.Sum(data)

	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestSum_SingleBitFlipChangesHash(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}

	base := pmemhash.Sum(data)

	flipped := make([]byte, len(data))
	copy(flipped, data)
	flipped[2048] ^= 0x01

	other := pmemhash.Sum(flipped)

	require.NotEqual(t, base, other)
}

func TestSum128_RoundTripUint64Pair(t *testing.T) {
	sum := pmemhash.Sum([]byte("round trip me"))

	lo, hi := sum.PutUint64Pair()
	roundTripped := pmemhash.Sum128FromUint64Pair(lo, hi)

	require.Equal(t, sum, roundTripped)
}

func TestSum128_ZeroValueIsZero(t *testing.T) {
	var zero pmemhash.Sum128

	require.True(t, zero.IsZero())
}
