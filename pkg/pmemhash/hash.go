// Package pmemhash provides the 128-bit non-cryptographic hash used to
// detect corruption in on-pmem headers, block-metadata records, and data
// pages. It is an integrity check, not a security primitive: the key is
// fixed and public, and collisions are only a concern for random bit rot,
// not for an adversary.
package pmemhash

import (
	"encoding/binary"

	"github.com/minio/highwayhash"
)

// Size is the width of a Sum in bytes (128 bits).
const Size = 16

// key is a fixed, public HighwayHash key. Since this hash is used purely
// for corruption detection (spec: "used for integrity checking only"),
// there is no secrecy requirement on the key; fixing it makes Sum
// deterministic across processes and across restarts, which restore
// depends on.
var key = [32]byte{
	0xb1, 0x77, 0xe5, 0x41, 0x0c, 0x4a, 0x8f, 0x1d,
	0x2c, 0x9b, 0x6e, 0x3a, 0x71, 0xf4, 0x5d, 0x08,
	0xa3, 0x2e, 0x96, 0xc7, 0x1b, 0x44, 0x5f, 0x90,
	0xde, 0x63, 0x17, 0x8a, 0x52, 0xbb, 0xcd, 0x0e,
}

// Sum128 is a 128-bit hash value, stored as two little-endian uint64 halves
// so it can be written directly into a fixed-size on-pmem record.
type Sum128 [Size]byte

// Sum computes the 128-bit hash of data.
//
// Sum never fails: the fixed key is always valid for New128.
func Sum(data []byte) Sum128 {
	h, err := highwayhash.New128(key[:])
	if err != nil {
		panic("pmemhash: invalid fixed key: " + err.Error())
	}

	h.Write(data) //nolint:errcheck // hash.Hash.Write never returns an error

	var sum Sum128

	h.Sum(sum[:0])

	return sum
}

// Equal reports whether two sums are identical.
func (s Sum128) Equal(other Sum128) bool {
	return s == other
}

// IsZero reports whether s is the all-zero sum, used as a sentinel for
// "not yet computed" in freshly zeroed records.
func (s Sum128) IsZero() bool {
	return s == Sum128{}
}

// PutUint64Pair decodes s as two little-endian uint64 halves, the layout
// used by the on-pmem header and metadata encoders.
func (s Sum128) PutUint64Pair() (lo, hi uint64) {
	return binary.LittleEndian.Uint64(s[0:8]), binary.LittleEndian.Uint64(s[8:16])
}

// Sum128FromUint64Pair reassembles a Sum128 from the two little-endian
// uint64 halves read back off pmem.
func Sum128FromUint64Pair(lo, hi uint64) Sum128 {
	var s Sum128

	binary.LittleEndian.PutUint64(s[0:8], lo)
	binary.LittleEndian.PutUint64(s[8:16], hi)

	return s
}
