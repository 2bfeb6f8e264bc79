// Package flowkey bundles a miniflow with the hash and length that
// identify it as a packet fingerprint or a subtable mask (spec.md §3).
package flowkey

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/ueno/dpcls/miniflow"
)

// FlowKey is a packet fingerprint in the packet-key role, or a subtable
// identity in the mask-key role. The hashing function is the same in
// both roles so that a masked packet key and a stored rule key land in
// the same hash bucket.
type FlowKey struct {
	Hash uint32 // opaque 32-bit hash over the packed miniflow
	Len  uint32 // byte length of the packed miniflow (8 * number of blocks)
	MF   miniflow.MiniFlow
}

// New builds a FlowKey from a miniflow, computing Hash and Len.
func New(mf miniflow.MiniFlow) FlowKey {
	return FlowKey{
		Hash: Hash(mf),
		Len:  uint32(8 * mf.Len()),
		MF:   mf,
	}
}

// Hash computes the classifier's fixed 32-bit hash over a miniflow's
// flowmap and packed values. Every user of a single classifier instance
// must use this same function for both packet keys and rule masked keys
// (spec.md §6); it is otherwise treated as opaque by the classifier.
//
// Grounded on internal/fileid's use of cespare/xxhash to fingerprint
// files: xxhash.Sum64 here over the flowmap and values, folded to 32
// bits to match the wire format ("hashes are 32-bit unsigned").
func Hash(mf miniflow.MiniFlow) uint32 {
	var buf [8]byte
	h := xxhash.New()

	binary.LittleEndian.PutUint64(buf[:], mf.Map0)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], mf.Map1)
	h.Write(buf[:])
	for _, v := range mf.Values {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	sum := h.Sum64()
	return uint32(sum) ^ uint32(sum>>32)
}

// HashMasked computes the same hash as Hash would for a miniflow with
// flowmap (map0, map1) and packed values, without allocating an intermediate
// MiniFlow. Used on the lookup hot path where the masked packet key lives
// in a caller-owned scratch buffer (spec.md §4.3 step 2).
func HashMasked(map0, map1 uint64, values []uint64) uint32 {
	var buf [8]byte
	h := xxhash.New()

	binary.LittleEndian.PutUint64(buf[:], map0)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], map1)
	h.Write(buf[:])
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	sum := h.Sum64()
	return uint32(sum) ^ uint32(sum>>32)
}
