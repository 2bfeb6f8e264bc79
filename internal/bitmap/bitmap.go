// Package bitmap provides the small fixed-width bit vector used to track
// which packets in a lookup batch are still unresolved.
//
// The shape is lifted from the block-progress bitmap in BeHierarchic's
// spinner package: a single inline machine word. Batches larger than one
// word (MaxBatch packets) are not supported; New panics on them.
package bitmap

import "math/bits"

// MaxBatch is the largest lookup batch a single Map can track.
const MaxBatch = 64

// Map is a bit vector of up to MaxBatch bits, one per packet in a batch.
// The zero value has no bits set (no unresolved packets); use New to
// start a batch.
type Map uint64

// New returns a Map with the low n bits set, matching the "keys_map"
// initialization in classifier lookups: n packets, all unresolved.
func New(n int) Map {
	if n < 0 || n > MaxBatch {
		panic("bitmap: batch size out of range")
	}
	if n == MaxBatch {
		return ^Map(0)
	}
	return Map(1)<<uint(n) - 1
}

// Test reports whether bit i is set (packet i still unresolved).
func (m Map) Test(i int) bool { return m&(1<<uint(i)) != 0 }

// Clear clears bit i (packet i has been matched).
func (m Map) Clear(i int) Map { return m &^ (1 << uint(i)) }

// IsZero reports whether every bit is clear, i.e. the whole batch resolved.
func (m Map) IsZero() bool { return m == 0 }

// PopCount returns the number of still-unresolved packets.
func (m Map) PopCount() int { return bits.OnesCount64(uint64(m)) }

// Next returns the index of the lowest set bit, or -1 if none remain.
// Callers use this to iterate the unresolved packets in ascending order.
func (m Map) Next() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}
