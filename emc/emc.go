// Package emc implements an exact-match cache: a small admission-and-
// eviction-managed table keyed on a full (unmasked) flow hash, sitting in
// front of a classifier so that packets belonging to an already-seen flow
// skip tuple-space search entirely (spec.md §6, supplemented feature).
//
// A miss here is not a classification miss: it only means the flow has
// not been cached, or was evicted. Callers must always fall back to the
// classifier's own Lookup on a miss.
package emc

import (
	"hash/maphash"

	"github.com/dgryski/go-tinylfu"
	"github.com/ueno/dpcls"
)

var seed = maphash.MakeSeed()

// Cache maps a flow hash to the rule it last resolved to. One Cache
// belongs to one Classifier; it holds no reference back to the
// classifier and never calls into it, so cache and classifier lifetimes
// are independent. Cache adds no locking of its own: Lookup, Insert and
// Invalidate call the underlying tinylfu table directly and are not
// synchronized with each other.
type Cache struct {
	table *tinylfu.T[uint64, *dpcls.Rule]
}

// New creates a Cache sized for roughly capacity resident entries,
// sampling 10x that many recent accesses for admission decisions (the
// same size/sample ratio the teacher's block cache uses).
func New(capacity int) *Cache {
	return &Cache{
		table: tinylfu.New[uint64, *dpcls.Rule](capacity, capacity*10, hashKey),
	}
}

// Lookup returns the cached rule for hash, if any survives in the cache.
// A tombstoned entry (see Invalidate) is reported as a miss.
func (c *Cache) Lookup(hash uint64) (*dpcls.Rule, bool) {
	rule, ok := c.table.Get(hash)
	if !ok || rule == nil {
		return nil, false
	}
	return rule, true
}

// Insert records that hash last resolved to rule. May evict an
// unrelated entry under memory pressure or admission policy; this is
// advisory and never observable other than through future Lookup misses.
func (c *Cache) Insert(hash uint64, rule *dpcls.Rule) {
	c.table.Add(hash, rule)
}

// Invalidate tombstones hash so a future Lookup reports a miss instead of
// a removed rule's stale action. Call this whenever the rule a flow hash
// maps to is removed from the classifier (go-tinylfu has no direct
// delete; a nil value is indistinguishable from absence to Lookup).
func (c *Cache) Invalidate(hash uint64) {
	c.table.Add(hash, nil)
}

func hashKey(h uint64) uint64 { return maphash.Bytes(seed, u64Bytes(h)) }

func u64Bytes(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
