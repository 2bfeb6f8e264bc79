// Package rcumap implements the concurrent hash map that backs a
// subtable's rule storage: lock-free iteration and lookup for readers,
// serialized through a writer mutex for the single control thread.
//
// The bucket indexing (power-of-two size, mask instead of modulo) is the
// same scheme as BeHierarchic's internal/internpath open-addressing table;
// this map generalizes it from single-slot open addressing to per-bucket
// immutable chains, which is what lets readers walk a bucket without ever
// blocking on a concurrent insert or remove.
package rcumap

import (
	"sync"
	"sync/atomic"
)

const (
	minBuckets    = 16
	growThreshold = 4 // average chain length that triggers a resize
)

// node is an immutable link in a bucket's collision chain. Readers may
// hold a *node across an arbitrarily long traversal; inserts and removes
// never mutate an existing node, only the bucket head pointer.
type node[V any] struct {
	hash uint32
	val  V
	next *node[V]
}

type bucketTable[V any] struct {
	mask  uint32
	heads []atomic.Pointer[node[V]]
}

// Map is a concurrent hash map from an opaque 32-bit hash to values of
// type V. Multiple hash collisions are expected and resolved by the
// caller's match callback, not by the map itself.
type Map[V any] struct {
	mu    sync.Mutex // serializes Put/Delete/resize; the classifier's writer thread
	count atomic.Int64
	table atomic.Pointer[bucketTable[V]]
}

// New creates an empty map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	m.table.Store(newBucketTable[V](minBuckets))
	return m
}

func newBucketTable[V any](n int) *bucketTable[V] {
	return &bucketTable[V]{mask: uint32(n - 1), heads: make([]atomic.Pointer[node[V]], n)}
}

// Lookup walks the collision chain for hash and returns the first value
// for which match reports true. Never blocks, never takes the writer
// mutex: this is the classifier's hot lookup path.
func (m *Map[V]) Lookup(hash uint32, match func(V) bool) (V, bool) {
	tbl := m.table.Load()
	idx := hash & tbl.mask
	for n := tbl.heads[idx].Load(); n != nil; n = n.next {
		if n.hash == hash && match(n.val) {
			return n.val, true
		}
	}
	var zero V
	return zero, false
}

// Range calls fn for every value in the map, in unspecified order,
// stopping early if fn returns false. Used for introspection (rule dump),
// not the lookup hot path.
func (m *Map[V]) Range(fn func(V) bool) {
	tbl := m.table.Load()
	for i := range tbl.heads {
		for n := tbl.heads[i].Load(); n != nil; n = n.next {
			if !fn(n.val) {
				return
			}
		}
	}
}

// Len returns the number of entries currently stored.
func (m *Map[V]) Len() int { return int(m.count.Load()) }

// Put inserts val under hash, prepending it to the bucket's chain. Does
// not deduplicate: inserting a value that an Lookup-equal entry already
// matches is the caller's responsibility to avoid (spec.md: duplicate
// insertion is a programmer error the classifier itself does not guard
// against).
func (m *Map[V]) Put(hash uint32, val V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := m.table.Load()
	if int(m.count.Load())+1 > len(tbl.heads)*growThreshold {
		tbl = m.growLocked(tbl)
	}

	idx := hash & tbl.mask
	head := tbl.heads[idx].Load()
	tbl.heads[idx].Store(&node[V]{hash: hash, val: val, next: head})
	m.count.Add(1)
}

// Delete removes the first value in hash's chain for which match reports
// true. Reports whether an entry was removed. Nodes preceding the removed
// one are rebuilt (the chain is immutable), nodes following it are
// reused unchanged, so a reader already mid-traversal never observes a
// torn list.
func (m *Map[V]) Delete(hash uint32, match func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := m.table.Load()
	idx := hash & tbl.mask
	head := tbl.heads[idx].Load()

	var before []*node[V]
	for n := head; n != nil; n = n.next {
		if n.hash == hash && match(n.val) {
			newTail := n.next
			for i := len(before) - 1; i >= 0; i-- {
				newTail = &node[V]{hash: before[i].hash, val: before[i].val, next: newTail}
			}
			tbl.heads[idx].Store(newTail)
			m.count.Add(-1)
			return true
		}
		before = append(before, n)
	}
	return false
}

// growLocked doubles the bucket count and rehashes every live node into
// the new table. Called with mu held; publishes the new table only once
// fully populated, so a concurrent reader either sees the whole old table
// or the whole new one, never a partially rehashed one.
func (m *Map[V]) growLocked(old *bucketTable[V]) *bucketTable[V] {
	next := newBucketTable[V](len(old.heads) * 2)
	for i := range old.heads {
		for n := old.heads[i].Load(); n != nil; n = n.next {
			idx := n.hash & next.mask
			next.heads[idx].Store(&node[V]{hash: n.hash, val: n.val, next: next.heads[idx].Load()})
		}
	}
	m.table.Store(next)
	return next
}
