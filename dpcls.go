// Package dpcls implements a userspace datapath packet classifier: a
// tuple-space-search scheme that maps compressed flow keys to previously
// installed rules for a batch of packets at a time, supporting concurrent
// lookups from many forwarding workers while a single control thread
// inserts and removes rules (spec.md §1-§2).
package dpcls

import (
	"encoding/binary"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ueno/dpcls/flowkey"
	"github.com/ueno/dpcls/internal/bitmap"
	"github.com/ueno/dpcls/internal/cpucap"
	"github.com/ueno/dpcls/internal/epoch"
)

// Classifier owns an MRU-ordered collection of subtables (spec.md §3,
// §4.2). The zero value is not usable; construct with New.
type Classifier struct {
	// MaxRules bounds the total number of installed rules; Insert past
	// this limit returns ErrAllocationFailure. Zero means unlimited. Set
	// before first use; not safe to change concurrently with Insert.
	MaxRules int

	mu     sync.Mutex // serializes Insert, Remove, Optimize
	byMask map[maskID]*Subtable

	mru atomic.Pointer[[]*Subtable]

	domain     *epoch.Domain
	capability atomic.Int32 // cpucap.Token currently pinned

	metrics *Metrics
	total   int // rule count, writer-owned
}

// New creates an empty classifier.
func New() *Classifier {
	c := &Classifier{
		byMask: make(map[maskID]*Subtable),
		domain: epoch.NewDomain(),
	}
	empty := []*Subtable{}
	c.mru.Store(&empty)
	c.capability.Store(int32(cpucap.Generic))
	return c
}

// maskID is a comparable identity for a subtable's mask, used for the
// writer-only "does a subtable for this mask already exist" lookup
// (spec.md §4.2 insert: "Creates the subtable if absent").
type maskID struct {
	map0, map1 uint64
	values     string
}

func maskIDOf(mask flowkey.FlowKey) maskID {
	buf := make([]byte, 8*len(mask.MF.Values))
	for i, v := range mask.MF.Values {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return maskID{map0: mask.MF.Map0, map1: mask.MF.Map1, values: string(buf)}
}

// RegisterReader creates a quiescence handle for one forwarding worker
// goroutine. Call once per worker at startup and reuse it for every
// Lookup that worker performs (spec.md §5: "a worker that holds a rule or
// subtable pointer across reporting is a discipline violation").
func (c *Classifier) RegisterReader() *epoch.Handle { return c.domain.Register() }

// NewScratch allocates a lookup scratch buffer sized to the largest
// possible masked key. One per calling thread; never share a scratch
// buffer between goroutines (spec.md §5).
func NewScratch() []uint64 { return make([]uint64, 128) }

// Insert places a rule matching key under mask into the classifier,
// creating the subtable for mask if one does not already exist
// (spec.md §4.2). key's miniflow must share mask's flowmap exactly: key
// is the masked match pattern, not the original unmasked packet value.
func (c *Classifier) Insert(mask, key flowkey.FlowKey, action uint64) (*Rule, error) {
	if key.MF.Map0 != mask.MF.Map0 || key.MF.Map1 != mask.MF.Map1 {
		panic("dpcls: insert key's flowmap does not match mask's flowmap")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.MaxRules > 0 && c.total >= c.MaxRules {
		return nil, ErrAllocationFailure
	}

	id := maskIDOf(mask)
	st, ok := c.byMask[id]
	if !ok {
		st = newSubtable(mask, cpucap.Token(c.capability.Load()))
		c.byMask[id] = st
		mru := append(append([]*Subtable(nil), c.currentMRU()...), st)
		c.publishMRULocked(mru)
		slog.Debug("dpcls: subtable created", "mask_hash", mask.Hash, "fields", st.bitsUnit0+st.bitsUnit1)
	}

	rule := &Rule{Flow: key, Action: action, owner: st}
	st.rules.Put(key.Hash, rule)
	c.total++
	if c.metrics != nil {
		c.metrics.observeInsert(st)
		c.metrics.ObserveSubtableCount(len(c.currentMRU()))
	}
	return rule, nil
}

// Remove removes rule from its subtable. If the subtable becomes empty it
// is removed from the classifier and retired for deferred reclamation
// (spec.md §4.2, §5). Removing a rule not present in its subtable is a
// programmer error and aborts, per the MissingRemove entry of §7.
func (c *Classifier) Remove(rule *Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := rule.owner
	if !st.rules.Delete(rule.Flow.Hash, func(r *Rule) bool { return r == rule }) {
		panic("dpcls: remove called on a rule not present in its subtable")
	}
	c.total--
	if c.metrics != nil {
		c.metrics.observeRemove(st)
	}

	if st.rules.Len() == 0 {
		delete(c.byMask, maskIDOf(st.Mask))
		mru := c.currentMRU()
		next := make([]*Subtable, 0, len(mru))
		for _, s := range mru {
			if s != st {
				next = append(next, s)
			}
		}
		c.publishMRULocked(next)
		c.domain.Retire(st)
		if c.metrics != nil {
			c.metrics.ObserveSubtableCount(len(next))
		}
		slog.Debug("dpcls: subtable retired", "mask_hash", st.Mask.Hash)
	}
}

// Lookup resolves a batch of packet keys against the classifier's
// subtables in MRU order (spec.md §4.2). h must have been obtained from
// RegisterReader by the calling goroutine. scratch is a caller-owned
// buffer from NewScratch, reused across calls by the same goroutine.
// rulesOut must have the same length as keys; entries for unresolved
// packets are left untouched. The returned bitmap.Map has a bit set for
// every packet that missed in every subtable.
func (c *Classifier) Lookup(h *epoch.Handle, keys []*flowkey.FlowKey, rulesOut []*Rule, scratch []uint64) bitmap.Map {
	if len(keys) != len(rulesOut) {
		panic("dpcls: keys and rulesOut must have the same length")
	}

	h.Enter(c.domain)
	defer h.Exit()

	keysMap := bitmap.New(len(keys))
	for _, st := range c.currentMRU() {
		if keysMap.IsZero() {
			break
		}
		fn := *st.lookupFn.Load()
		keysMap = fn(st, scratch, keysMap, keys, rulesOut)
	}
	return keysMap
}

// Optimize reorders the MRU view by descending hit count and resets every
// subtable's counter, then re-pins each subtable's lookup function to
// capability. Subtables whose shape has no specialization get the generic
// lookup silently; if the runtime cannot back capability at all, every
// subtable gets the generic lookup and ErrCapabilityUnavailable is
// returned (spec.md §4.2, §4.4).
func (c *Classifier) Optimize(capability cpucap.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics != nil {
		for _, st := range c.currentMRU() {
			c.metrics.ObserveSubtableHit(st.Mask.Hash, st.HitCount())
		}
	}

	sorted := append([]*Subtable(nil), c.currentMRU()...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].hitCnt.Load() > sorted[j].hitCnt.Load()
	})
	for _, st := range sorted {
		st.hitCnt.Store(0)
	}
	c.publishMRULocked(sorted)
	c.capability.Store(int32(capability))

	var fallback error
	for _, st := range sorted {
		if err := st.pin(capability); err != nil {
			fallback = err
		}
	}
	slog.Debug("dpcls: optimize complete", "subtables", len(sorted), "capability", capability.String())
	return fallback
}

// Reclaim drains every subtable retired before the oldest epoch any
// registered reader is still observing. Call periodically from the
// control thread (e.g. alongside Optimize); this is the quiescence
// barrier spec.md §5 requires before a removed subtable's storage is
// truly freeable (property 7).
func (c *Classifier) Reclaim() int { return len(c.domain.Reclaim()) }

// SubtableCount returns the number of subtables currently installed.
func (c *Classifier) SubtableCount() int { return len(c.currentMRU()) }

// Subtables yields every subtable in current MRU order, for diagnostic
// introspection (spec.md §6).
func (c *Classifier) Subtables() iter.Seq[*Subtable] {
	return func(yield func(*Subtable) bool) {
		for _, st := range c.currentMRU() {
			if !yield(st) {
				return
			}
		}
	}
}

// EnableMetrics attaches a Prometheus collector to this classifier. See
// metrics.go.
func (c *Classifier) EnableMetrics(m *Metrics) { c.metrics = m }

func (c *Classifier) currentMRU() []*Subtable { return *c.mru.Load() }

func (c *Classifier) publishMRULocked(v []*Subtable) { c.mru.Store(&v) }
