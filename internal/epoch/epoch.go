// Package epoch implements the quiescence bookkeeping the classifier's
// RCU-style reclamation relies on (spec §5, §9 "RCU-style reclamation").
//
// In the original C, a removed rule or subtable must not be physically
// freed until every worker thread has reported a quiescent state since the
// removal. In Go, the garbage collector already guarantees an object is
// never freed while a reference to it is reachable; what this package adds
// is the discipline itself, so that readers which fail to report
// quiescence are made visible (and testable), and so that retired objects
// can be dropped from bookkeeping structures at a well-defined point
// instead of leaking in long-lived maps forever.
package epoch

import (
	"math"
	"sync"
	"sync/atomic"
)

const quiescent = math.MaxUint64

// Domain tracks one classifier instance's readers and its retired objects.
type Domain struct {
	global atomic.Uint64

	mu      sync.Mutex // guards handles and retired; control-thread only
	handles []*Handle
	retired []retiredItem
}

type retiredItem struct {
	obj   any
	epoch uint64
}

// Handle is a single reader's (forwarding worker's) view into the domain.
// A worker registers one Handle and reuses it for the lifetime of the
// goroutine; Handles must not be shared between concurrently running
// goroutines.
type Handle struct {
	epoch atomic.Uint64
}

// NewDomain creates an empty reclamation domain.
func NewDomain() *Domain {
	return &Domain{}
}

// Register creates a Handle for a new reader thread. Call once per worker
// goroutine, not once per lookup.
func (d *Domain) Register() *Handle {
	h := &Handle{}
	h.epoch.Store(quiescent)
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h
}

// Enter marks the handle as observing the domain's current epoch. Call
// immediately before dereferencing any structure retired through this
// domain (i.e. at the start of a lookup batch).
func (h *Handle) Enter(d *Domain) {
	h.epoch.Store(d.global.Load())
}

// Exit reports quiescence: the handle holds no more references obtained
// through this domain. Call at the end of a lookup batch, never leaving a
// dereferenced pointer live across the call.
func (h *Handle) Exit() {
	h.epoch.Store(quiescent)
}

// Retire schedules obj for reclamation once no reader can still observe
// the epoch current at the time of the call. obj is returned later by
// Reclaim, never freed directly by this package — callers drop their own
// last reference (e.g. letting a subtable fall out of the MRU slice) and
// the garbage collector does the rest.
func (d *Domain) Retire(obj any) {
	d.mu.Lock()
	d.global.Add(1)
	d.retired = append(d.retired, retiredItem{obj: obj, epoch: d.global.Load()})
	d.mu.Unlock()
}

// Reclaim computes the quiescent barrier and returns every object retired
// strictly before the oldest epoch any registered reader is still
// observing. Call this periodically from the single control thread (e.g.
// from optimize()); it is the Go analogue of draining a deferred-free
// queue at a quiescence barrier.
func (d *Domain) Reclaim() []any {
	d.mu.Lock()
	defer d.mu.Unlock()

	min := d.global.Load() + 1
	for _, h := range d.handles {
		if e := h.epoch.Load(); e < min {
			min = e
		}
	}

	kept := d.retired[:0:0]
	var freed []any
	for _, r := range d.retired {
		if r.epoch < min {
			freed = append(freed, r.obj)
		} else {
			kept = append(kept, r)
		}
	}
	d.retired = kept
	return freed
}

// Pending reports how many retired objects are still waiting on a
// quiescent barrier. Used by tests to assert property 7 (empty-subtable
// reclamation) without racing the garbage collector directly.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired)
}
