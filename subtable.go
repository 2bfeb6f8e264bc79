package dpcls

import (
	"sync/atomic"

	"github.com/ueno/dpcls/flowkey"
	"github.com/ueno/dpcls/internal/cpucap"
	"github.com/ueno/dpcls/internal/rcumap"
	"github.com/ueno/dpcls/miniflow"
)

// maskField is one entry of a subtable's mf_masks cache: the block a rule
// mask constrains, and the mask value to AND a packet's corresponding
// block with. Fields are stored in ascending block order so a masked key
// can be produced in a single forward pass with no branching over the
// mask's own flowmap (spec.md §4.3).
type maskField struct {
	block int
	value uint64
}

// Rule is a single installed flow-match entry. Its packed match values
// live in Flow.MF.Values, a buffer owned by the Rule and sized to its
// subtable's mask length — the Go equivalent of the C layout's trailing
// variable-length buffer (spec.md design notes).
type Rule struct {
	Flow   flowkey.FlowKey
	Action uint64 // opaque, caller-defined action payload; not modeled further
	owner  *Subtable
}

// Subtable returns the subtable that owns rule. This is this module's
// concrete form of "a back-pointer to the mask key of the subtable that
// holds it": the mask lives on the Subtable, so the back-pointer goes
// straight to it instead of a bare mask-key pointer.
func (r *Rule) Subtable() *Subtable { return r.owner }

// Subtable holds every rule that shares one wildcard mask (spec.md §3).
type Subtable struct {
	Mask flowkey.FlowKey // immutable after creation

	fields    []maskField // mf_masks cache
	bitsUnit0 int
	bitsUnit1 int

	rules  *rcumap.Map[*Rule]
	hitCnt atomic.Uint64

	lookupFn atomic.Pointer[lookupFunc]
}

func newSubtable(mask flowkey.FlowKey, capability cpucap.Token) *Subtable {
	st := &Subtable{
		Mask:      mask,
		fields:    buildMaskFields(mask.MF),
		bitsUnit0: mask.MF.PopCountUnit0(),
		bitsUnit1: mask.MF.PopCountUnit1(),
		rules:     rcumap.New[*Rule](),
	}
	fn := selectLookup(st.bitsUnit0, st.bitsUnit1, capability)
	st.lookupFn.Store(&fn)
	return st
}

func buildMaskFields(mask miniflow.MiniFlow) []maskField {
	fields := make([]maskField, 0, mask.Len())
	mask.Iter(mask.Map0, mask.Map1, func(block int, value uint64) bool {
		fields = append(fields, maskField{block: block, value: value})
		return true
	})
	return fields
}

// HitCount returns the number of lookup matches this subtable has served
// since the last optimize() call reset it (spec.md §4.4, advisory only).
func (st *Subtable) HitCount() uint64 { return st.hitCnt.Load() }

// Len returns the number of rules currently installed in this subtable.
func (st *Subtable) Len() int { return st.rules.Len() }

// Rules yields every rule currently installed, in unspecified order. For
// diagnostic introspection (spec.md §6), not the lookup hot path.
func (st *Subtable) Rules(yield func(*Rule) bool) {
	st.rules.Range(func(r *Rule) bool { return yield(r) })
}

// pin re-selects st's lookup function for the given capability token. If
// the runtime cannot back the token, pin installs the generic
// implementation and reports ErrCapabilityUnavailable. If the token is
// available but no specialization matches this subtable's shape, pin
// installs the generic implementation and reports no error.
func (st *Subtable) pin(capability cpucap.Token) error {
	if capability != cpucap.Generic && !cpucap.Available(capability) {
		fn := lookupGeneric
		st.lookupFn.Store(&fn)
		return ErrCapabilityUnavailable
	}
	fn := selectLookup(st.bitsUnit0, st.bitsUnit1, capability)
	st.lookupFn.Store(&fn)
	return nil
}
