package dpcls

import (
	"github.com/ueno/dpcls/flowkey"
	"github.com/ueno/dpcls/internal/bitmap"
	"github.com/ueno/dpcls/internal/cpucap"
)

// lookupFunc is the per-subtable lookup implementation (spec.md §4.3,
// design notes: "a tagged variant or a small dispatch table indexed by
// mask shape"). It must clear bit i in keysMap and set rulesOut[i] for
// every packet it resolves, and return the updated keysMap. Every
// variant, generic or specialized, must return byte-identical results
// for the same (subtable, batch) — only performance may differ.
type lookupFunc func(st *Subtable, scratch []uint64, keysMap bitmap.Map, keys []*flowkey.FlowKey, rulesOut []*Rule) bitmap.Map

// selectLookup is the closed dispatch table of §4.3: a small, enumerable
// set of shape-specialized variants, always falling back to the generic
// implementation. capability gates whether a specialization may be
// chosen at all (an unavailable or Generic token always yields generic).
func selectLookup(bitsUnit0, bitsUnit1 int, capability cpucap.Token) lookupFunc {
	if capability == cpucap.WideCompare && cpucap.Available(capability) {
		switch {
		case bitsUnit0 == 5 && bitsUnit1 == 1:
			return lookup6
		case bitsUnit0 == 4 && bitsUnit1 == 1:
			return lookup5
		case bitsUnit0 == 4 && bitsUnit1 == 0:
			return lookup4
		}
	}
	return lookupGeneric
}

// applyMask produces the masked key for one packet into scratch[:len(fields)].
// Reports false if the packet lacks a block the mask constrains, in which
// case the packet cannot match any rule in this subtable. No branching
// over the mask's own flowmap: fields already enumerates exactly the
// blocks that matter, in a single forward pass (spec.md §4.3 "single pass
// with no branching").
func applyMask(fields []maskField, packet miniFlowGetter, scratch []uint64) bool {
	for i, f := range fields {
		v, ok := packet.Get(f.block)
		if !ok {
			return false
		}
		scratch[i] = v & f.value
	}
	return true
}

// miniFlowGetter is the subset of miniflow.MiniFlow that mask application
// needs; declared so lookup.go does not have to import the concrete type
// name repeatedly in hot-path signatures.
type miniFlowGetter interface {
	Get(block int) (uint64, bool)
}

func matchesScratch(r *Rule, scratch []uint64) bool {
	values := r.Flow.MF.Values
	if len(values) != len(scratch) {
		return false
	}
	for i, v := range values {
		if v != scratch[i] {
			return false
		}
	}
	return true
}

// lookupGeneric is defined for any mask shape: the required fallback
// (spec.md §4.3 "must always fall back to the generic lookup").
func lookupGeneric(st *Subtable, scratch []uint64, keysMap bitmap.Map, keys []*flowkey.FlowKey, rulesOut []*Rule) bitmap.Map {
	remaining := keysMap
	n := len(st.fields)
	for !remaining.IsZero() {
		i := remaining.Next()
		remaining = remaining.Clear(i)

		if !applyMask(st.fields, keys[i].MF, scratch) {
			continue
		}
		hash := flowkey.HashMasked(st.Mask.MF.Map0, st.Mask.MF.Map1, scratch[:n])
		rule, found := st.rules.Lookup(hash, func(r *Rule) bool { return matchesScratch(r, scratch[:n]) })
		if found {
			rulesOut[i] = rule
			keysMap = keysMap.Clear(i)
			st.hitCnt.Add(1)
		}
	}
	return keysMap
}

// lookup4, lookup5 and lookup6 are specialized for subtables with exactly
// (4,0), (4,1) and (5,1) populated (unit0, unit1) blocks: common shapes
// for, respectively, a bare L3 5-tuple without metadata, the same plus one
// metadata block, and a 5-tuple plus VLAN and metadata. Mask application
// is unchanged (already branch-free per block); what is unrolled is the
// masked-key comparison, replacing a loop bound with a fixed sequence of
// scalar compares so the compiler can keep every operand in registers.
// Each must return results identical to lookupGeneric (spec.md property 3).

func lookup4(st *Subtable, scratch []uint64, keysMap bitmap.Map, keys []*flowkey.FlowKey, rulesOut []*Rule) bitmap.Map {
	return lookupUnrolled(st, scratch, keysMap, keys, rulesOut, 4)
}

func lookup5(st *Subtable, scratch []uint64, keysMap bitmap.Map, keys []*flowkey.FlowKey, rulesOut []*Rule) bitmap.Map {
	return lookupUnrolled(st, scratch, keysMap, keys, rulesOut, 5)
}

func lookup6(st *Subtable, scratch []uint64, keysMap bitmap.Map, keys []*flowkey.FlowKey, rulesOut []*Rule) bitmap.Map {
	return lookupUnrolled(st, scratch, keysMap, keys, rulesOut, 6)
}

// lookupUnrolled shares the mask/hash/probe structure with lookupGeneric
// but compares the n known fields without a loop trip count check,
// matching the shape the real dpcls AVX512 gather/compare variants take:
// fixed field count known at dispatch time, not discovered per-packet.
func lookupUnrolled(st *Subtable, scratch []uint64, keysMap bitmap.Map, keys []*flowkey.FlowKey, rulesOut []*Rule, n int) bitmap.Map {
	remaining := keysMap
	for !remaining.IsZero() {
		i := remaining.Next()
		remaining = remaining.Clear(i)

		if !applyMask(st.fields, keys[i].MF, scratch) {
			continue
		}
		hash := flowkey.HashMasked(st.Mask.MF.Map0, st.Mask.MF.Map1, scratch[:n])
		rule, found := st.rules.Lookup(hash, func(r *Rule) bool { return matchesUnrolled(r.Flow.MF.Values, scratch, n) })
		if found {
			rulesOut[i] = rule
			keysMap = keysMap.Clear(i)
			st.hitCnt.Add(1)
		}
	}
	return keysMap
}

func matchesUnrolled(values, scratch []uint64, n int) bool {
	if len(values) != n {
		return false
	}
	switch n {
	case 4:
		return values[0] == scratch[0] && values[1] == scratch[1] &&
			values[2] == scratch[2] && values[3] == scratch[3]
	case 5:
		return values[0] == scratch[0] && values[1] == scratch[1] &&
			values[2] == scratch[2] && values[3] == scratch[3] &&
			values[4] == scratch[4]
	case 6:
		return values[0] == scratch[0] && values[1] == scratch[1] &&
			values[2] == scratch[2] && values[3] == scratch[3] &&
			values[4] == scratch[4] && values[5] == scratch[5]
	default:
		panic("dpcls: lookupUnrolled called with unsupported field count")
	}
}
