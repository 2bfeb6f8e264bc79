package dpcls

import "errors"

// ErrAllocationFailure is returned by Insert when the classifier's
// MaxRules bound is reached, which stands in for allocation exhaustion.
// The classifier's state is left unchanged (spec.md §7).
var ErrAllocationFailure = errors.New("dpcls: allocation failure")

// ErrCapabilityUnavailable is returned by Optimize when asked to pin a
// specialization the running CPU cannot back. A subtable whose shape has
// no specialization is not an error case. The affected subtables fall
// back to the generic lookup; this is a
// diagnostic, not a fatal error (spec.md §7).
var ErrCapabilityUnavailable = errors.New("dpcls: requested capability unavailable, fell back to generic")
