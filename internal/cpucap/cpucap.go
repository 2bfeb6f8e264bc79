// Package cpucap enumerates the runtime capability hint spec.md §4.3/§6
// asks for: a closed, enumerable set of tokens the optimizer can use to
// pick among specialized subtable lookup implementations, falling back to
// the generic implementation when a requested specialization is not
// available on the running CPU.
//
// Grounded on golang.org/x/sys/cpu, already a direct dependency of the
// teacher repo for lower-level platform access.
package cpucap

import "golang.org/x/sys/cpu"

// Token names a closed set of lookup specializations. The set must stay
// enumerable (spec.md design notes: "the set is closed and enumerable,
// which matters for test coverage").
type Token int

const (
	// Generic is always available; every other token must fall back to it.
	Generic Token = iota
	// WideCompare selects implementations that unroll the mask/compare
	// loop. It is reported available on x86 CPUs with AVX2 and on ARM64
	// CPUs with ASIMD.
	WideCompare
)

func (t Token) String() string {
	switch t {
	case Generic:
		return "generic"
	case WideCompare:
		return "wide-compare"
	default:
		return "unknown"
	}
}

// Detect returns the best capability token the running CPU supports. It
// never returns a token the hardware can't back; callers must still be
// prepared for CapabilityUnavailable if a caller explicitly pins a token
// Detect would not have chosen (e.g. in tests, through the classifier's
// Optimize).
func Detect() Token {
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		return WideCompare
	}
	return Generic
}

// Available reports whether the running CPU can honor token. Generic is
// always available.
func Available(t Token) bool {
	switch t {
	case Generic:
		return true
	case WideCompare:
		return cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD
	default:
		return false
	}
}
