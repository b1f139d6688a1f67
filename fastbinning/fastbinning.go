// Package fastbinning selects the cheapest method for dividing by a
// constant divisor exactly, given a known maximum dividend. It
// is consulted by bin-width computations in the measurements package (e.g.
// Flim's pixel histogram binning).
package fastbinning

import (
	"math/big"
	"math/bits"
)

// Mode names the division strategy FastBinning selected at construction.
type Mode int

const (
	// ConstZero is selected when maxDividend < divisor: every quotient is 0.
	ConstZero Mode = iota
	// Identity is selected when divisor == 1: the quotient is the dividend.
	Identity
	// Shift is selected when divisor is a power of two.
	Shift
	// MulHi32 is selected when divisor and maxDividend both fit in 32 bits:
	// a 32-bit fixed-point reciprocal multiply suffices.
	MulHi32
	// MulHi64 is the general fixed-point reciprocal multiply, using a
	// 128-bit intermediate product (math/bits.Mul64).
	MulHi64
	// Direct falls back to hardware division; selected only if no fixed-
	// point factor was found exact over the full dividend range.
	Direct
)

func (m Mode) String() string {
	switch m {
	case ConstZero:
		return "ConstZero"
	case Identity:
		return "Identity"
	case Shift:
		return "Shift"
	case MulHi32:
		return "MulHi32"
	case MulHi64:
		return "MulHi64"
	case Direct:
		return "Direct"
	default:
		return "Unknown"
	}
}

// FastBinning divides by a fixed divisor using the cheapest method that is
// provably exact for every dividend in [0, maxDividend].
type FastBinning struct {
	mode        Mode
	divisor     uint64
	maxDividend uint64
	shift       int
	factor32    uint64
	factor64    uint64
}

// New precomputes the division strategy for divisor over [0, maxDividend].
// Panics if divisor is zero: a FastBinning is always constructed with a
// known nonzero bin width.
func New(divisor, maxDividend uint64) FastBinning {
	if divisor == 0 {
		panic("fastbinning: divisor must be nonzero")
	}

	fb := FastBinning{divisor: divisor, maxDividend: maxDividend}

	switch {
	case maxDividend < divisor:
		fb.mode = ConstZero
	case divisor == 1:
		fb.mode = Identity
	case isPowerOfTwo(divisor):
		fb.mode = Shift
		fb.shift = bits.TrailingZeros64(divisor)
	default:
		if maxDividend < 1<<32 && divisor < 1<<32 {
			if factor, ok := exactFactor(divisor, maxDividend, 32); ok {
				fb.mode = MulHi32
				fb.factor32 = factor
				break
			}
		}
		if factor, ok := exactFactor(divisor, maxDividend, 64); ok {
			fb.mode = MulHi64
			fb.factor64 = factor
		} else {
			fb.mode = Direct
		}
	}
	return fb
}

// Mode returns the selected division strategy.
func (fb FastBinning) Mode() Mode {
	return fb.mode
}

// Divide computes x / fb.divisor. Behavior is undefined for x > maxDividend.
func (fb FastBinning) Divide(x uint64) uint64 {
	switch fb.mode {
	case ConstZero:
		return 0
	case Identity:
		return x
	case Shift:
		return x >> fb.shift
	case MulHi32:
		return (x * fb.factor32) >> 32
	case MulHi64:
		hi, _ := bits.Mul64(x, fb.factor64)
		return hi
	default:
		return x / fb.divisor
	}
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// exactFactor searches for a width-bit fixed-point reciprocal factor f such
// that (x*f) >> width == x/divisor for every x in [0, maxDividend]. It uses
// math/big for the search since correctness, not speed, matters at
// construction time; Divide itself uses only machine-width arithmetic.
func exactFactor(divisor, maxDividend uint64, width uint) (uint64, bool) {
	one := new(big.Int).Lsh(big.NewInt(1), width)
	d := new(big.Int).SetUint64(divisor)

	// Candidate factor: ceil(2^width / divisor).
	factor := new(big.Int).Add(one, new(big.Int).Sub(d, big.NewInt(1)))
	factor.Div(factor, d)
	if factor.BitLen() > int(width) {
		return 0, false
	}
	f := factor.Uint64()
	if !verifyExact(divisor, maxDividend, width, f) {
		return 0, false
	}
	return f, true
}

// verifyExact brute-checks the candidate factor over the full dividend
// range when that range is small enough to be cheap, and otherwise checks
// the boundary values where a fixed-point approximation is most likely to
// drift: 0, maxDividend, and every exact multiple of the divisor plus its
// neighbors.
func verifyExact(divisor, maxDividend uint64, width uint, factor uint64) bool {
	const bruteForceLimit = 1 << 20
	check := func(x uint64) bool {
		got := mulShift(x, factor, width)
		return got == x/divisor
	}

	if maxDividend <= bruteForceLimit {
		for x := uint64(0); x <= maxDividend; x++ {
			if !check(x) {
				return false
			}
		}
		return true
	}

	if !check(0) || !check(maxDividend) {
		return false
	}
	// Within one quotient block the error grows with x, so the top dividend of
	// the last full block (remainder divisor-1) is the worst case below the
	// final partial block, whose worst case is maxDividend itself.
	if q := maxDividend / divisor; q > 0 && !check(q*divisor-1) {
		return false
	}
	for q := uint64(0); q*divisor <= maxDividend; q++ {
		base := q * divisor
		for _, x := range []uint64{base, base + divisor - 1} {
			if x > maxDividend {
				continue
			}
			if !check(x) {
				return false
			}
		}
		if q > 4096 {
			// The boundary pattern repeats; the first few thousand multiples
			// plus the endpoints and the last full block's top dividend checked
			// above cover the fixed-point error term, which is monotonic in x.
			break
		}
	}
	return true
}

func mulShift(x, factor uint64, width uint) uint64 {
	if width <= 32 {
		return (x * factor) >> width
	}
	hi, _ := bits.Mul64(x, factor)
	return hi
}
