// Package mathx holds small generic numeric helpers shared by the state
// estimator, the trajectory shaper and limit enforcement.
package mathx

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive).
func Between[T constraints.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

// Abs returns |x| for signed numbers.
func Abs[T constraints.Signed | constraints.Float](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

// Lerp interpolates between a and b with f clamped to [0, 1].
// The result always lies in [min(a,b), max(a,b)], rounding included.
func Lerp[T constraints.Float](a, b, f T) T {
	f = Clamp(f, 0, 1)
	return Clamp(a+(b-a)*f, a, b)
}

// SaturateInt16 rounds v to the nearest integer and saturates it to the
// int16 range. NaN maps to zero.
func SaturateInt16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	return int16(Clamp(math.Round(v), math.MinInt16, math.MaxInt16))
}
