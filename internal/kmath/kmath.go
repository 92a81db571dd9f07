// Package kmath provides small generic numeric helpers used throughout the
// scheduler and IPC copy paths, grounded on the clamp/ordering helpers a
// constrained embedded codebase tends to hand-roll once per project.
package kmath

import "golang.org/x/exp/constraints"

// Max returns the larger of a and b. Used to compute the priority
// inheritance ceiling: effective_priority = Max(assigned, effective).
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b. Used to bound a vectored copy by
// min(total_src_len, total_dst_len) (§4.4).
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Clamp limits v to [lo, hi]; if lo > hi the bounds are swapped.
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
