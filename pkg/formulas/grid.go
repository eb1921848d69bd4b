package formulas

import (
	"gonum.org/v1/gonum/floats"
)

// Linspace returns n evenly spaced samples over [start, stop], endpoints included.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	return floats.Span(out, start, stop)
}

// ArgMin returns the index of the first smallest value, or -1 for an empty slice.
func ArgMin(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	return floats.MinIdx(x)
}

// Clamp limits i to [lo, hi].
func Clamp(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}
