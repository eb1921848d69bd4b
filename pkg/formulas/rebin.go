package formulas

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfRange is returned when requested bin edges extend beyond the sampled range.
var ErrOutOfRange = errors.New("edges must be within input x range")

// BinEdges converts strictly increasing bin centers into n+1 bin edges. Interior
// edges sit halfway between centers; the outer edges mirror the first and last
// half-widths.
func BinEdges(centers []float64) ([]float64, error) {
	n := len(centers)
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 bin centers, got %d", n)
	}
	edges := make([]float64, n+1)
	edges[0] = centers[0] - (centers[1]-centers[0])/2
	for i := 1; i < n; i++ {
		edges[i] = (centers[i-1] + centers[i]) / 2
	}
	edges[n] = centers[n-1] + (centers[n-1]-centers[n-2])/2
	return edges, nil
}

// TrapzRebin averages the piecewise-linear function y(x) over each bin whose
// centers are given, integrating with the trapezoid rule between bin edges.
// x must be strictly increasing and must cover every bin edge.
func TrapzRebin(x, y, centers []float64) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("x and y length mismatch: %d != %d", len(x), len(y))
	}
	if len(x) < 2 {
		return nil, fmt.Errorf("need at least 2 samples, got %d", len(x))
	}
	edges, err := BinEdges(centers)
	if err != nil {
		return nil, err
	}
	if !(x[0] <= edges[0] && edges[len(edges)-1] <= x[len(x)-1]) {
		return nil, fmt.Errorf("%w: [%g, %g] not in [%g, %g]",
			ErrOutOfRange, edges[0], edges[len(edges)-1], x[0], x[len(x)-1])
	}

	out := make([]float64, len(centers))
	for i := range centers {
		lo, hi := edges[i], edges[i+1]
		width := hi - lo
		if width <= 0 {
			return nil, fmt.Errorf("bin %d has non-positive width %g", i, width)
		}
		out[i] = integrate(x, y, lo, hi) / width
	}
	return out, nil
}

// integrate returns the integral of the linear interpolant of (x, y) over [lo, hi].
func integrate(x, y []float64, lo, hi float64) float64 {
	// first sample strictly above lo
	j := sort.SearchFloat64s(x, lo)
	if j < len(x) && x[j] == lo {
		j++
	}

	total := 0.0
	prevX, prevY := lo, interp(x, y, lo)
	for ; j < len(x) && x[j] < hi; j++ {
		total += (x[j] - prevX) * (y[j] + prevY) / 2
		prevX, prevY = x[j], y[j]
	}
	total += (hi - prevX) * (interp(x, y, hi) + prevY) / 2
	return total
}

func interp(x, y []float64, t float64) float64 {
	j := sort.SearchFloat64s(x, t)
	if j < len(x) && x[j] == t {
		return y[j]
	}
	if j == 0 {
		return y[0]
	}
	if j >= len(x) {
		return y[len(y)-1]
	}
	frac := (t - x[j-1]) / (x[j] - x[j-1])
	return y[j-1] + frac*(y[j]-y[j-1])
}
