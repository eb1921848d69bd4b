package zfit

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/zfit/internal/zwarn"
)

// FindMinima returns the indices of the local minima of x in ascending index
// order. Index i qualifies when x[i] <= x[i-1] (or i is first) and
// x[i] <= x[i+1] (or i is last), so plateaus report several indices:
// FindMinima([1,1,1,2,2,2]) is [0,1,2,4,5].
func FindMinima(x []float64) []int {
	var out []int
	for i := range x {
		if i > 0 && !(x[i] <= x[i-1]) {
			continue
		}
		if i < len(x)-1 && !(x[i] <= x[i+1]) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// RankMinima returns FindMinima(x) stably sorted by ascending x value.
func RankMinima(x []float64) []int {
	idx := FindMinima(x)
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	return idx
}

// Minfit fits y = y0 + ((x-x0)/xerr)^2 to three or more points. A fit that
// cannot be made returns (-1, -1, -1, BadMinfit); a completed fit with a
// vertex outside the samples, a non-positive y0, or a maximum instead of a
// minimum carries BadMinfit as well.
func Minfit(x, y []float64) (x0, xerr, y0 float64, flags zwarn.Mask) {
	if len(x) < 3 || len(x) != len(y) {
		return -1, -1, -1, zwarn.BadMinfit
	}

	var a, b, c float64
	var ok bool
	if len(x) == 3 {
		a, b, c, ok = parabola3(x, y)
	} else {
		a, b, c, ok = polyfit2(x, y)
	}
	if !ok || a == 0 {
		return -1, -1, -1, zwarn.BadMinfit
	}

	x0 = -b / (2 * a)
	y0 = c - b*b/(4*a)
	if math.IsNaN(x0) || math.IsInf(x0, 0) || math.IsNaN(y0) || math.IsInf(y0, 0) {
		return -1, -1, -1, zwarn.BadMinfit
	}

	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if x0 <= lo || hi <= x0 {
		flags |= zwarn.BadMinfit
	}
	if y0 <= 0 {
		flags |= zwarn.BadMinfit
	}
	if a > 0 {
		xerr = 1 / math.Sqrt(a)
	} else {
		xerr = 1 / math.Sqrt(-a)
		flags |= zwarn.BadMinfit
	}
	return x0, xerr, y0, flags
}

// parabola3 interpolates three points with divided differences, so exactly
// collinear points give a == 0.
func parabola3(x, y []float64) (a, b, c float64, ok bool) {
	d01 := x[1] - x[0]
	d12 := x[2] - x[1]
	d02 := x[2] - x[0]
	if d01 == 0 || d12 == 0 || d02 == 0 {
		return 0, 0, 0, false
	}
	s01 := (y[1] - y[0]) / d01
	s12 := (y[2] - y[1]) / d12
	a = (s12 - s01) / d02
	b = s01 - a*(x[0]+x[1])
	c = y[0] - a*x[0]*x[0] - b*x[0]
	return a, b, c, true
}

// polyfit2 is a least-squares quadratic fit. x is centered and scaled before
// the solve and the coefficients mapped back.
func polyfit2(x, y []float64) (a, b, c float64, ok bool) {
	n := len(x)
	mean, scale := 0.0, 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	for _, v := range x {
		scale = math.Max(scale, math.Abs(v-mean))
	}
	if scale == 0 {
		return 0, 0, 0, false
	}

	v := mat.NewDense(n, 3, nil)
	for i, xi := range x {
		u := (xi - mean) / scale
		v.Set(i, 0, u*u)
		v.Set(i, 1, u)
		v.Set(i, 2, 1)
	}
	var p mat.VecDense
	if err := p.SolveVec(v, mat.NewVecDense(n, append([]float64(nil), y...))); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return 0, 0, 0, false
		}
	}

	au, bu, cu := p.AtVec(0), p.AtVec(1), p.AtVec(2)
	a = au / (scale * scale)
	b = bu/scale - 2*au*mean/(scale*scale)
	c = au*mean*mean/(scale*scale) - bu*mean/scale + cu
	return a, b, c, true
}
