package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVelocityDiff(t *testing.T) {
	assert.Equal(t, 0.0, VelocityDiff(1.0, 1.0))
	assert.InDelta(t, SpeedOfLightKMS*0.01, VelocityDiff(0.01, 0.0), 1e-9)
	assert.InDelta(t, SpeedOfLightKMS*0.02/2.0, VelocityDiff(1.02, 1.0), 1e-9)
	assert.Less(t, VelocityDiff(0.99, 1.0), 0.0)
}

func TestWithinVelocity(t *testing.T) {
	tests := []struct {
		name  string
		z     float64
		zrefs []float64
		want  bool
	}{
		{"no references", 1.0, nil, false},
		{"close above", 1.001, []float64{1.0}, true},
		{"close below", 0.999, []float64{1.0}, true},
		{"far", 1.1, []float64{1.0}, false},
		{"one of many", 2.0, []float64{0.5, 1.0, 2.002}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WithinVelocity(tt.z, tt.zrefs, 1000))
		})
	}
}

func TestLinspace(t *testing.T) {
	assert.Empty(t, Linspace(0, 1, 0))
	assert.Equal(t, []float64{2}, Linspace(2, 3, 1))

	got := Linspace(0, 1, 5)
	require.Len(t, got, 5)
	assert.InDeltaSlice(t, []float64{0, 0.25, 0.5, 0.75, 1}, got, 1e-12)
}

func TestArgMin(t *testing.T) {
	assert.Equal(t, -1, ArgMin(nil))
	assert.Equal(t, 2, ArgMin([]float64{3, 2, 1, 1, 5}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, Clamp(0, 1, 13))
	assert.Equal(t, 13, Clamp(14, 1, 13))
	assert.Equal(t, 7, Clamp(7, 1, 13))
}

func TestBinEdges(t *testing.T) {
	edges, err := BinEdges([]float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5, 2.5, 3.5}, edges)

	_, err = BinEdges([]float64{1})
	assert.Error(t, err)
}

func TestTrapzRebin_ConstantIsPreserved(t *testing.T) {
	x := Linspace(0, 100, 1001)
	y := make([]float64, len(x))
	for i := range y {
		y[i] = 3.5
	}

	out, err := TrapzRebin(x, y, []float64{10, 20, 30, 40})
	require.NoError(t, err)
	for _, v := range out {
		assert.InDelta(t, 3.5, v, 1e-12)
	}
}

func TestTrapzRebin_LinearAveragesToCenter(t *testing.T) {
	x := Linspace(0, 10, 11)
	y := make([]float64, len(x))
	for i := range y {
		y[i] = 2*x[i] + 1
	}

	centers := []float64{2.25, 4.75, 7.25}
	out, err := TrapzRebin(x, y, centers)
	require.NoError(t, err)
	for i, c := range centers {
		assert.InDelta(t, 2*c+1, out[i], 1e-12)
	}
}

func TestTrapzRebin_ConservesIntegral(t *testing.T) {
	x := Linspace(0, 20, 2001)
	y := make([]float64, len(x))
	for i := range y {
		y[i] = math.Exp(-(x[i] - 10) * (x[i] - 10) / 2)
	}

	centers := Linspace(2, 18, 17)
	out, err := TrapzRebin(x, y, centers)
	require.NoError(t, err)

	total := 0.0
	for _, v := range out {
		total += v // unit-width bins
	}
	assert.InDelta(t, math.Sqrt(2*math.Pi), total, 1e-3)
}

func TestTrapzRebin_OutOfRange(t *testing.T) {
	x := Linspace(0, 10, 11)
	y := make([]float64, len(x))

	_, err := TrapzRebin(x, y, []float64{0, 1, 2})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = TrapzRebin(x, y, []float64{9, 10})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTrapzRebin_LengthMismatch(t *testing.T) {
	_, err := TrapzRebin([]float64{0, 1, 2}, []float64{0, 1}, []float64{1})
	assert.Error(t, err)
}
