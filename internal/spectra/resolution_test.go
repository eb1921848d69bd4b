package spectra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// tridiag returns a 4x4 operator with 0.5 on the diagonal and 0.25 on either side.
func tridiag(t *testing.T) *Resolution {
	t.Helper()
	r, err := NewResolution(4, 4, []int{1, 0, -1}, [][]float64{
		{0, 0.25, 0.25, 0.25},
		{0.5, 0.5, 0.5, 0.5},
		{0.25, 0.25, 0.25, 0},
	})
	require.NoError(t, err)
	return r
}

func TestNewResolution_SortsOffsetsAndBuildsCSR(t *testing.T) {
	r := tridiag(t)

	assert.Equal(t, []int{-1, 0, 1}, r.Offsets())
	assert.Equal(t, 0.5, r.At(0, 0))
	assert.Equal(t, 0.25, r.At(0, 1))
	assert.Equal(t, 0.25, r.At(1, 0))
	assert.Equal(t, 0.0, r.At(0, 2))

	csr := r.CSR()
	assert.Equal(t, []int{0, 2, 5, 8, 10}, csr.Indptr)
	assert.Equal(t, []int{0, 1, 0, 1, 2, 1, 2, 3, 2, 3}, csr.Indices)
}

func TestNewResolution_Validation(t *testing.T) {
	_, err := NewResolution(2, 2, []int{0}, [][]float64{{1}})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = NewResolution(2, 2, []int{0, 0}, [][]float64{{1, 1}, {1, 1}})
	assert.Error(t, err)

	_, err = NewResolution(0, 2, nil, nil)
	assert.Error(t, err)
}

func TestResolution_Dot(t *testing.T) {
	r := tridiag(t)
	got := r.Dot([]float64{1, 2, 3, 4})
	assert.InDeltaSlice(t, []float64{1, 2, 3, 2.75}, got, 1e-12)

	id := Identity(3)
	assert.Equal(t, []float64{7, 8, 9}, id.Dot([]float64{7, 8, 9}))
}

func TestResolution_MulDense(t *testing.T) {
	r := tridiag(t)
	m := mat.NewDense(4, 2, []float64{
		1, 1,
		2, 1,
		3, 1,
		4, 1,
	})

	out := r.MulDense(m)
	rows, cols := out.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 2, cols)
	assert.InDeltaSlice(t, []float64{1, 2, 3, 2.75}, mat.Col(nil, 0, out), 1e-12)
	assert.InDeltaSlice(t, []float64{0.75, 1, 1, 0.75}, mat.Col(nil, 1, out), 1e-12)
}

func TestResolution_ScaleRowsAndAdd(t *testing.T) {
	r := tridiag(t)

	scaled, err := r.ScaleRows([]float64{2, 2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, scaled.At(1, 1))
	assert.Equal(t, 0.5, scaled.At(1, 2))

	_, err = r.ScaleRows([]float64{1})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	sum, err := Identity(4).Add(r)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, 0, 1}, sum.Offsets())
	assert.Equal(t, 1.5, sum.At(2, 2))
	assert.Equal(t, 0.25, sum.At(2, 3))

	_, err = Identity(3).Add(r)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}
