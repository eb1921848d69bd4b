package spectra

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CSR is a compressed-sparse-row matrix.
type CSR struct {
	Rows    int
	Cols    int
	Data    []float64
	Indices []int
	Indptr  []int
}

// Resolution maps a model flux vector into the observed-pixel basis. It is held
// in two equivalent forms: banded, where Bands[k][j] is element
// (j-Offsets[k], j), and compressed-row for fast products.
type Resolution struct {
	rows    int
	cols    int
	offsets []int
	bands   [][]float64
	csr     CSR
}

// NewResolution builds a resolution operator from its diagonals. Every band must
// have cols entries; offsets must be distinct.
func NewResolution(rows, cols int, offsets []int, bands [][]float64) (*Resolution, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid resolution shape %dx%d", rows, cols)
	}
	if len(offsets) != len(bands) {
		return nil, fmt.Errorf("%w: %d offsets for %d bands", ErrLengthMismatch, len(offsets), len(bands))
	}
	seen := make(map[int]bool, len(offsets))
	for k, off := range offsets {
		if seen[off] {
			return nil, fmt.Errorf("duplicate diagonal offset %d", off)
		}
		seen[off] = true
		if len(bands[k]) != cols {
			return nil, fmt.Errorf("%w: band %d has %d entries, want %d", ErrLengthMismatch, off, len(bands[k]), cols)
		}
	}

	r := &Resolution{rows: rows, cols: cols}
	order := make([]int, len(offsets))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return offsets[order[a]] < offsets[order[b]] })
	for _, k := range order {
		r.offsets = append(r.offsets, offsets[k])
		r.bands = append(r.bands, append([]float64(nil), bands[k]...))
	}
	r.csr = r.toCSR()
	return r, nil
}

// Identity returns the n×n identity operator.
func Identity(n int) *Resolution {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	r, _ := NewResolution(n, n, []int{0}, [][]float64{ones})
	return r
}

// Rows returns the number of observed pixels.
func (r *Resolution) Rows() int { return r.rows }

// Cols returns the model dimension.
func (r *Resolution) Cols() int { return r.cols }

// Offsets returns the diagonal offsets in ascending order.
func (r *Resolution) Offsets() []int { return r.offsets }

// Bands returns the diagonals matching Offsets.
func (r *Resolution) Bands() [][]float64 { return r.bands }

// CSR returns the compressed-row form.
func (r *Resolution) CSR() CSR { return r.csr }

// At returns element (i, j).
func (r *Resolution) At(i, j int) float64 {
	for k, off := range r.offsets {
		if j-i == off {
			return r.bands[k][j]
		}
	}
	return 0
}

func (r *Resolution) toCSR() CSR {
	c := CSR{Rows: r.rows, Cols: r.cols, Indptr: make([]int, r.rows+1)}
	for i := 0; i < r.rows; i++ {
		for k, off := range r.offsets {
			j := i + off
			if j < 0 || j >= r.cols {
				continue
			}
			if v := r.bands[k][j]; v != 0 {
				c.Data = append(c.Data, v)
				c.Indices = append(c.Indices, j)
			}
		}
		c.Indptr[i+1] = len(c.Data)
	}
	return c
}

// Dot returns R·x.
func (r *Resolution) Dot(x []float64) []float64 {
	out := make([]float64, r.rows)
	c := r.csr
	for i := 0; i < c.Rows; i++ {
		sum := 0.0
		for p := c.Indptr[i]; p < c.Indptr[i+1]; p++ {
			sum += c.Data[p] * x[c.Indices[p]]
		}
		out[i] = sum
	}
	return out
}

// MulDense returns R·m for a dense matrix with Cols() rows.
func (r *Resolution) MulDense(m mat.Matrix) *mat.Dense {
	mr, mc := m.Dims()
	if mr != r.cols {
		panic(fmt.Sprintf("spectra: resolution has %d columns, matrix has %d rows", r.cols, mr))
	}
	dense := mat.DenseCopyOf(m)
	out := mat.NewDense(r.rows, mc, nil)
	c := r.csr
	for i := 0; i < c.Rows; i++ {
		row := out.RawRowView(i)
		for p := c.Indptr[i]; p < c.Indptr[i+1]; p++ {
			floats.AddScaled(row, c.Data[p], dense.RawRowView(c.Indices[p]))
		}
	}
	return out
}

// ScaleRows returns diag(w)·R.
func (r *Resolution) ScaleRows(w []float64) (*Resolution, error) {
	if len(w) != r.rows {
		return nil, fmt.Errorf("%w: %d weights for %d rows", ErrLengthMismatch, len(w), r.rows)
	}
	bands := make([][]float64, len(r.bands))
	for k, off := range r.offsets {
		band := make([]float64, r.cols)
		for j := range band {
			if i := j - off; i >= 0 && i < r.rows {
				band[j] = r.bands[k][j] * w[i]
			}
		}
		bands[k] = band
	}
	return NewResolution(r.rows, r.cols, r.offsets, bands)
}

// Add returns R + other; the result carries the union of both sets of diagonals.
func (r *Resolution) Add(other *Resolution) (*Resolution, error) {
	if r.rows != other.rows || r.cols != other.cols {
		return nil, fmt.Errorf("%w: %dx%d + %dx%d", ErrLengthMismatch, r.rows, r.cols, other.rows, other.cols)
	}
	sum := make(map[int][]float64, len(r.offsets)+len(other.offsets))
	for _, src := range []*Resolution{r, other} {
		for k, off := range src.offsets {
			band, ok := sum[off]
			if !ok {
				band = make([]float64, r.cols)
				sum[off] = band
			}
			for j, v := range src.bands[k] {
				band[j] += v
			}
		}
	}
	offsets := make([]int, 0, len(sum))
	bands := make([][]float64, 0, len(sum))
	for off, band := range sum {
		offsets = append(offsets, off)
		bands = append(bands, band)
	}
	return NewResolution(r.rows, r.cols, offsets, bands)
}

// flatBands concatenates the diagonals for packing.
func (r *Resolution) flatBands() []float64 {
	out := make([]float64, 0, len(r.bands)*r.cols)
	for _, b := range r.bands {
		out = append(out, b...)
	}
	return out
}

// restoreResolution rebuilds an operator from packed parts without copying.
func restoreResolution(rows, cols int, offsets []int, flat []float64, csr CSR) (*Resolution, error) {
	if len(flat) != len(offsets)*cols {
		return nil, fmt.Errorf("%w: %d band values for %d diagonals of %d", ErrLengthMismatch, len(flat), len(offsets), cols)
	}
	bands := make([][]float64, len(offsets))
	for k := range offsets {
		bands[k] = flat[k*cols : (k+1)*cols : (k+1)*cols]
	}
	return &Resolution{rows: rows, cols: cols, offsets: offsets, bands: bands, csr: csr}, nil
}
