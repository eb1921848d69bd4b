package zscan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/templates"
	"github.com/aristath/zfit/pkg/formulas"
)

func lineTemplate(t *testing.T) *templates.Template {
	t.Helper()
	wave := formulas.Linspace(2000, 8000, 6001)
	cont := make([]float64, len(wave))
	line := make([]float64, len(wave))
	for i, w := range wave {
		cont[i] = 1
		line[i] = math.Exp(-0.5 * math.Pow((w-4000)/10, 2))
	}
	tmpl, err := templates.New("GALAXY", "", wave, [][]float64{cont, line})
	require.NoError(t, err)
	return tmpl
}

// exactSpectrum returns a spectrum equal to the template at z with the given
// coefficients.
func exactSpectrum(t *testing.T, tmpl *templates.Template, z float64, coeff []float64, wave []float64) *spectra.Spectrum {
	t.Helper()
	hash := spectra.WaveHash(wave)
	binned, err := templates.Rebin(tmpl, z, map[uint64][]float64{hash: wave})
	require.NoError(t, err)
	flux := make([]float64, len(wave))
	ivar := make([]float64, len(wave))
	for i := range wave {
		for b, c := range coeff {
			flux[i] += c * binned[hash].At(i, b)
		}
		ivar[i] = 4
	}
	s, err := spectra.NewSpectrum(wave, flux, ivar, nil)
	require.NoError(t, err)
	return s
}

func TestSpectralData(t *testing.T) {
	a, err := spectra.NewSpectrum([]float64{1, 2}, []float64{3, 4}, []float64{0.5, 2}, nil)
	require.NoError(t, err)
	b, err := spectra.NewSpectrum([]float64{5, 6, 7}, []float64{1, 1, 1}, []float64{1, 0, 3}, nil)
	require.NoError(t, err)

	w, f, wf := SpectralData([]*spectra.Spectrum{a, b})
	assert.Equal(t, []float64{0.5, 2, 1, 0, 3}, w)
	assert.Equal(t, []float64{3, 4, 1, 1, 1}, f)
	assert.Equal(t, []float64{1.5, 8, 1, 0, 3}, wf)

	grids := WaveGrids([]*spectra.Spectrum{a, b, a})
	assert.Len(t, grids, 2)
}

func TestCalcZChi2One_ExactFit(t *testing.T) {
	tmpl := lineTemplate(t)
	wave := formulas.Linspace(5000, 7000, 1001)
	s := exactSpectrum(t, tmpl, 0.5, []float64{2, 3}, wave)
	specs := []*spectra.Spectrum{s}

	binned, err := templates.Rebin(tmpl, 0.5, WaveGrids(specs))
	require.NoError(t, err)
	w, f, wf := SpectralData(specs)
	chi2, coeff, err := CalcZChi2One(specs, w, f, wf, binned)
	require.NoError(t, err)
	assert.InDelta(t, 0, chi2, 1e-12)
	assert.InDelta(t, 2, coeff[0], 1e-9)
	assert.InDelta(t, 3, coeff[1], 1e-9)
}

func TestCalcZChi2One_Singular(t *testing.T) {
	tmpl := lineTemplate(t)
	wave := formulas.Linspace(5000, 7000, 101)
	s := exactSpectrum(t, tmpl, 0.5, []float64{1, 1}, wave)
	specs := []*spectra.Spectrum{s}
	binned, err := templates.Rebin(tmpl, 0.5, WaveGrids(specs))
	require.NoError(t, err)

	_, f, _ := SpectralData(specs)
	zero := make([]float64, len(f))
	chi2, coeff, err := CalcZChi2One(specs, zero, f, zero, binned)
	require.NoError(t, err)
	assert.Equal(t, BadChi2, chi2)
	assert.Equal(t, []float64{0, 0}, coeff)
}

func TestCalcZChi2One_Errors(t *testing.T) {
	s, err := spectra.NewSpectrum([]float64{1, 2}, []float64{1, 1}, []float64{1, 1}, nil)
	require.NoError(t, err)
	specs := []*spectra.Spectrum{s}

	_, _, err = CalcZChi2One(specs, []float64{1, 1}, []float64{1, 1}, []float64{1, 1}, map[uint64]*mat.Dense{})
	assert.Error(t, err)

	binned := map[uint64]*mat.Dense{s.WaveHash(): mat.NewDense(2, 1, []float64{1, 1})}
	_, _, err = CalcZChi2One(specs, []float64{1}, []float64{1, 1}, []float64{1, 1}, binned)
	assert.ErrorIs(t, err, spectra.ErrLengthMismatch)
}

func TestCalcZChi2_MinimumAtTrueRedshift(t *testing.T) {
	tmpl := lineTemplate(t)
	wave := formulas.Linspace(5000, 7000, 1001)
	s := exactSpectrum(t, tmpl, 0.5, []float64{2, 3}, wave)

	redshifts := formulas.Linspace(0.4, 0.6, 21)
	zchi2, zcoeff, err := CalcZChi2([]*spectra.Spectrum{s}, tmpl, redshifts)
	require.NoError(t, err)
	require.Len(t, zchi2, len(redshifts))
	require.Len(t, zcoeff, len(redshifts))

	best := formulas.ArgMin(zchi2)
	assert.InDelta(t, 0.5, redshifts[best], 1e-9)
	assert.InDelta(t, 0, zchi2[best], 1e-9)
}

func TestCalcZChi2_OutOfRange(t *testing.T) {
	tmpl := lineTemplate(t)
	wave := formulas.Linspace(5000, 7000, 101)
	s := exactSpectrum(t, tmpl, 0.5, []float64{1, 1}, wave)

	// at z=3 the template starts at 8000
	_, _, err := CalcZChi2([]*spectra.Spectrum{s}, tmpl, []float64{0.5, 3})
	assert.ErrorIs(t, err, templates.ErrOutOfRange)
}
