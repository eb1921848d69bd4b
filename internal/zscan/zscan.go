// Package zscan evaluates template fits against spectra: the weighted linear
// least-squares solve at one redshift, and the coarse chi-square scan over a
// redshift grid.
package zscan

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/zfit/internal/igm"
	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/templates"
)

// BadChi2 is the chi-square reported for a fit whose normal equations are singular.
const BadChi2 = 9e99

// SpectralData concatenates the pixels of specs: weights (inverse variance),
// flux, and weighted flux.
func SpectralData(specs []*spectra.Spectrum) (weights, flux, wflux []float64) {
	for _, s := range specs {
		weights = append(weights, s.IVar()...)
		flux = append(flux, s.Flux()...)
	}
	wflux = make([]float64, len(flux))
	floats.MulTo(wflux, weights, flux)
	return weights, flux, wflux
}

// WaveGrids returns the distinct wavelength grids of specs keyed by wavehash,
// keeping the first spectrum seen for each hash.
func WaveGrids(specs []*spectra.Spectrum) map[uint64][]float64 {
	grids := make(map[uint64][]float64)
	for _, s := range specs {
		if _, ok := grids[s.WaveHash()]; !ok {
			grids[s.WaveHash()] = s.Wave()
		}
	}
	return grids
}

// Design stacks R·T for every spectrum, where T is the binned template of the
// spectrum's grid. The result has one row per pixel of specs.
func Design(specs []*spectra.Spectrum, binned map[uint64]*mat.Dense) (*mat.Dense, error) {
	var blocks []*mat.Dense
	npix, nbasis := 0, -1
	for i, s := range specs {
		t, ok := binned[s.WaveHash()]
		if !ok {
			return nil, fmt.Errorf("no binned template for spectrum %d (wavehash %x)", i, s.WaveHash())
		}
		_, c := t.Dims()
		if nbasis >= 0 && c != nbasis {
			return nil, fmt.Errorf("binned templates disagree on basis size: %d != %d", c, nbasis)
		}
		nbasis = c
		b := s.R().MulDense(t)
		blocks = append(blocks, b)
		npix += s.NWave()
	}
	if len(blocks) == 0 {
		return nil, errors.New("no spectra to fit")
	}

	out := mat.NewDense(npix, nbasis, nil)
	row := 0
	for _, b := range blocks {
		r, _ := b.Dims()
		out.Slice(row, row+r, 0, nbasis).(*mat.Dense).Copy(b)
		row += r
	}
	return out, nil
}

// CalcZChi2One solves for the template coefficients minimizing
// sum(weights * (flux - model)^2) and returns that chi-square with the
// coefficients. A singular system gives BadChi2 and zero coefficients.
func CalcZChi2One(specs []*spectra.Spectrum, weights, flux, wflux []float64, binned map[uint64]*mat.Dense) (float64, []float64, error) {
	a, err := Design(specs, binned)
	if err != nil {
		return 0, nil, err
	}
	npix, nbasis := a.Dims()
	if len(weights) != npix || len(flux) != npix || len(wflux) != npix {
		return 0, nil, fmt.Errorf("%w: %d pixels, %d weights, %d flux, %d wflux",
			spectra.ErrLengthMismatch, npix, len(weights), len(flux), len(wflux))
	}

	aw := mat.DenseCopyOf(a)
	for i := 0; i < npix; i++ {
		floats.Scale(weights[i], aw.RawRowView(i))
	}
	var m mat.Dense
	m.Mul(a.T(), aw)

	var y mat.VecDense
	y.MulVec(a.T(), mat.NewVecDense(npix, wflux))

	var c mat.VecDense
	if err := c.SolveVec(&m, &y); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return BadChi2, make([]float64, nbasis), nil
		}
	}
	coeff := mat.Col(nil, 0, &c)
	for _, v := range coeff {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BadChi2, make([]float64, nbasis), nil
		}
	}

	var model mat.VecDense
	model.MulVec(a, &c)
	chi2 := 0.0
	for i := 0; i < npix; i++ {
		d := flux[i] - model.AtVec(i)
		chi2 += weights[i] * d * d
	}
	return chi2, coeff, nil
}

// Attenuate multiplies the first basis column of every binned template by the
// intergalactic transmission at redshift z.
func Attenuate(binned map[uint64]*mat.Dense, grids map[uint64][]float64, z float64) {
	for hash, m := range binned {
		trans := igm.TransmittedFluxFraction(z, grids[hash])
		for i, t := range trans {
			m.Set(i, 0, m.At(i, 0)*t)
		}
	}
}

// CalcZChi2 fits tmpl to specs at every redshift and returns the chi-square
// curve and the coefficients at each redshift.
func CalcZChi2(specs []*spectra.Spectrum, tmpl *templates.Template, redshifts []float64) ([]float64, [][]float64, error) {
	grids := WaveGrids(specs)
	weights, flux, wflux := SpectralData(specs)

	zchi2 := make([]float64, len(redshifts))
	zcoeff := make([][]float64, len(redshifts))
	for i, z := range redshifts {
		binned, err := templates.Rebin(tmpl, z, grids)
		if err != nil {
			return nil, nil, err
		}
		Attenuate(binned, grids, z)
		zchi2[i], zcoeff[i], err = CalcZChi2One(specs, weights, flux, wflux, binned)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fit %s at z=%.5f: %w", tmpl.FullType(), z, err)
		}
	}
	return zchi2, zcoeff, nil
}
