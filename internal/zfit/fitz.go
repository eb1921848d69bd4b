// Package zfit refines coarse redshift scans: it locates the minima of a
// chi-square curve, rescans each one on a fine grid, fits a parabola to the
// best fine sample, and returns de-duplicated candidates ranked by chi-square.
package zfit

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/zfit/internal/igm"
	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/templates"
	"github.com/aristath/zfit/internal/zscan"
	"github.com/aristath/zfit/internal/zwarn"
	"github.com/aristath/zfit/pkg/formulas"
)

const (
	// MaxVelocityDiff is the velocity separation in km/s below which two
	// redshifts are the same solution.
	MaxVelocityDiff = 1000.0
	// FineSamples is the size of the grid rescanned around each minimum.
	FineSamples = 15
	// DefaultNMinima is the number of candidates kept per template.
	DefaultNMinima = 3
	// MinForestPixels is the pixel count blueward of a forest line under which
	// those pixels are kept at unit weight.
	MinForestPixels = 50
)

// ForestLines are the rest wavelengths (Lyman-alpha, CIV) bounding the regions
// whose weights are capped when sparsely sampled.
var ForestLines = []float64{1215.67, 1548.2049}

// ErrNoCandidates is returned when no minimum survives refinement.
var ErrNoCandidates = errors.New("no redshift candidates")

// Candidate is one refined redshift solution.
type Candidate struct {
	Z      float64    `msgpack:"z" json:"z"`
	ZErr   float64    `msgpack:"zerr" json:"zerr"`
	ZWarn  zwarn.Mask `msgpack:"zwarn" json:"zwarn"`
	Chi2   float64    `msgpack:"chi2" json:"chi2"`
	ZZ     []float64  `msgpack:"zz" json:"zz"`
	ZZChi2 []float64  `msgpack:"zzchi2" json:"zzchi2"`
	Coeff  []float64  `msgpack:"coeff" json:"coeff"`
}

// RebinFunc rebins a template at redshift z onto each wavelength grid.
type RebinFunc func(t *templates.Template, z float64, grids map[uint64][]float64) (map[uint64]*mat.Dense, error)

// TransmissionFunc returns the transmitted flux fraction at each wavelength.
type TransmissionFunc func(z float64, wave []float64) []float64

// Chi2Func solves the weighted fit of binned templates to spectra.
type Chi2Func func(specs []*spectra.Spectrum, weights, flux, wflux []float64, binned map[uint64]*mat.Dense) (float64, []float64, error)

// Fitter refines chi-square minima. The zero value is not usable; use NewFitter.
type Fitter struct {
	Rebin        RebinFunc
	Transmission TransmissionFunc
	Chi2         Chi2Func
}

// NewFitter returns a Fitter wired to the template rebinning, IGM
// transmission, and least-squares implementations of this module.
func NewFitter() *Fitter {
	return &Fitter{
		Rebin:        templates.Rebin,
		Transmission: igm.TransmittedFluxFraction,
		Chi2:         zscan.CalcZChi2One,
	}
}

// Fitz refines zchi2 with the default Fitter.
func Fitz(zchi2, redshifts []float64, specs []*spectra.Spectrum, tmpl *templates.Template, nminima int) ([]Candidate, error) {
	return NewFitter().Fitz(zchi2, redshifts, specs, tmpl, nminima)
}

// target bundles the per-call pixel arrays of the spectra being fit.
type target struct {
	specs   []*spectra.Spectrum
	tmpl    *templates.Template
	grids   map[uint64][]float64
	wave    []float64
	weights []float64
	flux    []float64
}

// Fitz refines up to nminima minima of the coarse curve zchi2 sampled at
// redshifts and returns the candidates sorted by ascending chi-square.
func (f *Fitter) Fitz(zchi2, redshifts []float64, specs []*spectra.Spectrum, tmpl *templates.Template, nminima int) ([]Candidate, error) {
	if len(zchi2) != len(redshifts) {
		return nil, fmt.Errorf("%w: %d chi2 values for %d redshifts", spectra.ErrLengthMismatch, len(zchi2), len(redshifts))
	}
	if len(redshifts) < 2 {
		return nil, fmt.Errorf("need at least 2 redshifts, got %d", len(redshifts))
	}
	if nminima <= 0 {
		return nil, fmt.Errorf("nminima must be positive, got %d", nminima)
	}

	tg := &target{specs: specs, tmpl: tmpl, grids: zscan.WaveGrids(specs)}
	tg.weights, tg.flux, _ = zscan.SpectralData(specs)
	for _, s := range specs {
		tg.wave = append(tg.wave, s.Wave()...)
	}

	last := len(redshifts) - 1
	var results []Candidate
	for _, imin := range RankMinima(zchi2) {
		if len(results) == nminima {
			break
		}
		if formulas.WithinVelocity(redshifts[imin], acceptedZ(results), MaxVelocityDiff) {
			continue
		}

		ilo := formulas.Clamp(imin-1, 0, last)
		ihi := formulas.Clamp(imin+1, 0, last)
		zz := formulas.Linspace(redshifts[ilo], redshifts[ihi], FineSamples)
		zzchi2 := make([]float64, len(zz))
		for i, z := range zz {
			chi2, _, err := f.evaluate(tg, z)
			if err != nil {
				return nil, fmt.Errorf("failed to rescan minimum at z=%.5f: %w", redshifts[imin], err)
			}
			zzchi2[i] = chi2
		}

		i := formulas.Clamp(formulas.ArgMin(zzchi2), 1, len(zz)-2)
		zmin, zerr, chi2min, flags := Minfit(zz[i-1:i+2], zzchi2[i-1:i+2])

		_, coeff, err := f.evaluate(tg, zmin)
		if err != nil {
			if zmin >= redshifts[0] && zmin <= redshifts[last] {
				return nil, fmt.Errorf("failed to fit coefficients at z=%.5f: %w", zmin, err)
			}
			coeff = make([]float64, tmpl.NBasis())
			flags |= zwarn.ZFitLimit | zwarn.BadMinfit
		}

		zcoarse := redshifts[imin]
		if zcoarse < redshifts[1] || zcoarse > redshifts[last-1] {
			flags |= zwarn.ZFitLimit
		}
		if zmin < redshifts[1] || zmin > redshifts[last-1] {
			flags |= zwarn.ZFitLimit
		}

		zbest := zmin
		if zbest < zz[0] || zbest > zz[len(zz)-1] {
			flags |= zwarn.BadMinfit
			j := formulas.ArgMin(zzchi2)
			zbest, chi2min = zz[j], zzchi2[j]
		}

		if formulas.WithinVelocity(zbest, acceptedZ(results), MaxVelocityDiff) {
			continue
		}

		results = append(results, Candidate{
			Z:      zbest,
			ZErr:   zerr,
			ZWarn:  flags,
			Chi2:   chi2min,
			ZZ:     zz,
			ZZChi2: zzchi2,
			Coeff:  coeff,
		})
	}

	if len(results) == 0 {
		return nil, ErrNoCandidates
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].Chi2 < results[b].Chi2 })
	return results, nil
}

func acceptedZ(results []Candidate) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Z
	}
	return out
}

// evaluate fits the template at z with the forest weighting applied.
func (f *Fitter) evaluate(tg *target, z float64) (float64, []float64, error) {
	binned, err := f.Rebin(tg.tmpl, z, tg.grids)
	if err != nil {
		return 0, nil, err
	}
	for hash, m := range binned {
		trans := f.Transmission(z, tg.grids[hash])
		for i, t := range trans {
			m.Set(i, 0, m.At(i, 0)*t)
		}
	}

	weights := f.forestWeights(z, tg.wave, tg.weights)
	wflux := make([]float64, len(weights))
	floats.MulTo(wflux, weights, tg.flux)
	return f.Chi2(tg.specs, weights, tg.flux, wflux, binned)
}

// forestWeights caps at 1 the weights of attenuated pixels, and of pixels
// blueward of a forest line when fewer than MinForestPixels lie there.
func (f *Fitter) forestWeights(z float64, wave, weights []float64) []float64 {
	out := append([]float64(nil), weights...)
	trans := f.Transmission(z, wave)
	for i, t := range trans {
		if t != 1 && out[i] > 1 {
			out[i] = 1
		}
	}
	for _, line := range ForestLines {
		var blue []int
		for i, w := range wave {
			if w/(1+z) < line {
				blue = append(blue, i)
			}
		}
		if len(blue) >= MinForestPixels {
			continue
		}
		for _, i := range blue {
			if out[i] > 1 {
				out[i] = 1
			}
		}
	}
	return out
}
