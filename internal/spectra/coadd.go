package spectra

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ComputeCoadd replaces the spectra with one inverse-variance weighted coadd per
// distinct wavelength grid, in first-seen grid order.
//
// Pixels with zero total weight take the unweighted mean flux of the exposures.
// The coadded resolution is the ivar-weighted sum of the exposure resolutions
// divided by the total weight, using a weight of 1 where the total is zero.
func (t *Target) ComputeCoadd() error {
	var order []uint64
	groups := make(map[uint64][]*Spectrum)
	for _, s := range t.Spectra {
		if s.Packed() {
			return fmt.Errorf("coadd target %s: %w", t.ID, ErrPacked)
		}
		h := s.WaveHash()
		if _, ok := groups[h]; !ok {
			order = append(order, h)
		}
		groups[h] = append(groups[h], s)
	}

	coadd := make([]*Spectrum, 0, len(order))
	for _, h := range order {
		c, err := coaddGrid(groups[h])
		if err != nil {
			return fmt.Errorf("coadd target %s: %w", t.ID, err)
		}
		coadd = append(coadd, c)
	}
	t.Spectra = coadd
	return nil
}

func coaddGrid(group []*Spectrum) (*Spectrum, error) {
	first := group[0]
	n := len(first.IVar())

	unweighted := make([]float64, n)
	weighted := make([]float64, n)
	weights := make([]float64, n)
	tmp := make([]float64, n)
	var weightedR *Resolution

	for _, s := range group {
		if len(s.IVar()) != n || len(s.Flux()) != n {
			return nil, fmt.Errorf("%w: exposure has %d pixels, grid has %d", ErrLengthMismatch, len(s.IVar()), n)
		}
		floats.Add(unweighted, s.Flux())
		floats.MulTo(tmp, s.Flux(), s.IVar())
		floats.Add(weighted, tmp)
		floats.Add(weights, s.IVar())

		wr, err := s.R().ScaleRows(s.IVar())
		if err != nil {
			return nil, err
		}
		if weightedR == nil {
			weightedR = wr
		} else if weightedR, err = weightedR.Add(wr); err != nil {
			return nil, err
		}
	}

	nspec := float64(len(group))
	flux := make([]float64, n)
	inv := make([]float64, n)
	for i := range flux {
		if weights[i] == 0 {
			flux[i] = unweighted[i] / nspec
			inv[i] = 1
			continue
		}
		flux[i] = weighted[i] / weights[i]
		inv[i] = 1 / weights[i]
	}

	r, err := weightedR.ScaleRows(inv)
	if err != nil {
		return nil, err
	}
	wave := append([]float64(nil), first.Wave()...)
	return NewSpectrum(wave, flux, weights, r)
}
