// Package templates holds spectral templates and rebins them onto observed
// wavelength grids at a trial redshift.
package templates

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/zfit/pkg/formulas"
)

// ErrOutOfRange is returned when a redshifted template does not cover an
// observed wavelength grid.
var ErrOutOfRange = errors.New("template does not cover wavelength range")

// Template is an ordered linear basis of rest-frame model spectra. Redshifts,
// when set, is the coarse grid the template is scanned over.
type Template struct {
	Type      string      `msgpack:"type"`
	Subtype   string      `msgpack:"subtype"`
	Wave      []float64   `msgpack:"wave"`
	Flux      [][]float64 `msgpack:"flux"`
	Redshifts []float64   `msgpack:"redshifts,omitempty"`
}

// New validates and builds a template. flux holds one row per basis vector.
func New(typ, subtype string, wave []float64, flux [][]float64) (*Template, error) {
	t := &Template{Type: typ, Subtype: subtype, Wave: wave, Flux: flux}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the basis shape and wavelength ordering.
func (t *Template) Validate() error {
	if len(t.Wave) < 2 {
		return fmt.Errorf("template %s needs at least 2 wavelengths", t.FullType())
	}
	if len(t.Flux) == 0 {
		return fmt.Errorf("template %s has no basis vectors", t.FullType())
	}
	for i, row := range t.Flux {
		if len(row) != len(t.Wave) {
			return fmt.Errorf("template %s basis %d has %d samples, want %d", t.FullType(), i, len(row), len(t.Wave))
		}
	}
	if !sort.SliceIsSorted(t.Wave, func(i, j int) bool { return t.Wave[i] < t.Wave[j] }) {
		return fmt.Errorf("template %s wavelengths are not increasing", t.FullType())
	}
	if !sort.Float64sAreSorted(t.Redshifts) {
		return fmt.Errorf("template %s redshift grid is not increasing", t.FullType())
	}
	return nil
}

// NBasis returns the number of basis vectors.
func (t *Template) NBasis() int {
	return len(t.Flux)
}

// FullType returns "type" or "type:::subtype".
func (t *Template) FullType() string {
	if t.Subtype == "" {
		return t.Type
	}
	return t.Type + ":::" + t.Subtype
}

// RedshiftRange returns the redshifts for which the template covers
// [minWave, maxWave] in the observed frame.
func (t *Template) RedshiftRange(minWave, maxWave float64) (float64, float64) {
	return maxWave/t.Wave[len(t.Wave)-1] - 1, minWave/t.Wave[0] - 1
}

// Rebin returns, for every wavelength grid, the template basis redshifted to z
// and averaged onto the grid's pixels as an npix x nbasis matrix.
func Rebin(t *Template, z float64, grids map[uint64][]float64) (map[uint64]*mat.Dense, error) {
	shifted := make([]float64, len(t.Wave))
	for i, w := range t.Wave {
		shifted[i] = (1 + z) * w
	}

	out := make(map[uint64]*mat.Dense, len(grids))
	for hash, wave := range grids {
		m := mat.NewDense(len(wave), t.NBasis(), nil)
		for b, flux := range t.Flux {
			col, err := formulas.TrapzRebin(shifted, flux, wave)
			if err != nil {
				if errors.Is(err, formulas.ErrOutOfRange) {
					return nil, fmt.Errorf("%w: %s at z=%.5f: %w", ErrOutOfRange, t.FullType(), z, err)
				}
				return nil, fmt.Errorf("failed to rebin %s basis %d: %w", t.FullType(), b, err)
			}
			m.SetCol(b, col)
		}
		out[hash] = m
	}
	return out, nil
}
