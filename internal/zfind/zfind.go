// Package zfind runs the full redshift search for one target: a coarse scan
// and refinement per template, then a ranking across templates.
package zfind

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/templates"
	"github.com/aristath/zfit/internal/zfit"
	"github.com/aristath/zfit/internal/zscan"
	"github.com/aristath/zfit/internal/zwarn"
)

// MinDeltaChi2 is the chi-square margin to the next candidate under which a
// candidate is flagged SmallDeltaChi2.
const MinDeltaChi2 = 9.0

// Candidate is a refined solution tagged with the template that produced it.
type Candidate struct {
	zfit.Candidate `msgpack:",inline"`
	SpecType       string  `msgpack:"spectype" json:"spectype"`
	Subtype        string  `msgpack:"subtype" json:"subtype"`
	DeltaChi2      float64 `msgpack:"deltachi2" json:"deltachi2"`
}

// Result holds the ranked candidates of one target.
type Result struct {
	TargetID   spectra.TargetID `msgpack:"targetid" json:"targetid"`
	Candidates []Candidate      `msgpack:"candidates" json:"candidates"`
}

// Best returns the lowest chi-square candidate.
func (r Result) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Finder fits every template to a target.
type Finder struct {
	templates []*templates.Template
	redshifts []float64
	nminima   int
	fitter    *zfit.Fitter
	log       zerolog.Logger
}

// New creates a Finder. redshifts is the coarse grid for templates that do not
// carry their own.
func New(tmpls []*templates.Template, redshifts []float64, nminima int, log zerolog.Logger) (*Finder, error) {
	if len(tmpls) == 0 {
		return nil, errors.New("no templates")
	}
	if nminima <= 0 {
		return nil, fmt.Errorf("nminima must be positive, got %d", nminima)
	}
	for _, t := range tmpls {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if len(t.Redshifts) == 0 && len(redshifts) < 2 {
			return nil, fmt.Errorf("template %s has no redshift grid", t.FullType())
		}
	}
	return &Finder{
		templates: tmpls,
		redshifts: redshifts,
		nminima:   nminima,
		fitter:    zfit.NewFitter(),
		log:       log.With().Str("component", "zfind").Logger(),
	}, nil
}

// Fit searches the redshift of t. Its spectra must be unpacked.
func (f *Finder) Fit(ctx context.Context, t *spectra.Target) (Result, error) {
	res := Result{TargetID: t.ID}
	if !hasData(t) {
		f.log.Debug().Str("target", string(t.ID)).Msg("Target has no usable pixels")
		res.Candidates = []Candidate{{Candidate: zfit.Candidate{ZWarn: zwarn.NoData}}}
		return res, nil
	}

	var all []Candidate
	for _, tmpl := range f.templates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		grid := tmpl.Redshifts
		if len(grid) == 0 {
			grid = f.redshifts
		}

		zchi2, _, err := zscan.CalcZChi2(t.Spectra, tmpl, grid)
		if err != nil {
			return Result{}, fmt.Errorf("failed to scan target %s: %w", t.ID, err)
		}
		cands, err := f.fitter.Fitz(zchi2, grid, t.Spectra, tmpl, f.nminima)
		if err != nil {
			return Result{}, fmt.Errorf("failed to refine target %s with %s: %w", t.ID, tmpl.FullType(), err)
		}
		for _, c := range cands {
			all = append(all, Candidate{Candidate: c, SpecType: tmpl.Type, Subtype: tmpl.Subtype})
		}
	}

	res.Candidates = rank(all)
	if best, ok := res.Best(); ok {
		f.log.Debug().
			Str("target", string(t.ID)).
			Float64("z", best.Z).
			Str("spectype", best.SpecType).
			Stringer("zwarn", best.ZWarn).
			Msg("Target fit")
	}
	return res, nil
}

// rank sorts candidates by chi-square and fills in DeltaChi2 to the next one.
func rank(cands []Candidate) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Chi2 < cands[j].Chi2 })
	for i := range cands {
		if i == len(cands)-1 {
			cands[i].DeltaChi2 = 0
			break
		}
		cands[i].DeltaChi2 = cands[i+1].Chi2 - cands[i].Chi2
		if cands[i].DeltaChi2 < MinDeltaChi2 {
			cands[i].ZWarn |= zwarn.SmallDeltaChi2
		}
	}
	return cands
}

func hasData(t *spectra.Target) bool {
	for _, s := range t.Spectra {
		for _, v := range s.IVar() {
			if v > 0 {
				return true
			}
		}
	}
	return false
}
