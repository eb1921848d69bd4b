package zfind

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/templates"
	"github.com/aristath/zfit/internal/zfit"
	"github.com/aristath/zfit/internal/zwarn"
	"github.com/aristath/zfit/pkg/formulas"
)

var quiet = zerolog.New(nil).Level(zerolog.Disabled)

func testTemplates(t *testing.T) (*templates.Template, *templates.Template) {
	t.Helper()
	wave := formulas.Linspace(2000, 8000, 6001)
	cont := make([]float64, len(wave))
	line := make([]float64, len(wave))
	for i, w := range wave {
		cont[i] = 1
		line[i] = math.Exp(-0.5 * math.Pow((w-4000)/10, 2))
	}
	galaxy, err := templates.New("GALAXY", "", wave, [][]float64{cont, line})
	require.NoError(t, err)
	star, err := templates.New("STAR", "F", wave, [][]float64{cont})
	require.NoError(t, err)
	return galaxy, star
}

func galaxyTarget(t *testing.T, galaxy *templates.Template) *spectra.Target {
	t.Helper()
	wave := formulas.Linspace(5000, 7000, 1001)
	hash := spectra.WaveHash(wave)
	binned, err := templates.Rebin(galaxy, 0.5, map[uint64][]float64{hash: wave})
	require.NoError(t, err)
	flux := make([]float64, len(wave))
	ivar := make([]float64, len(wave))
	for i := range wave {
		flux[i] = binned[hash].At(i, 0) + 3*binned[hash].At(i, 1) + 0.01*math.Cos(float64(i))
		ivar[i] = 100
	}
	s, err := spectra.NewSpectrum(wave, flux, ivar, nil)
	require.NoError(t, err)
	tg, err := spectra.NewTarget("42", []*spectra.Spectrum{s}, false, nil)
	require.NoError(t, err)
	return tg
}

func TestNew_Validation(t *testing.T) {
	galaxy, _ := testTemplates(t)
	_, err := New(nil, formulas.Linspace(0, 1, 11), 3, quiet)
	assert.Error(t, err)
	_, err = New([]*templates.Template{galaxy}, formulas.Linspace(0, 1, 11), 0, quiet)
	assert.Error(t, err)
	_, err = New([]*templates.Template{galaxy}, nil, 3, quiet)
	assert.Error(t, err)
}

func TestFit_PicksMatchingTemplate(t *testing.T) {
	galaxy, star := testTemplates(t)
	// the star carries its own grid, the galaxy uses the finder default
	star.Redshifts = formulas.Linspace(-0.001, 0.001, 5)

	f, err := New([]*templates.Template{star, galaxy}, formulas.Linspace(0.3, 0.7, 41), 3, quiet)
	require.NoError(t, err)

	res, err := f.Fit(context.Background(), galaxyTarget(t, galaxy))
	require.NoError(t, err)
	assert.Equal(t, spectra.TargetID("42"), res.TargetID)

	best, ok := res.Best()
	require.True(t, ok)
	assert.Equal(t, "GALAXY", best.SpecType)
	assert.InDelta(t, 0.5, best.Z, 1e-3)
	assert.Greater(t, best.DeltaChi2, MinDeltaChi2)
	assert.False(t, best.ZWarn.Has(zwarn.SmallDeltaChi2))

	var sawStar bool
	for i, c := range res.Candidates {
		if c.SpecType == "STAR" {
			sawStar = true
			assert.Equal(t, "F", c.Subtype)
		}
		if i > 0 {
			assert.LessOrEqual(t, res.Candidates[i-1].Chi2, c.Chi2)
		}
	}
	assert.True(t, sawStar)
	assert.Equal(t, 0.0, res.Candidates[len(res.Candidates)-1].DeltaChi2)
}

func TestFit_NoData(t *testing.T) {
	galaxy, _ := testTemplates(t)
	f, err := New([]*templates.Template{galaxy}, formulas.Linspace(0.3, 0.7, 41), 3, quiet)
	require.NoError(t, err)

	s, err := spectra.NewSpectrum([]float64{5000, 5001, 5002}, []float64{1, 1, 1}, []float64{0, 0, 0}, nil)
	require.NoError(t, err)
	tg, err := spectra.NewTarget("empty", []*spectra.Spectrum{s}, false, nil)
	require.NoError(t, err)

	res, err := f.Fit(context.Background(), tg)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, zwarn.NoData, res.Candidates[0].ZWarn)
}

func TestFit_Cancelled(t *testing.T) {
	galaxy, _ := testTemplates(t)
	f, err := New([]*templates.Template{galaxy}, formulas.Linspace(0.3, 0.7, 41), 3, quiet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fit(ctx, galaxyTarget(t, galaxy))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRank(t *testing.T) {
	cands := rank([]Candidate{
		{Candidate: zfit.Candidate{Z: 1, Chi2: 30}},
		{Candidate: zfit.Candidate{Z: 2, Chi2: 10}},
		{Candidate: zfit.Candidate{Z: 3, Chi2: 14}},
	})
	assert.Equal(t, []float64{2, 3, 1}, []float64{cands[0].Z, cands[1].Z, cands[2].Z})
	assert.Equal(t, []float64{4, 16, 0}, []float64{cands[0].DeltaChi2, cands[1].DeltaChi2, cands[2].DeltaChi2})
	assert.True(t, cands[0].ZWarn.Has(zwarn.SmallDeltaChi2))
	assert.False(t, cands[1].ZWarn.Has(zwarn.SmallDeltaChi2))
	assert.False(t, cands[2].ZWarn.Has(zwarn.SmallDeltaChi2))
}
