package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/zfit/internal/shm"
	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/zfind"
	"github.com/aristath/zfit/internal/zfit"
)

var quiet = zerolog.New(nil).Level(zerolog.Disabled)

func makeTargets(t *testing.T, n int) []*spectra.Target {
	t.Helper()
	out := make([]*spectra.Target, n)
	for i := range out {
		var specs []*spectra.Spectrum
		for j := 0; j <= i%3; j++ {
			s, err := spectra.NewSpectrum([]float64{1, 2, 3}, []float64{float64(i), 0, 0}, []float64{1, 1, 1}, nil)
			require.NoError(t, err)
			specs = append(specs, s)
		}
		tg, err := spectra.NewTarget(spectra.IntID(int64(i)), specs, false, nil)
		require.NoError(t, err)
		out[i] = tg
	}
	return out
}

// firstFlux reads the target's data, so it fails if the target is still packed.
func firstFlux(_ context.Context, t *spectra.Target) (zfind.Result, error) {
	return zfind.Result{
		TargetID:   t.ID,
		Candidates: []zfind.Candidate{{Candidate: zfit.Candidate{Z: t.Spectra[0].Flux()[0]}}},
	}, nil
}

func TestPool_PreservesOrder(t *testing.T) {
	targets := makeTargets(t, 17)
	p := NewPool(4, nil, quiet)

	got, err := p.Fit(context.Background(), targets, firstFlux)
	require.NoError(t, err)
	require.Len(t, got, len(targets))
	for i, r := range got {
		assert.Equal(t, targets[i].ID, r.TargetID)
		assert.Equal(t, float64(i), r.Candidates[0].Z)
	}
}

func TestPool_Empty(t *testing.T) {
	got, err := NewPool(2, nil, quiet).Fit(context.Background(), nil, firstFlux)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPool_SharedMemory(t *testing.T) {
	store, err := shm.NewStore(t.TempDir())
	require.NoError(t, err)
	targets := makeTargets(t, 6)

	var mu sync.Mutex
	segments := map[string]bool{}
	fn := func(ctx context.Context, tg *spectra.Target) (zfind.Result, error) {
		mu.Lock()
		for _, s := range tg.Spectra {
			segments[s.SegmentPath()] = true
		}
		mu.Unlock()
		return firstFlux(ctx, tg)
	}

	got, err := NewPool(3, store, quiet).Fit(context.Background(), targets, fn)
	require.NoError(t, err)
	for i, r := range got {
		assert.Equal(t, float64(i), r.Candidates[0].Z)
	}

	// every spectrum went through its own segment, and all were freed
	assert.Len(t, segments, 12)
	assert.NotContains(t, segments, "")
	for _, tg := range targets {
		for _, s := range tg.Spectra {
			assert.False(t, s.Packed())
			assert.Empty(t, s.SegmentPath())
		}
	}
	for path := range segments {
		assert.NoFileExists(t, path)
	}
}

func TestPool_FirstErrorCancels(t *testing.T) {
	targets := makeTargets(t, 10)
	boom := errors.New("boom")
	fn := func(ctx context.Context, tg *spectra.Target) (zfind.Result, error) {
		if tg.ID == "3" {
			return zfind.Result{}, boom
		}
		return firstFlux(ctx, tg)
	}

	_, err := NewPool(2, nil, quiet).Fit(context.Background(), targets, fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), fmt.Sprintf("target %s", "3"))
}

func TestPool_DefaultWorkers(t *testing.T) {
	p := NewPool(0, nil, quiet)
	assert.Positive(t, p.numWorkers)
}
