package distribute

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/zfit/internal/spectra"
)

func TestWork_Validation(t *testing.T) {
	_, err := Work(0, []int{1, 2}, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkers)

	_, err = Work(-1, []int{1}, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkers)

	_, err = Work(2, []int{1, 2, 1}, nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestWork_UnitWeights(t *testing.T) {
	dist, err := Work(3, []string{"a", "b", "c", "d", "e"}, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "d"}, {"b", "e"}, {"c"}}, dist)
}

func TestWork_MoreWorkersThanItems(t *testing.T) {
	dist, err := Work(4, []int{7, 8}, nil)
	require.NoError(t, err)
	require.Len(t, dist, 4)
	assert.Equal(t, []int{7}, dist[0])
	assert.Equal(t, []int{8}, dist[1])
	assert.Empty(t, dist[2])
	assert.Empty(t, dist[3])
}

func TestWork_Weighted(t *testing.T) {
	weights := map[int]float64{1: 5, 2: 1, 3: 4, 4: 2, 5: 3}
	dist, err := Work(2, []int{1, 2, 3, 4, 5}, weights)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 4, 2}, {3, 5}}, dist)
}

func TestWork_Deterministic(t *testing.T) {
	ids := []int{5, 3, 9, 1, 7, 2}
	weights := map[int]float64{5: 2, 3: 2, 9: 1, 1: 3, 7: 1, 2: 2}

	first, err := Work(3, ids, weights)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Work(3, ids, weights)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestWork_FairnessProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		nworkers := 1 + rng.Intn(8)
		n := rng.Intn(60)
		ids := make([]int, n)
		weights := make(map[int]float64, n)
		maxWeight := 0.0
		for i := range ids {
			ids[i] = i
			weights[i] = float64(1 + rng.Intn(10))
			if weights[i] > maxWeight {
				maxWeight = weights[i]
			}
		}

		dist, err := Work(nworkers, ids, weights)
		require.NoError(t, err)
		require.Len(t, dist, nworkers)

		seen := map[int]int{}
		loads := make([]float64, nworkers)
		for w, part := range dist {
			for _, id := range part {
				seen[id]++
				loads[w] += weights[id]
			}
		}
		assert.Len(t, seen, n, "every id is assigned")
		for _, c := range seen {
			assert.Equal(t, 1, c, "no id is assigned twice")
		}
		for a := range loads {
			for b := range loads {
				assert.LessOrEqual(t, loads[a]-loads[b], maxWeight)
			}
		}
	}
}

func TestTargets_WeightsBySpectrumCount(t *testing.T) {
	mk := func(id string, nspec int) *spectra.Target {
		specs := make([]*spectra.Spectrum, nspec)
		for i := range specs {
			s, err := spectra.NewSpectrum([]float64{1, 2}, []float64{0, 0}, []float64{1, 1}, nil)
			require.NoError(t, err)
			specs[i] = s
		}
		return &spectra.Target{ID: spectra.TargetID(id), Spectra: specs}
	}

	targets := []*spectra.Target{mk("a", 1), mk("b", 3), mk("c", 1), mk("d", 1)}
	dist, err := Targets(targets, 2)
	require.NoError(t, err)

	assert.Equal(t, [][]spectra.TargetID{{"b"}, {"a", "c", "d"}}, dist)
}
