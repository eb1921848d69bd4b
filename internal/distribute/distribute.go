// Package distribute partitions work items across a fixed number of workers so
// that every worker receives about the same total weight.
package distribute

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/zfit/internal/spectra"
)

var (
	// ErrInvalidWorkers is returned for a non-positive worker count.
	ErrInvalidWorkers = errors.New("worker count must be positive")
	// ErrDuplicateID is returned when the same id appears twice.
	ErrDuplicateID = errors.New("duplicate work item id")
)

// Work splits ids into nworkers ordered lists. Items are taken heaviest first
// (ties keep input order) and each goes to the currently lightest worker (ties
// go to the lowest worker index). A nil weights map gives every item weight 1;
// ids missing from a non-nil map also weigh 1.
//
// The result is deterministic, every id appears exactly once, and no worker's
// total exceeds another's by more than the largest single weight.
func Work[K comparable](nworkers int, ids []K, weights map[K]float64) ([][]K, error) {
	if nworkers <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, nworkers)
	}
	seen := make(map[K]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateID, id)
		}
		seen[id] = true
	}

	weight := func(id K) float64 {
		if w, ok := weights[id]; ok {
			return w
		}
		return 1
	}

	sorted := append([]K(nil), ids...)
	sort.SliceStable(sorted, func(i, j int) bool { return weight(sorted[i]) > weight(sorted[j]) })

	dist := make([][]K, nworkers)
	for i := range dist {
		dist[i] = []K{}
	}
	loads := make([]float64, nworkers)
	for _, id := range sorted {
		p := 0
		for w := 1; w < nworkers; w++ {
			if loads[w] < loads[p] {
				p = w
			}
		}
		dist[p] = append(dist[p], id)
		loads[p] += weight(id)
	}
	return dist, nil
}

// Targets partitions targets across nworkers, weighting each by its number of
// spectra.
func Targets(targets []*spectra.Target, nworkers int) ([][]spectra.TargetID, error) {
	ids := make([]spectra.TargetID, 0, len(targets))
	weights := make(map[spectra.TargetID]float64, len(targets))
	for _, tg := range targets {
		ids = append(ids, tg.ID)
		weights[tg.ID] = float64(tg.NSpectra())
	}
	return Work(nworkers, ids, weights)
}
