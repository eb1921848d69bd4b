// Package targets tracks which targets of a run are owned by which worker.
//
// A DistTargets knows the global id list, the ids and Target values owned by
// the local worker, and the union of every worker's wavelength grids. WaveGrids
// is a collective: every rank must call it, and only the first call exchanges
// data.
package targets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/zfit/internal/comm"
	"github.com/aristath/zfit/internal/spectra"
)

// ErrNotImplemented is returned when a registry has no local target source.
var ErrNotImplemented = errors.New("not implemented: registry has no local targets")

// DistTargets is the registry of targets distributed across workers.
type DistTargets interface {
	// AllTargetIDs returns every target id of the run, sorted.
	AllTargetIDs() []spectra.TargetID
	// LocalTargetIDs returns the ids owned by this worker.
	LocalTargetIDs() []spectra.TargetID
	// Local returns the targets owned by this worker, in LocalTargetIDs order.
	Local() []*spectra.Target
	// WaveGrids returns the wavelength grids of all workers keyed by wavehash.
	WaveGrids(ctx context.Context) (map[uint64][]float64, error)
	// Comm returns the communicator, nil for a single-process run.
	Comm() comm.Comm
}

// Base holds the state shared by registry implementations: the global id list,
// the communicator, and the cached wavegrid union. Implementations embed it and
// supply their local targets through NewBase.
type Base struct {
	comm   comm.Comm
	allIDs []spectra.TargetID
	local  func() []*spectra.Target

	mu    sync.Mutex
	grids map[uint64][]float64
}

// NewBase creates the shared registry state. local is called whenever the
// local targets are needed.
func NewBase(c comm.Comm, allIDs []spectra.TargetID, local func() []*spectra.Target) *Base {
	return &Base{comm: c, allIDs: allIDs, local: local}
}

// AllTargetIDs implements DistTargets.
func (b *Base) AllTargetIDs() []spectra.TargetID { return b.allIDs }

// Comm implements DistTargets.
func (b *Base) Comm() comm.Comm { return b.comm }

type gridEntry struct {
	Hash uint64    `msgpack:"hash"`
	Wave []float64 `msgpack:"wave"`
}

// WaveGrids implements DistTargets. The returned map is shared by all callers
// and must not be modified.
func (b *Base) WaveGrids(ctx context.Context) (map[uint64][]float64, error) {
	if b == nil || b.local == nil {
		return nil, ErrNotImplemented
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grids != nil {
		return b.grids, nil
	}

	var mine []gridEntry
	seen := make(map[uint64]bool)
	for _, t := range b.local() {
		for _, s := range t.Spectra {
			if seen[s.WaveHash()] {
				continue
			}
			seen[s.WaveHash()] = true
			mine = append(mine, gridEntry{Hash: s.WaveHash(), Wave: append([]float64(nil), s.Wave()...)})
		}
	}

	if b.comm == nil || b.comm.Size() == 1 {
		b.grids = mergeGrids([][]gridEntry{mine})
		return b.grids, nil
	}

	all, err := comm.AllgatherValues(ctx, b.comm, mine)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange wavelength grids: %w", err)
	}
	b.grids = mergeGrids(all)
	return b.grids, nil
}

// mergeGrids keeps the first grid seen for every hash, in rank order.
func mergeGrids(perRank [][]gridEntry) map[uint64][]float64 {
	out := make(map[uint64][]float64)
	for _, entries := range perRank {
		for _, e := range entries {
			if _, ok := out[e.Hash]; !ok {
				out[e.Hash] = e.Wave
			}
		}
	}
	return out
}
