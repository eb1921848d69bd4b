package spectra

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/aristath/zfit/internal/shm"
)

// TargetID identifies a target within a run. Integer ids are stored in their
// decimal form and order numerically.
type TargetID string

// IntID formats an integer target id.
func IntID(id int64) TargetID {
	return TargetID(strconv.FormatInt(id, 10))
}

// Less orders ids numerically when both are integers and lexically otherwise;
// integers sort before strings.
func (id TargetID) Less(other TargetID) bool {
	a, errA := strconv.ParseInt(string(id), 10, 64)
	b, errB := strconv.ParseInt(string(other), 10, 64)
	switch {
	case errA == nil && errB == nil:
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return id < other
	}
}

// SortIDs sorts ids in place using TargetID.Less.
func SortIDs(ids []TargetID) {
	sort.SliceStable(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Target is one astronomical object and its spectra.
type Target struct {
	ID      TargetID       `msgpack:"id"`
	Spectra []*Spectrum    `msgpack:"spectra"`
	Meta    map[string]any `msgpack:"meta,omitempty"`
}

// NewTarget builds a target, optionally replacing its spectra by their coadds.
func NewTarget(id TargetID, spectra []*Spectrum, coadd bool, meta map[string]any) (*Target, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	t := &Target{ID: id, Spectra: spectra, Meta: meta}
	if coadd {
		if err := t.ComputeCoadd(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// NSpectra returns the number of spectra, the target's unit of work.
func (t *Target) NSpectra() int {
	return len(t.Spectra)
}

// WaveGrids returns the distinct wavelength grids of the target keyed by
// wavehash, along with the hashes in first-seen order.
func (t *Target) WaveGrids() (map[uint64][]float64, []uint64) {
	grids := make(map[uint64][]float64)
	var order []uint64
	for _, s := range t.Spectra {
		if _, ok := grids[s.WaveHash()]; ok {
			continue
		}
		grids[s.WaveHash()] = s.Wave()
		order = append(order, s.WaveHash())
	}
	return grids, order
}

// Pack packs every spectrum into shared memory.
func (t *Target) Pack(store *shm.Store) error {
	for i, s := range t.Spectra {
		if err := s.Pack(store); err != nil {
			return fmt.Errorf("target %s spectrum %d: %w", t.ID, i, err)
		}
	}
	return nil
}

// Unpack unpacks every spectrum.
func (t *Target) Unpack() error {
	for i, s := range t.Spectra {
		if err := s.Unpack(); err != nil {
			return fmt.Errorf("target %s spectrum %d: %w", t.ID, i, err)
		}
	}
	return nil
}

// Detach moves every spectrum back into process memory, keeping segment files.
func (t *Target) Detach() error {
	for i, s := range t.Spectra {
		if err := s.Detach(); err != nil {
			return fmt.Errorf("target %s spectrum %d: %w", t.ID, i, err)
		}
	}
	return nil
}

// Release moves every spectrum back into process memory and frees the
// segments it created.
func (t *Target) Release() error {
	for i, s := range t.Spectra {
		if err := s.Release(); err != nil {
			return fmt.Errorf("target %s spectrum %d: %w", t.ID, i, err)
		}
	}
	return nil
}
