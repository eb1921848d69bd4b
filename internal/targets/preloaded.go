package targets

import (
	"context"
	"fmt"

	"github.com/aristath/zfit/internal/comm"
	"github.com/aristath/zfit/internal/spectra"
)

// Preloaded is a registry whose workers each loaded their own targets. The
// global id list is assembled with one allgather.
type Preloaded struct {
	*Base
	ids   []spectra.TargetID
	local []*spectra.Target
}

var _ DistTargets = (*Preloaded)(nil)

// NewPreloaded builds the registry. It is a collective when c is not nil.
// Ids must be unique across all workers.
func NewPreloaded(ctx context.Context, local []*spectra.Target, c comm.Comm) (*Preloaded, error) {
	ids := make([]spectra.TargetID, len(local))
	for i, t := range local {
		ids[i] = t.ID
	}

	all := append([]spectra.TargetID(nil), ids...)
	if c != nil && c.Size() > 1 {
		perRank, err := comm.AllgatherValues(ctx, c, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to gather target ids: %w", err)
		}
		all = all[:0]
		for _, r := range perRank {
			all = append(all, r...)
		}
	}

	seen := make(map[spectra.TargetID]bool, len(all))
	for _, id := range all {
		if seen[id] {
			return nil, fmt.Errorf("target %s loaded by more than one worker", id)
		}
		seen[id] = true
	}
	spectra.SortIDs(all)

	p := &Preloaded{ids: ids, local: local}
	p.Base = NewBase(c, all, func() []*spectra.Target { return p.local })
	return p, nil
}

// LocalTargetIDs implements DistTargets.
func (p *Preloaded) LocalTargetIDs() []spectra.TargetID { return p.ids }

// Local implements DistTargets.
func (p *Preloaded) Local() []*spectra.Target { return p.local }
