package targets

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/comm"
	"github.com/aristath/zfit/internal/distribute"
	"github.com/aristath/zfit/internal/spectra"
)

// Copy distributes targets held by one root worker to every worker of a
// communicator. Each target is broadcast by value once and kept only by the
// worker it is assigned to.
type Copy struct {
	*Base
	localIDs []spectra.TargetID
	local    []*spectra.Target
}

var _ DistTargets = (*Copy)(nil)

type workload struct {
	IDs     []spectra.TargetID `msgpack:"ids"`
	Weights []float64          `msgpack:"weights"`
}

// NewCopy builds the registry. Only root's targets argument is read; every
// rank of c must call NewCopy with the same root. A nil c keeps all targets
// local.
func NewCopy(ctx context.Context, targets []*spectra.Target, c comm.Comm, root int, log zerolog.Logger) (*Copy, error) {
	rank, size := 0, 1
	if c != nil {
		rank, size = c.Rank(), c.Size()
	}
	if root < 0 || root >= size {
		return nil, fmt.Errorf("root %d outside group of %d", root, size)
	}
	log = log.With().Str("component", "dist_targets").Int("rank", rank).Logger()

	var work workload
	if rank == root {
		for _, t := range targets {
			work.IDs = append(work.IDs, t.ID)
			work.Weights = append(work.Weights, float64(t.NSpectra()))
		}
	}
	if c != nil {
		if err := comm.BcastValue(ctx, c, root, &work); err != nil {
			return nil, fmt.Errorf("failed to broadcast target list: %w", err)
		}
	}

	weights := make(map[spectra.TargetID]float64, len(work.IDs))
	for i, id := range work.IDs {
		weights[id] = work.Weights[i]
	}
	parts, err := distribute.Work(size, work.IDs, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to distribute targets: %w", err)
	}

	allIDs := append([]spectra.TargetID(nil), work.IDs...)
	spectra.SortIDs(allIDs)

	cp := &Copy{localIDs: parts[rank]}
	cp.Base = NewBase(c, allIDs, func() []*spectra.Target { return cp.local })

	mine := make(map[spectra.TargetID]bool, len(cp.localIDs))
	for _, id := range cp.localIDs {
		mine[id] = true
	}
	held := make(map[spectra.TargetID]*spectra.Target, len(cp.localIDs))

	if c == nil {
		for _, t := range targets {
			held[t.ID] = t
		}
	} else {
		for i := range work.IDs {
			var payload []byte
			if rank == root {
				payload, err = spectra.EncodeTarget(targets[i])
				if err != nil {
					return nil, err
				}
			}
			recv, err := c.Bcast(ctx, root, payload)
			if err != nil {
				return nil, fmt.Errorf("failed to broadcast target %s: %w", work.IDs[i], err)
			}
			if !mine[work.IDs[i]] {
				continue
			}
			t, err := spectra.DecodeTarget(recv)
			if err != nil {
				return nil, err
			}
			held[t.ID] = t
		}
	}

	cp.local = make([]*spectra.Target, len(cp.localIDs))
	for i, id := range cp.localIDs {
		t, ok := held[id]
		if !ok {
			return nil, fmt.Errorf("target %s assigned to rank %d was not received", id, rank)
		}
		cp.local[i] = t
	}

	log.Debug().Int("total", len(allIDs)).Int("local", len(cp.local)).Msg("Targets distributed")
	return cp, nil
}

// LocalTargetIDs implements DistTargets.
func (c *Copy) LocalTargetIDs() []spectra.TargetID { return c.localIDs }

// Local implements DistTargets.
func (c *Copy) Local() []*spectra.Target { return c.local }
