package workers

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/zfit/internal/distribute"
	"github.com/aristath/zfit/internal/shm"
	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/zfind"
)

// FitFunc fits one unpacked target.
type FitFunc func(ctx context.Context, t *spectra.Target) (zfind.Result, error)

// Pool fans the targets of one worker out over goroutines. Targets are split
// by spectrum count, and each target is fit by exactly one goroutine.
type Pool struct {
	numWorkers int
	store      *shm.Store
	log        zerolog.Logger
}

// NewPool creates a pool. With a non-nil store every target is packed into
// shared memory before it is handed to a worker and released afterwards.
func NewPool(numWorkers int, store *shm.Store, log zerolog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &Pool{
		numWorkers: numWorkers,
		store:      store,
		log:        log.With().Str("component", "worker_pool").Logger(),
	}
}

// jobItem is one target to fit
type jobItem struct {
	index  int
	target *spectra.Target
}

// resultItem is the result of a job
type resultItem struct {
	index  int
	result zfind.Result
}

// Fit runs fn on every target and returns the results in input order. The
// first error cancels the remaining work.
func (p *Pool) Fit(ctx context.Context, targets []*spectra.Target, fn FitFunc) ([]zfind.Result, error) {
	if len(targets) == 0 {
		return []zfind.Result{}, nil
	}

	numWorkers := p.numWorkers
	if len(targets) < numWorkers {
		numWorkers = len(targets) // no idle workers
	}
	parts, err := distribute.Targets(targets, numWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to split targets: %w", err)
	}
	index := make(map[spectra.TargetID]int, len(targets))
	for i, t := range targets {
		index[t.ID] = i
	}

	if p.store != nil {
		for _, t := range targets {
			if err := t.Pack(p.store); err != nil {
				p.release(targets)
				return nil, err
			}
		}
		defer p.release(targets)
	}

	results := make(chan resultItem, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for w, part := range parts {
		jobs := make([]jobItem, len(part))
		for i, id := range part {
			jobs[i] = jobItem{index: index[id], target: targets[index[id]]}
		}
		w := w
		g.Go(func() error {
			return p.worker(gctx, w, jobs, results, fn)
		})
	}
	err = g.Wait()
	close(results)
	if err != nil {
		return nil, err
	}

	out := make([]zfind.Result, len(targets))
	for r := range results {
		out[r.index] = r.result
	}
	p.log.Debug().Int("targets", len(targets)).Int("workers", numWorkers).Msg("Pool finished")
	return out, nil
}

func (p *Pool) worker(ctx context.Context, id int, jobs []jobItem, results chan<- resultItem, fn FitFunc) error {
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := job.target
		if err := t.Unpack(); err != nil {
			return err
		}
		res, err := fn(ctx, t)
		if err != nil {
			p.log.Error().Err(err).Int("worker", id).Str("target", string(t.ID)).Msg("Target fit failed")
			return fmt.Errorf("target %s: %w", t.ID, err)
		}
		if p.store != nil {
			if err := t.Pack(p.store); err != nil {
				return err
			}
		}
		results <- resultItem{index: job.index, result: res}
	}
	return nil
}

// release returns every target to process memory and frees its segments.
func (p *Pool) release(targets []*spectra.Target) {
	for _, t := range targets {
		if err := t.Release(); err != nil {
			p.log.Warn().Err(err).Str("target", string(t.ID)).Msg("Failed to release target")
		}
	}
}
